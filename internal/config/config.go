// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/stenobot-io/stenobot/api/schemas"
)

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Browser     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline" yaml:"pipeline"`
	Registry    RegistryConfig    `mapstructure:"registry" yaml:"registry"`
	Auth        AuthConfig        `mapstructure:"auth" yaml:"auth"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics" yaml:"diagnostics"`
	// Selectors overrides the built-in locator strategy tables. Keyed by
	// platform, then intent. Selector sets are platform-version-dependent
	// and belong in configuration, not code.
	Selectors map[string]map[string][]schemas.Strategy `mapstructure:"selectors" yaml:"selectors"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig configures the control API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	APIKey          string        `mapstructure:"api_key" yaml:"-"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless       bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath       string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args           []string      `mapstructure:"args" yaml:"args"`
	LaunchTimeout  time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	WindowWidth    int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight   int           `mapstructure:"window_height" yaml:"window_height"`
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`
	DisableGPU     bool          `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	AllowFakeMedia bool          `mapstructure:"allow_fake_media" yaml:"allow_fake_media"`
}

// PipelineConfig tunes the join pipeline's timing and retry behavior.
type PipelineConfig struct {
	MaxAttempts          int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryBaseDelay       time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	NavigationTimeout    time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ElementBudget        time.Duration `mapstructure:"element_budget" yaml:"element_budget"`
	MediaBudget          time.Duration `mapstructure:"media_budget" yaml:"media_budget"`
	AdmissionWait        time.Duration `mapstructure:"admission_wait" yaml:"admission_wait"`
	AdmissionPoll        time.Duration `mapstructure:"admission_poll" yaml:"admission_poll"`
	AuthTimeout          time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`
	TranscriptInterval   time.Duration `mapstructure:"transcript_interval" yaml:"transcript_interval"`
	TranscriptRate       float64       `mapstructure:"transcript_rate" yaml:"transcript_rate"`
	GuestName            string        `mapstructure:"guest_name" yaml:"guest_name"`
	DisconnectThreshold  int           `mapstructure:"disconnect_threshold" yaml:"disconnect_threshold"`
	LeaveTimeout         time.Duration `mapstructure:"leave_timeout" yaml:"leave_timeout"`
}

// RegistryConfig configures the session registry and its idle reaper.
type RegistryConfig struct {
	SessionTTL    time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// AuthConfig carries operator credentials for platforms that redirect to an
// identity-provider login page before admitting guests.
type AuthConfig struct {
	Email    string `mapstructure:"email" yaml:"-"`
	Password string `mapstructure:"password" yaml:"-"`
}

// DiagnosticsConfig configures the per-session diagnostics recorder.
type DiagnosticsConfig struct {
	Dir      string `mapstructure:"dir" yaml:"dir"`
	RingSize int    `mapstructure:"ring_size" yaml:"ring_size"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "stenobot")
	v.SetDefault("logger.log_file", "stenobot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "20s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.launch_timeout", "60s")
	v.SetDefault("browser.window_width", 1440)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.disable_gpu", true)
	v.SetDefault("browser.allow_fake_media", true)

	// -- Pipeline --
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.retry_base_delay", "2s")
	v.SetDefault("pipeline.navigation_timeout", "90s")
	v.SetDefault("pipeline.element_budget", "20s")
	v.SetDefault("pipeline.media_budget", "6s")
	v.SetDefault("pipeline.admission_wait", "5m")
	v.SetDefault("pipeline.admission_poll", "3s")
	v.SetDefault("pipeline.auth_timeout", "90s")
	v.SetDefault("pipeline.transcript_interval", "2s")
	v.SetDefault("pipeline.transcript_rate", 1.0)
	v.SetDefault("pipeline.guest_name", "Stenobot Notetaker")
	v.SetDefault("pipeline.disconnect_threshold", 5)
	v.SetDefault("pipeline.leave_timeout", "10s")

	// -- Registry --
	v.SetDefault("registry.session_ttl", "20m")
	v.SetDefault("registry.sweep_interval", "1m")

	// -- Diagnostics --
	v.SetDefault("diagnostics.dir", defaultDiagnosticsDir())
	v.SetDefault("diagnostics.ring_size", 200)
}

// defaultDiagnosticsDir resolves a writable per-user location for snapshots.
func defaultDiagnosticsDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return filepath.Join(os.TempDir(), "stenobot-diagnostics")
	}
	return filepath.Join(home, ".stenobot", "diagnostics")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("server.api_key", "STENOBOT_API_KEY")
	v.BindEnv("auth.email", "STENOBOT_AUTH_EMAIL")
	v.BindEnv("auth.password", "STENOBOT_AUTH_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be a positive integer")
	}
	if c.Pipeline.RetryBaseDelay <= 0 {
		return fmt.Errorf("pipeline.retry_base_delay must be a positive duration")
	}
	if c.Pipeline.AdmissionWait <= 0 {
		return fmt.Errorf("pipeline.admission_wait must be a positive duration")
	}
	if c.Pipeline.TranscriptInterval <= 0 {
		return fmt.Errorf("pipeline.transcript_interval must be a positive duration")
	}
	if c.Pipeline.DisconnectThreshold <= 0 {
		return fmt.Errorf("pipeline.disconnect_threshold must be a positive integer")
	}
	if c.Registry.SessionTTL <= 0 {
		return fmt.Errorf("registry.session_ttl must be a positive duration")
	}
	if c.Registry.SweepInterval <= 0 {
		return fmt.Errorf("registry.sweep_interval must be a positive duration")
	}
	if c.Diagnostics.RingSize <= 0 {
		return fmt.Errorf("diagnostics.ring_size must be a positive integer")
	}
	return nil
}
