// Package browser implements the driver port on top of chromedp. Each
// session gets its own browser process via a dedicated exec allocator, so
// a crash in one meeting never takes down another.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/stenobot-io/stenobot/api/schemas"
	"github.com/stenobot-io/stenobot/internal/config"
)

// ChromeDriver launches Chrome/Chromium processes through chromedp.
type ChromeDriver struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

var _ schemas.Driver = (*ChromeDriver)(nil)

// NewChromeDriver builds a driver from browser configuration.
func NewChromeDriver(cfg config.BrowserConfig, logger *zap.Logger) *ChromeDriver {
	return &ChromeDriver{cfg: cfg, logger: logger.Named("browser")}
}

// allocatorOptions translates configuration into exec allocator flags.
func (d *ChromeDriver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("mute-audio", true),
		chromedp.WindowSize(d.cfg.WindowWidth, d.cfg.WindowHeight),
	}
	if d.cfg.DisableGPU {
		opts = append(opts, chromedp.DisableGPU)
	}
	if d.cfg.AllowFakeMedia {
		// Meeting pages block on getUserMedia permission prompts; fake
		// devices let the pre-join screen settle without real hardware.
		opts = append(opts,
			chromedp.Flag("use-fake-ui-for-media-stream", true),
			chromedp.Flag("use-fake-device-for-media-stream", true),
		)
	}
	if d.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ExecPath))
	}
	if d.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(d.cfg.UserAgent))
	}
	for _, arg := range d.cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}
	return opts
}

// Launch starts a browser process and waits for the CDP connection to come
// up within the configured launch timeout.
func (d *ChromeDriver) Launch(ctx context.Context) (schemas.Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), d.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	cancelAll := func() {
		browserCancel()
		allocCancel()
	}

	timeout := d.cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	startCtx, startCancel := combineContext(browserCtx, ctx)
	defer startCancel()
	runCtx, runCancel := context.WithTimeout(startCtx, timeout)
	defer runCancel()

	// An empty task list forces the process to start and CDP to connect.
	if err := chromedp.Run(runCtx); err != nil {
		cancelAll()
		return nil, fmt.Errorf("browser process failed to start: %w", err)
	}

	d.logger.Debug("Browser process launched.")
	return &Browser{
		browserCtx: browserCtx,
		cancelAll:  cancelAll,
		logger:     d.logger,
	}, nil
}

// Browser owns one Chrome process. Close is idempotent.
type Browser struct {
	browserCtx context.Context
	cancelAll  context.CancelFunc
	logger     *zap.Logger

	mu       sync.Mutex
	isClosed bool
}

var _ schemas.Browser = (*Browser)(nil)

// NewPage opens a fresh tab in the browser.
func (b *Browser) NewPage(ctx context.Context) (schemas.Page, error) {
	b.mu.Lock()
	if b.isClosed {
		b.mu.Unlock()
		return nil, fmt.Errorf("browser is closed")
	}
	b.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)

	opCtx, opCancel := combineContext(tabCtx, ctx)
	defer opCancel()
	if err := chromedp.Run(opCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}

	// Pre-grant media permissions so meeting pages never block on a
	// permission prompt the bot cannot click.
	grant := cdpbrowser.GrantPermissions([]cdpbrowser.PermissionType{
		cdpbrowser.PermissionTypeAudioCapture,
		cdpbrowser.PermissionTypeVideoCapture,
	})
	if err := chromedp.Run(opCtx, grant); err != nil {
		b.logger.Warn("Failed to pre-grant media permissions.", zap.Error(err))
	}

	return newPage(tabCtx, tabCancel, b.logger), nil
}

// Close shuts the browser process down gracefully, falling back to a hard
// kill when the graceful path does not finish in time.
func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.isClosed {
		b.mu.Unlock()
		return nil
	}
	b.isClosed = true
	b.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		// Graceful: asks Chrome to exit and waits for the process.
		done <- chromedp.Cancel(detach(b.browserCtx))
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		b.logger.Warn("Graceful browser shutdown timed out; killing process.")
		err = ctx.Err()
	}

	b.cancelAll()
	return err
}
