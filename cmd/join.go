package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stenobot-io/stenobot/api/schemas"
	"github.com/stenobot-io/stenobot/internal/browser"
	"github.com/stenobot-io/stenobot/internal/diagnostics"
	"github.com/stenobot-io/stenobot/internal/observability"
	"github.com/stenobot-io/stenobot/internal/pipeline"
	"github.com/stenobot-io/stenobot/internal/selectors"
	"github.com/stenobot-io/stenobot/internal/session"
)

var joinCmd = &cobra.Command{
	Use:   "join <meeting-url>",
	Short: "Join a single meeting and print the transcript on exit.",
	Long: `Joins the given meeting without starting the API server. The bot stays
in the meeting until interrupted (Ctrl-C), the meeting ends, or the join
fails; the captured transcript is printed to stdout on the way out.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		driver := browser.NewChromeDriver(cfg.Browser, logger)
		table := selectors.NewTable(cfg.Selectors)

		sinkFactory := session.SinkFactory(func(sessionID string) (schemas.DiagnosticsSink, error) {
			return diagnostics.NewFileSink(cfg.Diagnostics.Dir, sessionID)
		})
		registry := session.NewRegistry(
			cfg.Diagnostics.RingSize,
			cfg.Registry.SessionTTL,
			cfg.Registry.SweepInterval,
			sinkFactory,
			logger,
		)
		defer registry.Stop()

		sess, err := registry.Create(args[0])
		if err != nil {
			return err
		}
		logger.Info("Joining meeting.",
			zap.String("session_id", sess.ID()),
			zap.String("platform", string(sess.Platform())))

		pl := pipeline.New(driver, table, cfg.Pipeline, cfg.Auth, logger)
		pl.Start(sess)

		select {
		case <-ctx.Done():
			logger.Info("Interrupted; leaving meeting.")
			pl.Leave(sess)
		case <-sess.Done():
		}

		snap := sess.Snapshot()
		for _, fragment := range sess.Transcript() {
			fmt.Fprintf(os.Stdout, "[%s] %s\n", fragment.Timestamp.Format("15:04:05"), fragment.Text)
		}
		if snap.State == schemas.StateError && snap.LastError != nil {
			return fmt.Errorf("join failed: %s", snap.LastError.Error())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)
}
