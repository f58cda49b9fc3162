package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stenobot-io/stenobot/api/schemas"
	"github.com/stenobot-io/stenobot/internal/browser"
	"github.com/stenobot-io/stenobot/internal/diagnostics"
	"github.com/stenobot-io/stenobot/internal/observability"
	"github.com/stenobot-io/stenobot/internal/pipeline"
	"github.com/stenobot-io/stenobot/internal/selectors"
	"github.com/stenobot-io/stenobot/internal/server"
	"github.com/stenobot-io/stenobot/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API server.",
	Long: `Starts the HTTP control API. Sessions are created with POST /sessions
and drive a headless browser into the requested meeting in the background.`,
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
		registry.StartReaper()
		defer registry.Stop()

		pl := pipeline.New(driver, table, cfg.Pipeline, cfg.Auth, logger)
		srv := server.New(registry, pl, cfg.Server, logger)

		g, gCtx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.ListenAndServe(gCtx)
		})
		g.Go(func() error {
			<-gCtx.Done()
			logger.Info("Shutdown signal received; draining sessions.")
			for _, snap := range registry.List() {
				if sess, err := registry.Get(snap.ID); err == nil {
					pl.Leave(sess)
				}
			}
			return nil
		})

		if err := g.Wait(); err != nil {
			logger.Error("Server exited with error.", zap.Error(err))
			return err
		}
		logger.Info("Server stopped.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
