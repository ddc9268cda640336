package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/nidhogg/embedserve/internal/api"
	"github.com/nidhogg/embedserve/internal/config"
	"github.com/nidhogg/embedserve/internal/embedding"
	"github.com/nidhogg/embedserve/internal/metrics"
)

var errServerStopped = errors.New("server stopped unexpectedly")

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// newApp assembles the dependency graph of the service.
func newApp(cfg *config.Config, logger *zap.Logger) *fx.App {
	return fx.New(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
		metrics.FXModule,
		embedding.FXModule,
		api.FXModule,
	)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "stdout")
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting embedserve...",
		zap.String("version", cfg.Service.Version),
		zap.String("provider", cfg.Model.Provider),
		zap.String("model", cfg.ModelRef()),
	)

	app := newApp(cfg, logger)
	if err := app.Err(); err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}

	// SIGINT/SIGTERM arrive here as well as fx.Shutdowner requests.
	sig := <-app.Wait()
	logger.Info("shutdown requested", zap.String("signal", sig.String()))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if sig.ExitCode != 0 {
		return &exitError{code: sig.ExitCode, err: errServerStopped}
	}
	return nil
}
