package api

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nidhogg/embedserve/internal/config"
)

// FXModule provides the Handler and the HTTP server and ties the server to
// the application lifecycle.
var FXModule = fx.Module("api",
	fx.Provide(
		NewHandler,
		NewServer,
	),
	fx.Invoke(RegisterServerLifecycle),
)

// NewServer builds the http.Server for cfg around the handler's router.
func NewServer(cfg *config.Config, h *Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  cfg.Server.IdleTimeout(),
	}
}

// RegisterServerLifecycle binds the listener on start, so a busy port fails
// startup, and drains in-flight requests on stop. A serve error after start
// shuts the application down.
func RegisterServerLifecycle(lc fx.Lifecycle, srv *http.Server, shutdowner fx.Shutdowner, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			go func() {
				logger.Info("embedserve listening", zap.String("addr", ln.Addr().String()))
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", zap.Error(err))
					shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down embedserve...")
			return srv.Shutdown(ctx)
		},
	})
}
