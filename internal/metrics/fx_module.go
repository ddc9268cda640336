package metrics

import (
	"go.uber.org/fx"

	"github.com/nidhogg/embedserve/internal/config"
)

// FXModule provides *Metrics built from the service configuration. A
// disabled instance is still provided so consumers never see nil.
var FXModule = fx.Module("metrics",
	fx.Provide(NewFromConfig),
)

// NewFromConfig builds the registry for cfg.
func NewFromConfig(cfg *config.Config) *Metrics {
	return New(Config{
		Enabled:     cfg.Metrics.Enabled,
		ServiceName: cfg.Service.Name,
	})
}
