package embedding

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nidhogg/embedserve/internal/config"
	"github.com/nidhogg/embedserve/internal/metrics"
)

// FXModule provides the loaded Provider. Model loading runs while the fx
// graph is built, so a *StartupError stops the application before any
// listener opens.
//
// Dependencies required by this module:
// - *config.Config
// - *metrics.Metrics (may be disabled)
// - *zap.Logger
var FXModule = fx.Module("embedding",
	fx.Provide(NewFromConfig),
)

// OptionsFromConfig maps the service configuration onto loader options.
func OptionsFromConfig(cfg *config.Config) Options {
	m := cfg.Model
	return Options{
		Backend: Config{
			Provider:     m.Provider,
			Endpoint:     m.Endpoint,
			Model:        cfg.ModelRef(),
			APIKey:       m.APIKey,
			Dimension:    m.Dimension,
			Device:       m.Device,
			MaxSeqLength: m.MaxSeqLength,
			Timeout:      time.Duration(m.TimeoutSeconds) * time.Second,
			RateLimit:    m.RateLimit,
		},
		FallbackModel: m.FallbackName,
		Warmup:        m.Warmup,
		Pipeline: PipelineConfig{
			BatchSize:   m.BatchSize,
			Concurrency: m.Concurrency,
			Normalize:   m.Normalize,
		},
		RedisURL: cfg.Cache.RedisURL,
		CacheTTL: time.Duration(cfg.Cache.TTLSeconds) * time.Second,
	}
}

// NewFromConfig loads the configured model and registers its release on
// application stop.
func NewFromConfig(lc fx.Lifecycle, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (Provider, error) {
	opts := OptionsFromConfig(cfg)
	opts.CacheObserver = m

	p, err := Load(context.Background(), opts, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return p.Close()
		},
	})
	return p, nil
}
