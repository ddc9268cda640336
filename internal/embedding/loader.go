package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// warmupText is embedded once at load time to prove the model works and to
// learn its dimension.
const warmupText = "warmup"

// Options configures Load.
type Options struct {
	Backend       Config
	FallbackModel string
	Warmup        bool
	Pipeline      PipelineConfig

	RedisURL      string
	CacheTTL      time.Duration
	CacheObserver CacheObserver
}

// NewBackend builds the raw backend named by cfg.Provider.
func NewBackend(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Provider {
	case FlavorOpenAI, FlavorGranite:
		return NewAPIProvider(cfg), nil
	case "ollama":
		return NewLocalProvider(cfg), nil
	case "gemini":
		return NewGeminiProvider(ctx, cfg)
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
}

// Load builds the configured backend, probes it and wraps it in the cache
// (when RedisURL is set) and the Pipeline. If the primary model fails and a
// fallback is configured, the fallback is tried once. When nothing loads
// the error is a *StartupError.
func Load(ctx context.Context, opts Options, logger *zap.Logger) (*Pipeline, error) {
	backend, dim, err := loadModel(ctx, opts.Backend, opts.Warmup, logger)
	if err != nil {
		logger.Error("model_loading_failure",
			zap.String("model", opts.Backend.Model),
			zap.Error(err),
		)
		if opts.FallbackModel == "" || opts.FallbackModel == opts.Backend.Model {
			return nil, &StartupError{Model: opts.Backend.Model, Err: err}
		}

		fallback := opts.Backend
		fallback.Model = opts.FallbackModel
		logger.Warn("model_fallback_invoke",
			zap.String("model", opts.Backend.Model),
			zap.String("fallback_model", fallback.Model),
		)
		var ferr error
		backend, dim, ferr = loadModel(ctx, fallback, opts.Warmup, logger)
		if ferr != nil {
			logger.Error("model_loading_failure",
				zap.String("model", fallback.Model),
				zap.Error(ferr),
			)
			return nil, &StartupError{Model: fallback.Model, Err: errors.Join(err, ferr)}
		}
	}

	var inner Provider = backend
	if opts.RedisURL != "" {
		rdb, err := DialRedis(ctx, opts.RedisURL)
		if err != nil {
			logger.Warn("Redis unavailable, running without embedding cache", zap.Error(err))
		} else {
			inner = NewCache(backend, rdb, opts.CacheTTL, logger, opts.CacheObserver)
			logger.Info("embedding cache enabled", zap.Duration("ttl", opts.CacheTTL))
		}
	}

	return NewPipeline(inner, dim, opts.Pipeline), nil
}

func loadModel(ctx context.Context, cfg Config, warmup bool, logger *zap.Logger) (Provider, int, error) {
	logger.Info("model_loading_start",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.String("device", cfg.Device),
	)
	start := time.Now()

	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		return nil, 0, err
	}

	dim := cfg.Dimension
	if warmup {
		dim, err = probe(ctx, backend, cfg)
		if err != nil {
			return nil, 0, err
		}
	} else if dim <= 0 {
		return nil, 0, errors.New("embedding dimension unknown: set EMBED_DIMENSION or enable warmup")
	}

	logger.Info("model_loading_success",
		zap.String("provider", backend.Name()),
		zap.String("model", cfg.Model),
		zap.Int("embedding_dim", dim),
		zap.Duration("elapsed", time.Since(start)),
	)
	return backend, dim, nil
}

func probe(ctx context.Context, backend Provider, cfg Config) (int, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	vecs, err := backend.Embed(ctx, []string{warmupText})
	if err != nil {
		return 0, fmt.Errorf("warmup: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return 0, errors.New("warmup: backend returned no vector")
	}

	dim := len(vecs[0])
	if cfg.Dimension > 0 && dim != cfg.Dimension {
		return 0, fmt.Errorf("warmup: model dimension %d does not match configured %d", dim, cfg.Dimension)
	}
	return dim, nil
}
