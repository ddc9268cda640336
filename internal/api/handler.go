package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/embedserve/internal/config"
	"github.com/nidhogg/embedserve/internal/embedding"
	"github.com/nidhogg/embedserve/internal/metrics"
	"github.com/nidhogg/embedserve/internal/validator"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	cfg      *config.Config
	provider embedding.Provider
	metrics  *metrics.Metrics
	logger   *zap.Logger
	limits   validator.Limits
}

// NewHandler creates a new API handler. m may be a disabled *metrics.Metrics.
func NewHandler(cfg *config.Config, provider embedding.Provider, m *metrics.Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		provider: provider,
		metrics:  m,
		logger:   logger,
		limits: validator.Limits{
			MaxTexts:        cfg.Limits.MaxTextsPerRequest,
			MaxCharsPerText: cfg.Limits.MaxCharsPerText,
			MaxTotalChars:   cfg.Limits.MaxTotalChars,
		},
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(h.observe)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(h.corsOptions()))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, kindNotFound, "not found", -1)
	})

	r.Get("/health", h.healthCheck)
	r.Get("/metrics", h.serveMetrics)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAPIKey)
		r.Post("/embed", h.embed)
		r.Get("/info", h.info)
	})

	return r
}

func (h *Handler) corsOptions() cors.Options {
	origins := h.cfg.Server.CORSAllowOrigins
	wildcard := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", apiKeyHeader, requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: !wildcard,
	}
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": h.cfg.Service.Name,
		"version": h.cfg.Service.Version,
		"model":   h.provider.Model(),
	})
}

type infoResponse struct {
	Service            string    `json:"service"`
	Version            string    `json:"version"`
	Environment        string    `json:"environment"`
	Provider           string    `json:"provider"`
	ModelName          string    `json:"model_name"`
	ModelVersion       string    `json:"model_version"`
	FallbackModelName  string    `json:"fallback_model_name,omitempty"`
	EmbeddingDimension int       `json:"embedding_dimension"`
	Device             string    `json:"device"`
	BatchSize          int       `json:"batch_size"`
	MaxSeqLength       int       `json:"max_seq_length"`
	Normalize          bool      `json:"normalize"`
	MaxTextsPerRequest int       `json:"max_texts_per_request"`
	MaxCharsPerText    int       `json:"max_chars_per_text"`
	MaxTotalChars      int       `json:"max_total_chars"`
	MetricsEnabled     bool      `json:"metrics_enabled"`
	LogLevel           string    `json:"log_level"`
	CacheEnabled       bool      `json:"cache_enabled"`
	GeneratedAt        time.Time `json:"generated_at"`
}

func (h *Handler) info(w http.ResponseWriter, r *http.Request) {
	c := h.cfg
	writeJSON(w, http.StatusOK, infoResponse{
		Service:            c.Service.Name,
		Version:            c.Service.Version,
		Environment:        c.Service.Environment,
		Provider:           h.provider.Name(),
		ModelName:          h.provider.Model(),
		ModelVersion:       c.Model.Version,
		FallbackModelName:  c.Model.FallbackName,
		EmbeddingDimension: h.provider.Dimension(),
		Device:             c.Model.Device,
		BatchSize:          c.Model.BatchSize,
		MaxSeqLength:       c.Model.MaxSeqLength,
		Normalize:          c.Model.Normalize,
		MaxTextsPerRequest: c.Limits.MaxTextsPerRequest,
		MaxCharsPerText:    c.Limits.MaxCharsPerText,
		MaxTotalChars:      c.Limits.MaxTotalChars,
		MetricsEnabled:     h.metrics.Enabled(),
		LogLevel:           c.Log.Level,
		CacheEnabled:       c.Cache.RedisURL != "",
		GeneratedAt:        time.Now().UTC(),
	})
}

func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if !h.metrics.Enabled() {
		writeError(w, r, http.StatusNotFound, kindNotFound, "metrics are disabled", -1)
		return
	}
	h.metrics.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
