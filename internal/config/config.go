package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure. It is resolved once at
// startup and treated as read-only afterwards.
type Config struct {
	Service ServiceConfig `json:"service" yaml:"service"`
	Server  ServerConfig  `json:"server" yaml:"server"`
	Log     LogConfig     `json:"log" yaml:"log"`
	Model   ModelConfig   `json:"model" yaml:"model"`
	Limits  LimitsConfig  `json:"limits" yaml:"limits"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Cache   CacheConfig   `json:"cache" yaml:"cache"`
}

type ServiceConfig struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Environment string `json:"environment" yaml:"environment"`
}

type ServerConfig struct {
	Port                int      `json:"port" yaml:"port"`
	APIKey              string   `json:"api_key" yaml:"api_key"`
	CORSAllowOrigins    []string `json:"cors_allow_origins" yaml:"cors_allow_origins"`
	MaxRequestBytes     int64    `json:"max_request_bytes" yaml:"max_request_bytes"`
	ReadTimeoutSeconds  int      `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int      `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// ModelConfig describes the inference backend and how requests are batched
// into it.
type ModelConfig struct {
	Provider       string  `json:"provider" yaml:"provider"`
	Endpoint       string  `json:"endpoint" yaml:"endpoint"`
	APIKey         string  `json:"api_key" yaml:"api_key"`
	Name           string  `json:"name" yaml:"name"`
	Path           string  `json:"path" yaml:"path"`
	Version        string  `json:"version" yaml:"version"`
	FallbackName   string  `json:"fallback_name" yaml:"fallback_name"`
	Device         string  `json:"device" yaml:"device"`
	Dimension      int     `json:"dimension" yaml:"dimension"`
	BatchSize      int     `json:"batch_size" yaml:"batch_size"`
	MaxSeqLength   int     `json:"max_seq_length" yaml:"max_seq_length"`
	Normalize      bool    `json:"normalize" yaml:"normalize"`
	Concurrency    int     `json:"concurrency" yaml:"concurrency"`
	RateLimit      float64 `json:"rate_limit" yaml:"rate_limit"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	Warmup         bool    `json:"warmup" yaml:"warmup"`
}

type LimitsConfig struct {
	MaxTextsPerRequest int `json:"max_texts_per_request" yaml:"max_texts_per_request"`
	MaxCharsPerText    int `json:"max_chars_per_text" yaml:"max_chars_per_text"`
	MaxTotalChars      int `json:"max_total_chars" yaml:"max_total_chars"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type CacheConfig struct {
	RedisURL   string `json:"redis_url" yaml:"redis_url"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// Supported values for ModelConfig.Provider and ModelConfig.Device.
var (
	Providers = []string{"api", "granite", "ollama", "gemini"}
	Devices   = []string{"auto", "cpu", "cuda"}
)

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:        "embedserve",
			Version:     "1.0.0",
			Environment: "local",
		},
		Server: ServerConfig{
			Port:                8000,
			CORSAllowOrigins:    []string{"*"},
			MaxRequestBytes:     8 << 20,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 60,
			IdleTimeoutSeconds:  120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Model: ModelConfig{
			Provider:       "api",
			Name:           "intfloat/e5-large-v2",
			Version:        "1",
			Device:         "auto",
			BatchSize:      32,
			MaxSeqLength:   512,
			Normalize:      true,
			Concurrency:    4,
			TimeoutSeconds: 30,
			Warmup:         true,
		},
		Limits: LimitsConfig{
			MaxTextsPerRequest: 128,
			MaxCharsPerText:    4096,
			MaxTotalChars:      262144,
		},
		Metrics: MetricsConfig{Enabled: true},
		Cache:   CacheConfig{TTLSeconds: 86400},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load resolves the configuration. Defaults are applied first, then the
// optional file at path (JSON or YAML, with ${VAR} substitution), then the
// process environment. The result is validated before it is returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(resolved), cfg)
	default:
		err = json.Unmarshal([]byte(resolved), cfg)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides cfg with any recognised environment variables. Every
// unparsable value is reported, not just the first.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("SERVICE_NAME", &cfg.Service.Name)
	e.str("SERVICE_VERSION", &cfg.Service.Version)
	e.str("ENVIRONMENT", &cfg.Service.Environment)

	e.integer("PORT", &cfg.Server.Port)
	e.str("API_KEY", &cfg.Server.APIKey)
	e.list("CORS_ALLOW_ORIGINS", &cfg.Server.CORSAllowOrigins)
	e.integer64("MAX_REQUEST_BYTES", &cfg.Server.MaxRequestBytes)
	e.integer("HTTP_READ_TIMEOUT_SECONDS", &cfg.Server.ReadTimeoutSeconds)
	e.integer("HTTP_WRITE_TIMEOUT_SECONDS", &cfg.Server.WriteTimeoutSeconds)
	e.integer("HTTP_IDLE_TIMEOUT_SECONDS", &cfg.Server.IdleTimeoutSeconds)

	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.str("LOG_FORMAT", &cfg.Log.Format)

	e.str("EMBED_PROVIDER", &cfg.Model.Provider)
	e.str("EMBED_ENDPOINT", &cfg.Model.Endpoint)
	e.str("EMBED_API_KEY", &cfg.Model.APIKey)
	e.str("MODEL_NAME", &cfg.Model.Name)
	e.str("MODEL_PATH", &cfg.Model.Path)
	e.str("MODEL_VERSION", &cfg.Model.Version)
	e.str("FALLBACK_MODEL_NAME", &cfg.Model.FallbackName)
	e.str("DEVICE", &cfg.Model.Device)
	e.integer("EMBED_DIMENSION", &cfg.Model.Dimension)
	e.integer("EMBED_BATCH_SIZE", &cfg.Model.BatchSize)
	e.integer("MAX_SEQ_LENGTH", &cfg.Model.MaxSeqLength)
	e.boolean("EMBED_NORMALIZE", &cfg.Model.Normalize)
	e.integer("EMBED_CONCURRENCY", &cfg.Model.Concurrency)
	e.number("EMBED_RATE_LIMIT", &cfg.Model.RateLimit)
	e.integer("EMBED_TIMEOUT_SECONDS", &cfg.Model.TimeoutSeconds)
	e.boolean("EMBED_WARMUP", &cfg.Model.Warmup)

	e.integer("MAX_TEXTS_PER_REQUEST", &cfg.Limits.MaxTextsPerRequest)
	e.integer("MAX_CHARS_PER_TEXT", &cfg.Limits.MaxCharsPerText)
	e.integer("MAX_TOTAL_CHARS", &cfg.Limits.MaxTotalChars)

	e.boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)

	e.str("REDIS_URL", &cfg.Cache.RedisURL)
	e.integer("CACHE_TTL_SECONDS", &cfg.Cache.TTLSeconds)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) integer(name string, dst *int) {
	if v, ok := e.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", name, v))
			return
		}
		*dst = n
	}
}

func (e *envReader) integer64(name string, dst *int64) {
	if v, ok := e.get(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", name, v))
			return
		}
		*dst = n
	}
}

func (e *envReader) number(name string, dst *float64) {
	if v, ok := e.get(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid number %q", name, v))
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	if v, ok := e.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", name, v))
			return
		}
		*dst = b
	}
}

// list parses a comma-separated value, dropping blank entries.
func (e *envReader) list(name string, dst *[]string) {
	if v, ok := e.get(name); ok {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Server.Port))
	}
	if c.Server.MaxRequestBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_request_bytes must be positive, got %d", c.Server.MaxRequestBytes))
	}
	if !contains(Providers, c.Model.Provider) {
		errs = append(errs, fmt.Errorf("unknown embedding provider %q (want one of %s)", c.Model.Provider, strings.Join(Providers, ", ")))
	}
	if !contains(Devices, c.Model.Device) {
		errs = append(errs, fmt.Errorf("unknown device %q (want one of %s)", c.Model.Device, strings.Join(Devices, ", ")))
	}
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model name is required"))
	}
	if c.Model.Provider == "gemini" && c.Model.APIKey == "" {
		errs = append(errs, errors.New("gemini provider requires EMBED_API_KEY"))
	}
	if c.Model.Provider != "gemini" && c.Model.Endpoint == "" {
		errs = append(errs, fmt.Errorf("%s provider requires EMBED_ENDPOINT", c.Model.Provider))
	}
	if c.Model.Dimension < 0 {
		errs = append(errs, fmt.Errorf("dimension must not be negative, got %d", c.Model.Dimension))
	}
	if c.Model.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must not be negative, got %g", c.Model.RateLimit))
	}
	positive("batch_size", c.Model.BatchSize)
	positive("max_seq_length", c.Model.MaxSeqLength)
	positive("concurrency", c.Model.Concurrency)
	positive("timeout_seconds", c.Model.TimeoutSeconds)
	positive("max_texts_per_request", c.Limits.MaxTextsPerRequest)
	positive("max_chars_per_text", c.Limits.MaxCharsPerText)
	positive("max_total_chars", c.Limits.MaxTotalChars)
	if c.Cache.RedisURL != "" {
		positive("cache ttl_seconds", c.Cache.TTLSeconds)
	}

	return errors.Join(errs...)
}

// ModelRef is the model reference sent to the backend: MODEL_PATH when set,
// otherwise the model name.
func (c *Config) ModelRef() string {
	if c.Model.Path != "" {
		return c.Model.Path
	}
	return c.Model.Name
}

// Redacted returns a copy with secrets masked, suitable for printing.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	c.Server.APIKey = mask(c.Server.APIKey)
	c.Model.APIKey = mask(c.Model.APIKey)
	c.Cache.RedisURL = mask(c.Cache.RedisURL)
	c.Server.CORSAllowOrigins = append([]string(nil), c.Server.CORSAllowOrigins...)
	return c
}

func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

func (s ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
