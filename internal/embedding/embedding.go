package embedding

import (
	"context"
	"fmt"
	"time"
)

// Provider generates vector embeddings from text.
//
// Embed returns exactly one vector per input text, in input order, each of
// length Dimension(). Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	Model() string
	Dimension() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds embedding backend configuration.
type Config struct {
	Provider     string        `json:"provider"` // "api", "granite", "ollama" or "gemini"
	Endpoint     string        `json:"endpoint"`
	Model        string        `json:"model"`
	APIKey       string        `json:"api_key"`
	Dimension    int           `json:"dimension"`
	Device       string        `json:"device"`
	MaxSeqLength int           `json:"max_seq_length"`
	Timeout      time.Duration `json:"timeout"`
	RateLimit    float64       `json:"rate_limit"` // requests per second, 0 = unlimited
}

// InferenceError reports that the backend could not produce embeddings.
// The wrapped error may contain backend detail and must not be shown to
// API clients.
type InferenceError struct {
	Provider string
	Err      error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("embedding: %s inference failed: %v", e.Provider, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// StartupError reports that no model could be loaded. The service must not
// start serving when it sees one.
type StartupError struct {
	Model string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("embedding: load model %s: %v", e.Model, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }
