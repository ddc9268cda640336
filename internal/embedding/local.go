package embedding

import (
	"context"
	"strings"
	"sync/atomic"
)

// LocalProvider implements Provider using an Ollama-compatible embeddings
// API running next to the service.
type LocalProvider struct {
	endpoint  string
	model     string
	dimension int
	options   localOptions

	observed atomic.Int64
	http     transport
}

// NewLocalProvider creates a new LocalProvider from the given Config.
// Device "cpu" keeps every layer off the GPU; MaxSeqLength bounds the
// context window.
func NewLocalProvider(cfg Config) *LocalProvider {
	opts := localOptions{NumCtx: cfg.MaxSeqLength}
	if cfg.Device == "cpu" {
		zero := 0
		opts.NumGPU = &zero
	}
	return &LocalProvider{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		options:   opts,
		http:      newTransport(cfg),
	}
}

type localOptions struct {
	NumCtx int  `json:"num_ctx,omitempty"`
	NumGPU *int `json:"num_gpu,omitempty"`
}

type localRequest struct {
	Model   string       `json:"model"`
	Prompt  string       `json:"prompt"`
	Options localOptions `json:"options"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Name identifies the backend in responses and logs.
func (p *LocalProvider) Name() string { return "ollama" }

// Model returns the model reference sent to the backend.
func (p *LocalProvider) Model() string { return p.model }

// Embed sends each text to the Ollama-compatible endpoint and returns embeddings.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))

	for _, text := range texts {
		vec, err := p.embedSingle(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, vec)
	}

	if len(embeddings[0]) > 0 {
		p.observed.CompareAndSwap(0, int64(len(embeddings[0])))
	}

	return embeddings, nil
}

func (p *LocalProvider) embedSingle(ctx context.Context, text string) ([]float32, error) {
	var result localResponse
	err := p.http.postJSON(ctx, p.endpoint+"/api/embeddings", nil, localRequest{
		Model:   p.model,
		Prompt:  text,
		Options: p.options,
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.Embedding, nil
}

// Dimension returns the embedding vector dimension.
// It returns the dimension observed on the first result, or the configured default.
func (p *LocalProvider) Dimension() int {
	if d := p.observed.Load(); d > 0 {
		return int(d)
	}
	return p.dimension
}
