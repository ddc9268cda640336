package embedding

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

// GeminiProvider implements Provider using the Gemini embedding API.
type GeminiProvider struct {
	client    *genai.Client
	model     string
	dimension int
}

// NewGeminiProvider creates a Gemini client from the given Config. A
// non-empty Endpoint overrides the API base URL.
func NewGeminiProvider(ctx context.Context, cfg Config) (*GeminiProvider, error) {
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("embedding: create gemini client: %w", err)
	}
	return &GeminiProvider{
		client:    client,
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}, nil
}

// Name identifies the backend in responses and logs.
func (p *GeminiProvider) Name() string { return "gemini" }

// Model returns the Gemini embedding model name.
func (p *GeminiProvider) Model() string { return p.model }

// Dimension returns the configured output dimensionality, 0 if the model default is used.
func (p *GeminiProvider) Dimension() int { return p.dimension }

// Embed embeds all texts in a single EmbedContent call.
func (p *GeminiProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = &genai.Content{
			Parts: []*genai.Part{
				{Text: text},
			},
		}
	}

	ec := &genai.EmbedContentConfig{}
	if p.dimension > 0 {
		dim := int32(p.dimension)
		ec.OutputDimensionality = &dim
	}

	result, err := p.client.Models.EmbedContent(ctx, p.model, contents, ec)
	if err != nil {
		return nil, fmt.Errorf("embedding: gemini embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: gemini returned %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}

	embeddings := make([][]float32, len(result.Embeddings))
	for i, e := range result.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("embedding: gemini returned an empty vector at %d", i)
		}
		embeddings[i] = e.Values
	}
	return embeddings, nil
}
