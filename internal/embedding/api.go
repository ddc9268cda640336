package embedding

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
)

// Flavors of the JSON embeddings API understood by APIProvider.
const (
	FlavorOpenAI  = "api"
	FlavorGranite = "granite"
)

// APIProvider implements Provider using a remote embeddings API. The
// "api" flavor speaks the OpenAI-compatible protocol; the "granite" flavor
// targets a Granite/TEI-style server that expects model_id.
type APIProvider struct {
	flavor    string
	endpoint  string
	model     string
	apiKey    string
	dimension int

	observed atomic.Int64
	http     transport
}

// NewAPIProvider creates a new APIProvider from the given Config.
func NewAPIProvider(cfg Config) *APIProvider {
	flavor := cfg.Provider
	if flavor != FlavorGranite {
		flavor = FlavorOpenAI
	}
	return &APIProvider{
		flavor:    flavor,
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		dimension: cfg.Dimension,
		http:      newTransport(cfg),
	}
}

type apiRequest struct {
	Model   string   `json:"model,omitempty"`
	ModelID string   `json:"model_id,omitempty"`
	Input   []string `json:"input"`
}

type apiEmbeddingData struct {
	Index     *int      `json:"index,omitempty"`
	Embedding []float32 `json:"embedding"`
}

type apiResponse struct {
	Data []apiEmbeddingData `json:"data"`
}

// Name identifies the backend in responses and logs.
func (p *APIProvider) Name() string {
	if p.flavor == FlavorGranite {
		return "granite"
	}
	return "openai-compatible"
}

// Model returns the model reference sent to the backend.
func (p *APIProvider) Model() string { return p.model }

// Embed sends texts to the endpoint in one request and returns embeddings
// in input order.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	url := p.endpoint + "/embeddings"
	in := apiRequest{Model: p.model, Input: texts}
	if p.flavor == FlavorGranite {
		url = p.endpoint + "/v1/embeddings"
		in = apiRequest{ModelID: p.model, Input: texts}
	}

	header := http.Header{}
	if p.apiKey != "" {
		header.Set("Authorization", "Bearer "+p.apiKey)
	}

	var result apiResponse
	if err := p.http.postJSON(ctx, url, header, in, &result); err != nil {
		return nil, err
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: API returned %d embeddings for %d inputs", len(result.Data), len(texts))
	}

	// Servers may reorder data; index is authoritative when present.
	if result.Data[0].Index != nil {
		sort.SliceStable(result.Data, func(i, j int) bool {
			return indexOf(result.Data[i]) < indexOf(result.Data[j])
		})
		for i, d := range result.Data {
			if d.Index == nil || *d.Index != i {
				return nil, fmt.Errorf("embedding: API returned indices that are not a permutation of 0..%d", len(texts)-1)
			}
		}
	}

	embeddings := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		embeddings[i] = d.Embedding
	}

	if len(embeddings[0]) > 0 {
		p.observed.CompareAndSwap(0, int64(len(embeddings[0])))
	}
	return embeddings, nil
}

// Dimension returns the embedding vector dimension.
// It returns the dimension observed on the first result, or the configured default.
func (p *APIProvider) Dimension() int {
	if d := p.observed.Load(); d > 0 {
		return int(d)
	}
	return p.dimension
}

func indexOf(d apiEmbeddingData) int {
	if d.Index == nil {
		return 0
	}
	return *d.Index
}
