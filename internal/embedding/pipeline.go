package embedding

import (
	"context"
	"fmt"
	"io"
	"math"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// PipelineConfig controls how the Pipeline drives its backend.
type PipelineConfig struct {
	BatchSize   int
	Concurrency int
	Normalize   bool
}

// Pipeline is the Provider the HTTP layer talks to. It splits requests into
// batches of at most BatchSize, runs at most Concurrency backend calls at a
// time across all requests, checks every vector against the loaded
// dimension and optionally L2-normalizes the result.
//
// Failures are all-or-nothing: any backend error fails the whole call with
// an *InferenceError.
type Pipeline struct {
	backend   Provider
	dimension int
	cfg       PipelineConfig
	sem       *semaphore.Weighted
}

// NewPipeline wraps backend. dimension is the vector length established at
// load time.
func NewPipeline(backend Provider, dimension int, cfg PipelineConfig) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Pipeline{
		backend:   backend,
		dimension: dimension,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

func (p *Pipeline) Name() string   { return p.backend.Name() }
func (p *Pipeline) Model() string  { return p.backend.Model() }
func (p *Pipeline) Dimension() int { return p.dimension }

// Embed returns one vector per text, in input order.
func (p *Pipeline) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)

	for start := 0; start < len(texts); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(texts))
		g.Go(func() error {
			if err := p.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer p.sem.Release(1)

			vecs, err := p.backend.Embed(gctx, texts[start:end])
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return fmt.Errorf("backend returned %d vectors for %d texts", len(vecs), end-start)
			}
			for i, v := range vecs {
				if len(v) != p.dimension {
					return fmt.Errorf("vector %d has dimension %d, want %d", start+i, len(v), p.dimension)
				}
				if p.cfg.Normalize {
					v = normalize(v)
				}
				out[start+i] = v
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, &InferenceError{Provider: p.backend.Name(), Err: err}
	}
	return out, nil
}

// Close releases the backend if it holds resources.
func (p *Pipeline) Close() error {
	if c, ok := p.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// normalize returns v scaled to unit L2 norm. A zero vector is returned
// unchanged. The input slice is not modified.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
