package llm

import (
	"context"

	"github.com/BaSui01/flowrun/internal/pool"
)

// BlockingProvider is a synchronous provider implementation, such as a
// vendor SDK without context support or an in-process model.
type BlockingProvider interface {
	Name() string
	CompleteBlocking(req *ChatRequest) (*ChatResponse, error)
	EmbedBlocking(texts []string) ([][]float32, error)
}

// offloadProvider runs a BlockingProvider on the bounded blocking pool so
// blocking calls never occupy scheduler goroutines beyond the pool size.
type offloadProvider struct {
	inner BlockingProvider
	pool  *pool.BlockingPool
}

// NewOffloadProvider adapts inner to Provider. A canceled context abandons
// the wait; the blocking call itself runs to completion on its worker.
func NewOffloadProvider(inner BlockingProvider, p *pool.BlockingPool) Provider {
	return &offloadProvider{inner: inner, pool: p}
}

func (o *offloadProvider) Name() string { return o.inner.Name() }

func (o *offloadProvider) IsLocal() bool {
	l, ok := o.inner.(LocalInference)
	return ok && l.IsLocal()
}

func (o *offloadProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return pool.Do(ctx, o.pool, func() (*ChatResponse, error) {
		return o.inner.CompleteBlocking(req)
	})
}

// Stream emits the blocking completion as a single chunk.
func (o *offloadProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	resp, err := o.Completion(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, 1)
	chunk := StreamChunk{ID: resp.ID, Model: resp.Model, Usage: &resp.Usage}
	if len(resp.Choices) > 0 {
		chunk.Delta = resp.Choices[0].Message
		chunk.FinishReason = resp.Choices[0].FinishReason
	}
	ch <- chunk
	close(ch)
	return ch, nil
}

func (o *offloadProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return pool.Do(ctx, o.pool, func() ([][]float32, error) {
		return o.inner.EmbedBlocking(texts)
	})
}
