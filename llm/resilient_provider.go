package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/flowrun/llm/idempotency"
	"github.com/BaSui01/flowrun/types"
	"go.uber.org/zap"
)

// ResilientProvider routes every Provider capability through a ResilientClient.
// Completion results can be cached; streams and embeddings never are.
type ResilientProvider struct {
	provider Provider
	client   *ResilientClient
	cache    idempotency.Manager
	cacheTTL time.Duration
	callOpts []CallOption
	logger   *zap.Logger
}

var _ Provider = (*ResilientProvider)(nil)

// ProviderOption configures a ResilientProvider.
type ProviderOption func(*ResilientProvider)

// WithCompletionCache enables the completion cache.
func WithCompletionCache(m idempotency.Manager, ttl time.Duration) ProviderOption {
	return func(p *ResilientProvider) {
		p.cache = m
		p.cacheTTL = ttl
	}
}

// NewResilientProvider 创建弹性 Provider
func NewResilientProvider(provider Provider, client *ResilientClient, logger *zap.Logger, opts ...ProviderOption) *ResilientProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &ResilientProvider{
		provider: provider,
		client:   client,
		logger:   logger.With(zap.String("component", "resilient_provider"), zap.String("provider", provider.Name())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// With returns a copy that applies opts to every call, e.g. a node's retry policy.
func (p *ResilientProvider) With(opts ...CallOption) *ResilientProvider {
	cp := *p
	cp.callOpts = append(append([]CallOption(nil), p.callOpts...), opts...)
	return &cp
}

// Client returns the shared client.
func (p *ResilientProvider) Client() *ResilientClient { return p.client }

// Name returns the wrapped provider's name.
func (p *ResilientProvider) Name() string { return p.provider.Name() }

// IsLocal forwards the wrapped provider's declaration.
func (p *ResilientProvider) IsLocal() bool { return IsLocal(p.provider) }

func (p *ResilientProvider) opts(operation string) []CallOption {
	return append([]CallOption{WithOperation(operation)}, p.callOpts...)
}

// Completion 带缓存的同步调用
func (p *ResilientProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, types.NewInvalidRequestError("completion request has no messages")
	}

	var key string
	if p.cache != nil {
		k, err := p.cache.Key(p.provider.Name(), req)
		if err == nil {
			key = k
			var cached ChatResponse
			if hit, err := p.cache.Get(ctx, key, &cached); err != nil {
				p.logger.Warn("completion cache read failed", zap.Error(err))
			} else if hit {
				return &cached, nil
			}
		}
	}

	resp, err := Call(ctx, p.client, func(ctx context.Context) (*ChatResponse, error) {
		resp, err := p.provider.Completion(ctx, req)
		if err == nil && resp == nil {
			return nil, types.NewError(types.ErrInternal, "provider returned no response").WithProvider(p.provider.Name())
		}
		return resp, err
	}, p.opts("completion")...)
	if err != nil {
		return nil, err
	}

	if key != "" {
		if err := p.cache.Set(ctx, key, resp, p.cacheTTL); err != nil {
			p.logger.Warn("completion cache write failed", zap.Error(err))
		}
	}
	return resp, nil
}

// Stream opens the stream through the client. Retries and the breaker cover
// opening only; errors after the first chunk arrive as StreamChunk.Err.
func (p *ResilientProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, types.NewInvalidRequestError("stream request has no messages")
	}

	opened, err := Call(ctx, p.client, func(attemptCtx context.Context) (*openStream, error) {
		// the stream must outlive the attempt, so it hangs off ctx and is
		// canceled only if the attempt ends before the stream opens
		streamCtx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(attemptCtx, cancel)

		src, err := p.provider.Stream(streamCtx, req)
		if !stop() {
			cancel()
			if err == nil {
				err = attemptCtx.Err()
			}
			return nil, err
		}
		if err != nil {
			cancel()
			return nil, err
		}
		return &openStream{ch: forwardStream(streamCtx, cancel, src), cancel: cancel}, nil
	}, p.opts("stream")...)
	if err != nil {
		return nil, err
	}
	return opened.ch, nil
}

// openStream is released by Call when it opens after the attempt timed out.
type openStream struct {
	ch     <-chan StreamChunk
	cancel context.CancelFunc
}

func (s *openStream) Release() { s.cancel() }

func forwardStream(ctx context.Context, cancel context.CancelFunc, src <-chan StreamChunk) <-chan StreamChunk {
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
				if chunk.Err != nil {
					return
				}
			}
		}
	}()
	return out
}

// Embed validates input and calls the provider through the client.
func (p *ResilientProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ValidateTexts(texts); err != nil {
		return nil, err
	}
	return Call(ctx, p.client, func(ctx context.Context) ([][]float32, error) {
		vecs, err := p.provider.Embed(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(texts) {
			return nil, types.NewError(types.ErrInternal,
				fmt.Sprintf("provider returned %d embeddings for %d texts", len(vecs), len(texts))).
				WithProvider(p.provider.Name())
		}
		return vecs, nil
	}, p.opts("embed")...)
}

// ValidateTexts rejects empty input and empty strings.
func ValidateTexts(texts []string) error {
	if len(texts) == 0 {
		return types.NewError(types.ErrBatchEmpty, "no texts to embed")
	}
	for i, t := range texts {
		if t == "" {
			return types.NewInvalidRequestError(fmt.Sprintf("text %d is empty", i))
		}
	}
	return nil
}

// HealthCheck reports the client's health.
func (p *ResilientProvider) HealthCheck() ClientHealth { return p.client.HealthCheck() }
