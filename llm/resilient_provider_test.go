package llm_test

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/llm/idempotency"
	"github.com/BaSui01/flowrun/llm/retry"
	"github.com/BaSui01/flowrun/testutil/mocks"
	"github.com/BaSui01/flowrun/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chatRequest(content string) *llm.ChatRequest {
	return &llm.ChatRequest{
		Model:    "test-model",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: content}},
	}
}

func newResilient(p llm.Provider, opts ...llm.ProviderOption) *llm.ResilientProvider {
	client := llm.NewResilientClient(testClientConfig(), zap.NewNop())
	return llm.NewResilientProvider(p, client, zap.NewNop(), opts...)
}

func TestResilientProvider_CompletionRetries(t *testing.T) {
	mock := mocks.NewMockProvider().
		WithResponse("hello").
		WithErrorSequence(types.NewRateLimitError("slow down"), nil)
	p := newResilient(mock)

	resp, err := p.Completion(context.Background(), chatRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content())
	assert.Equal(t, 2, mock.CompletionCalls())
	assert.Equal(t, int64(1), p.Client().Stats().Retries)
}

func TestResilientProvider_CompletionValidation(t *testing.T) {
	mock := mocks.NewMockProvider()
	p := newResilient(mock)

	_, err := p.Completion(context.Background(), &llm.ChatRequest{})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.CodeOf(err))
	assert.Zero(t, mock.Calls())
}

func TestResilientProvider_CompletionCache(t *testing.T) {
	cache := idempotency.NewMemoryManager(0)
	defer cache.Close()

	mock := mocks.NewMockProvider().WithResponse("cached")
	p := newResilient(mock, llm.WithCompletionCache(cache, time.Minute))
	ctx := context.Background()

	first, err := p.Completion(ctx, chatRequest("same"))
	require.NoError(t, err)
	second, err := p.Completion(ctx, chatRequest("same"))
	require.NoError(t, err)
	assert.Equal(t, first.Content(), second.Content())
	assert.Equal(t, 1, mock.CompletionCalls())

	_, err = p.Completion(ctx, chatRequest("different"))
	require.NoError(t, err)
	assert.Equal(t, 2, mock.CompletionCalls())
}

func TestResilientProvider_FailuresAreNotCached(t *testing.T) {
	cache := idempotency.NewMemoryManager(0)
	defer cache.Close()

	mock := mocks.NewMockProvider().WithErrorSequence(types.NewAuthError("denied"), nil)
	p := newResilient(mock, llm.WithCompletionCache(cache, time.Minute))
	ctx := context.Background()

	_, err := p.Completion(ctx, chatRequest("q"))
	require.Error(t, err)
	_, err = p.Completion(ctx, chatRequest("q"))
	require.NoError(t, err)
	assert.Equal(t, 2, mock.CompletionCalls())
}

func TestResilientProvider_Stream(t *testing.T) {
	mock := mocks.NewMockProvider().
		WithResponse("streamed").
		WithErrorSequence(types.NewNetworkError("reset", nil), nil)
	p := newResilient(mock)
	ctx := context.Background()

	ch, err := p.Stream(ctx, chatRequest("hi"))
	require.NoError(t, err)
	resp, err := llm.CollectStream(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, "streamed", resp.Content())
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 2, mock.StreamCalls())
}

func TestResilientProvider_StreamOutlivesAttemptTimeout(t *testing.T) {
	src := make(chan llm.StreamChunk)
	mock := mocks.NewMockProvider()
	p := llm.NewResilientProvider(&streamingProvider{MockProvider: mock, ch: src},
		llm.NewResilientClient(testClientConfig(), zap.NewNop()), zap.NewNop())
	p = p.With(llm.WithCallTimeout(10 * time.Millisecond))

	ch, err := p.Stream(context.Background(), chatRequest("hi"))
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		src <- llm.StreamChunk{Delta: llm.Message{Content: "late"}}
		close(src)
	}()

	resp, err := llm.CollectStream(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "late", resp.Content())
}

func TestResilientProvider_StreamStopsOnChunkError(t *testing.T) {
	src := make(chan llm.StreamChunk, 3)
	src <- llm.StreamChunk{Delta: llm.Message{Content: "a"}}
	src <- llm.StreamChunk{Err: types.NewServerError("broken", 500)}
	src <- llm.StreamChunk{Delta: llm.Message{Content: "never"}}

	p := newResilient(&streamingProvider{MockProvider: mocks.NewMockProvider(), ch: src})
	ch, err := p.Stream(context.Background(), chatRequest("hi"))
	require.NoError(t, err)

	var got []llm.StreamChunk
	for c := range ch {
		got = append(got, c)
	}
	require.Len(t, got, 2)
	assert.Equal(t, types.ErrServer, got[1].Err.Code)
}

func TestResilientProvider_Embed(t *testing.T) {
	mock := mocks.NewMockProvider()
	p := newResilient(mock)

	vecs, err := p.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Len(t, vecs[0], 4)
	assert.NotEqual(t, vecs[0], vecs[1])
}

func TestResilientProvider_EmbedValidation(t *testing.T) {
	tests := []struct {
		name  string
		texts []string
		code  types.ErrorCode
	}{
		{"nil", nil, types.ErrBatchEmpty},
		{"empty", []string{}, types.ErrBatchEmpty},
		{"blank entry", []string{"a", ""}, types.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := mocks.NewMockProvider()
			_, err := newResilient(mock).Embed(context.Background(), tt.texts)
			require.Error(t, err)
			assert.Equal(t, tt.code, types.CodeOf(err))
			assert.Zero(t, mock.EmbedCalls())
		})
	}
}

func TestResilientProvider_EmbedCountMismatch(t *testing.T) {
	mock := mocks.NewMockProvider().WithEmbedFunc(func(context.Context, []string) ([][]float32, error) {
		return [][]float32{{1}}, nil
	})
	_, err := newResilient(mock).Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Equal(t, types.ErrInternal, types.CodeOf(err))
}

func TestResilientProvider_WithCopiesOptions(t *testing.T) {
	mock := mocks.NewMockProvider().WithError(types.NewTimeoutError("slow"))
	base := newResilient(mock)
	once := base.With(llm.WithRetryConfig(retry.Config{MaxAttempts: 1}))

	_, err := once.Completion(context.Background(), chatRequest("x"))
	require.Error(t, err)
	assert.Equal(t, 1, mock.CompletionCalls())

	_, err = base.Completion(context.Background(), chatRequest("x"))
	require.Error(t, err)
	assert.Equal(t, 4, mock.CompletionCalls())
	assert.Same(t, base.Client(), once.Client())
}

func TestResilientProvider_Metadata(t *testing.T) {
	mock := mocks.NewMockProvider().WithName("local-model").WithLocal(true)
	p := newResilient(mock)
	assert.Equal(t, "local-model", p.Name())
	assert.True(t, p.IsLocal())
	assert.True(t, p.HealthCheck().Healthy)
}

// streamingProvider serves Stream from a caller-controlled channel.
type streamingProvider struct {
	*mocks.MockProvider
	ch chan llm.StreamChunk
}

func (s *streamingProvider) Stream(ctx context.Context, _ *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return s.ch, nil
}
