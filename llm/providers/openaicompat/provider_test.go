package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		ProviderName:   "test",
		APIKey:         "sk-test",
		BaseURL:        srv.URL,
		DefaultModel:   "gpt-test",
		EmbeddingModel: "embed-test",
	}, zap.NewNop())
}

func userReq(content string) *llm.ChatRequest {
	return &llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: content}}}
}

func TestProvider_Completion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body.Model)
		assert.False(t, body.Stream)
		assert.Equal(t, "hi", body.Messages[0].Content)

		_, _ = fmt.Fprint(w, `{"id":"c1","model":"gpt-test","created":1700000000,
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"hello"}}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	})

	resp, err := p.Completion(context.Background(), userReq("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content())
	assert.Equal(t, "test", resp.Provider)
	assert.Equal(t, 2, resp.Usage.TotalTokens)
	assert.False(t, resp.CreatedAt.IsZero())
}

func TestProvider_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		code   types.ErrorCode
		retry  bool
	}{
		{http.StatusTooManyRequests, types.ErrRateLimit, true},
		{http.StatusUnauthorized, types.ErrAuthentication, false},
		{http.StatusBadRequest, types.ErrInvalidRequest, false},
		{http.StatusServiceUnavailable, types.ErrServer, true},
		{http.StatusGatewayTimeout, types.ErrTimeout, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = fmt.Fprint(w, `{"error":{"message":"upstream says no"}}`)
			})
			_, err := p.Completion(context.Background(), userReq("x"))
			require.Error(t, err)
			e, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, tt.retry, e.Retryable)
			assert.Equal(t, "upstream says no", e.Message)
			assert.Equal(t, tt.status, e.HTTPStatus)
		})
	}
}

func TestProvider_Stream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"id\":\"s1\",\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		_, _ = fmt.Fprint(w, ": keep-alive\n\n")
		_, _ = fmt.Fprint(w, "data: {\"id\":\"s1\",\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ch, err := p.Stream(context.Background(), userReq("x"))
	require.NoError(t, err)
	resp, err := llm.CollectStream(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Content())
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, "s1", resp.ID)
}

func TestProvider_StreamMalformedFrame(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "data: {not json}\n\n")
	})

	ch, err := p.Stream(context.Background(), userReq("x"))
	require.NoError(t, err)
	_, err = llm.CollectStream(context.Background(), ch)
	require.Error(t, err)
	assert.Equal(t, types.ErrServer, types.CodeOf(err))
}

func TestProvider_Embed(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var body embeddingRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "embed-test", body.Model)
		assert.Equal(t, []string{"a", "b"}, body.Input)
		// out of order on purpose
		_, _ = fmt.Fprint(w, `{"data":[{"index":1,"embedding":[2,2]},{"index":0,"embedding":[1,1]}]}`)
	})

	vecs, err := p.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1}, {2, 2}}, vecs)
}

func TestProvider_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := New(Config{BaseURL: url}, nil)
	_, err := p.Completion(context.Background(), userReq("x"))
	require.Error(t, err)
	assert.Equal(t, types.ErrNetwork, types.CodeOf(err))
	assert.True(t, types.IsRetryable(err))
}

func TestProvider_HealthCheck(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		_, _ = fmt.Fprint(w, `{"data":[]}`)
	})
	assert.NoError(t, p.HealthCheck(context.Background()))
}
