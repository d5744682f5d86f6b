package factory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/config"
	"github.com/BaSui01/flowrun/internal/pool"
	"github.com/BaSui01/flowrun/llm"
)

func TestNewProviderFromConfig(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.ProviderConfig
		wantName  string
		wantLocal bool
	}{
		{"default", config.ProviderConfig{}, "echo", false},
		{"echo local", config.ProviderConfig{Name: "echo", Kind: config.ProviderKindLocal}, "echo", true},
		{"openai", config.ProviderConfig{Name: "openai", APIKey: "sk-test"}, "openai", false},
		{"ollama", config.ProviderConfig{Name: "ollama", Kind: config.ProviderKindLocal}, "ollama", true},
		{"ollama kind unset", config.ProviderConfig{Name: "ollama"}, "ollama", true},
		{"vllm kind unset", config.ProviderConfig{Name: "vllm"}, "vllm", true},
		{"llamacpp remote override", config.ProviderConfig{Name: "llamacpp", Kind: config.ProviderKindRemote}, "llamacpp", false},
		{"custom", config.ProviderConfig{Name: "gateway", BaseURL: "http://gateway.internal"}, "gateway", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProviderFromConfig(tt.cfg, nil, zap.NewNop())
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, p.Name())
			assert.Equal(t, tt.wantLocal, llm.IsLocal(p))
		})
	}
}

func TestNewProviderFromConfig_Errors(t *testing.T) {
	_, err := NewProviderFromConfig(config.ProviderConfig{Name: "gateway"}, nil, nil)
	assert.ErrorContains(t, err, "requires base_url")

	_, err = NewProviderFromConfig(config.ProviderConfig{Name: "openai"}, nil, nil)
	assert.ErrorContains(t, err, "API key is required")

	_, err = NewProviderFromConfig(config.ProviderConfig{Name: "vllm", Blocking: true}, pool.New(pool.DefaultConfig(1)), nil)
	assert.ErrorContains(t, err, "no blocking implementation")

	_, err = NewProviderFromConfig(config.ProviderConfig{Name: "echo", Blocking: true}, nil, nil)
	assert.ErrorContains(t, err, "needs a blocking pool")
}

func TestNewProviderFromConfig_BlockingEcho(t *testing.T) {
	bp := pool.New(pool.DefaultConfig(2))
	t.Cleanup(bp.Close)

	p, err := NewProviderFromConfig(config.ProviderConfig{Name: "echo", Blocking: true}, bp, zap.NewNop())
	require.NoError(t, err)

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", resp.Content())
	assert.Equal(t, int64(1), bp.Stats().Completed)
}

func TestNewProviderFromConfig_OpenAICompatibleEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"pong"}}]}`))
	}))
	defer srv.Close()

	p, err := NewProviderFromConfig(config.ProviderConfig{Name: "vllm", BaseURL: srv.URL, Model: "m"}, nil, zap.NewNop())
	require.NoError(t, err)

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Content())
}

func TestSupportedProviders(t *testing.T) {
	assert.Equal(t, []string{"echo", "llamacpp", "ollama", "openai", "vllm"}, SupportedProviders())
}
