// =============================================================================
// FlowRun OpenAI-Compatible Provider
// =============================================================================
// Chat completions, SSE streaming and embeddings against any endpoint that
// speaks the OpenAI wire format (OpenAI, vLLM, Ollama, llama.cpp server...).
// =============================================================================

package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/flowrun/internal/tlsutil"
	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/types"
	"go.uber.org/zap"
)

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	// ProviderName is the unique identifier for this provider.
	ProviderName string
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
	// BaseURL is the API root, e.g. "https://api.openai.com".
	BaseURL string
	// DefaultModel is used when the request names none.
	DefaultModel string
	// EmbeddingModel is used for Embed.
	EmbeddingModel string
	// Local marks an on-host inference server.
	Local bool
	// Timeout is the HTTP client timeout. Zero leaves timing to the caller's context.
	Timeout time.Duration
}

// Provider talks to an OpenAI-compatible HTTP API.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

var _ llm.Provider = (*Provider)(nil)

// New creates a provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai-compatible"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("provider", cfg.ProviderName)),
	}
}

func (p *Provider) Name() string  { return p.cfg.ProviderName }
func (p *Provider) IsLocal() bool { return p.cfg.Local }

// ---- wire types ----

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	FinishReason string       `json:"finish_reason"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Created int64        `json:"created"`
	Choices []chatChoice `json:"choices"`
	Usage   *usage       `json:"usage,omitempty"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ---- calls ----

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

func (p *Provider) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewInvalidRequestError("marshal request").WithCause(err).WithProvider(p.Name())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewInvalidRequestError("build request").WithCause(err).WithProvider(p.Name())
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, types.NewNetworkError("request failed", err).WithProvider(p.Name())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, MapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), p.Name())
	}
	return resp, nil
}

func (p *Provider) toWire(req *llm.ChatRequest, stream bool) chatRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: string(m.Role), Content: m.Content}
	}
	return chatRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		Stream:      stream,
	}
}

// Completion performs a non-streaming chat completion.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := p.post(ctx, "/v1/chat/completions", p.toWire(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewServerError("decode completion response", http.StatusBadGateway).WithCause(err).WithProvider(p.Name())
	}

	result := &llm.ChatResponse{ID: out.ID, Provider: p.Name(), Model: out.Model}
	if out.Created != 0 {
		result.CreatedAt = time.Unix(out.Created, 0)
	}
	if out.Usage != nil {
		result.Usage = llm.ChatUsage(*out.Usage)
	}
	for _, c := range out.Choices {
		choice := llm.ChatChoice{Index: c.Index, FinishReason: c.FinishReason}
		if c.Message != nil {
			choice.Message = llm.Message{Role: llm.Role(c.Message.Role), Content: c.Message.Content}
		}
		result.Choices = append(result.Choices, choice)
	}
	return result, nil
}

// Stream performs a streaming chat completion via SSE.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	resp, err := p.post(ctx, "/v1/chat/completions", p.toWire(req, true))
	if err != nil {
		return nil, err
	}
	return StreamSSE(ctx, resp.Body, p.Name()), nil
}

// Embed calls the embeddings endpoint and orders vectors by index.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.post(ctx, "/v1/embeddings", embeddingRequest{Model: p.cfg.EmbeddingModel, Input: texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewServerError("decode embedding response", http.StatusBadGateway).WithCause(err).WithProvider(p.Name())
	}
	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, types.NewServerError(fmt.Sprintf("embedding index %d out of range", d.Index), http.StatusBadGateway).WithProvider(p.Name())
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// HealthCheck lists models as a reachability probe.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/v1/models"), nil)
	if err != nil {
		return err
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return types.NewNetworkError("health check failed", err).WithProvider(p.Name())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return MapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), p.Name())
	}
	return nil
}

// StreamSSE parses an OpenAI-style SSE body into chunks. The channel closes at
// [DONE], EOF, or after delivering an error chunk.
func StreamSSE(ctx context.Context, body io.ReadCloser, providerName string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)

		send := func(c llm.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- c:
				return true
			}
		}
		fail := func(msg string, err error) {
			send(llm.StreamChunk{Err: types.NewServerError(msg, http.StatusBadGateway).WithCause(err).WithProvider(providerName)})
		}

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if !errors.Is(err, io.EOF) {
					fail("stream read failed", err)
				}
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var frame chatResponse
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				fail("malformed stream frame", err)
				return
			}
			for _, c := range frame.Choices {
				chunk := llm.StreamChunk{
					ID:           frame.ID,
					Model:        frame.Model,
					Index:        c.Index,
					FinishReason: c.FinishReason,
					Delta:        llm.Message{Role: llm.RoleAssistant},
				}
				if c.Delta != nil {
					chunk.Delta.Content = c.Delta.Content
				}
				if frame.Usage != nil {
					u := llm.ChatUsage(*frame.Usage)
					chunk.Usage = &u
				}
				if !send(chunk) {
					return
				}
			}
		}
	}()
	return ch
}

// MapHTTPError converts an upstream status into a classified error.
func MapHTTPError(status int, msg, provider string) *types.Error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	return types.NewError(types.CodeFromHTTPStatus(status), msg).
		WithHTTPStatus(status).
		WithProvider(provider)
}

func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil || len(data) == 0 {
		return ""
	}
	var env errorEnvelope
	if json.Unmarshal(data, &env) == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return strings.TrimSpace(string(data))
}
