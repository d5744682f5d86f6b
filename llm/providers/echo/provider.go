// Package echo provides a deterministic provider for dry runs and tests.
// Completions echo the last user message; embeddings are derived from an
// FNV hash of the text.
package echo

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/BaSui01/flowrun/llm"
	"github.com/google/uuid"
)

// DefaultDimensions is the embedding width.
const DefaultDimensions = 8

// Config configures the echo provider.
type Config struct {
	Name       string
	Model      string
	Dimensions int
	// Latency is waited before every call, honoring context cancellation.
	Latency time.Duration
	Local   bool
}

// Provider echoes its input.
type Provider struct {
	cfg Config
}

var (
	_ llm.Provider         = (*Provider)(nil)
	_ llm.BlockingProvider = (*Provider)(nil)
)

// New creates an echo provider.
func New(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = "echo"
	}
	if cfg.Model == "" {
		cfg.Model = "echo-1"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string  { return p.cfg.Name }
func (p *Provider) IsLocal() bool { return p.cfg.Local }

func (p *Provider) wait(ctx context.Context) error {
	if p.cfg.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.cfg.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Provider) reply(req *llm.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return "echo: " + req.Messages[i].Content
		}
	}
	return "echo:"
}

func (p *Provider) model(req *llm.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.cfg.Model
}

// Completion returns the last user message prefixed with "echo: ".
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	content := p.reply(req)
	words := len(strings.Fields(content))
	return &llm.ChatResponse{
		ID:       uuid.NewString(),
		Provider: p.cfg.Name,
		Model:    p.model(req),
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		}},
		Usage:     llm.ChatUsage{PromptTokens: len(req.Messages), CompletionTokens: words, TotalTokens: len(req.Messages) + words},
		CreatedAt: time.Now(),
	}, nil
}

// Stream emits the completion word by word.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	model := p.model(req)
	words := strings.Fields(p.reply(req))
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for i, w := range words {
			chunk := llm.StreamChunk{ID: id, Model: model, Index: i, Delta: llm.Message{Role: llm.RoleAssistant, Content: w}}
			if i < len(words)-1 {
				chunk.Delta.Content += " "
			} else {
				chunk.FinishReason = "stop"
				chunk.Usage = &llm.ChatUsage{CompletionTokens: len(words), TotalTokens: len(words)}
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Embed hashes each text into a unit-range vector.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = Vector(t, p.cfg.Dimensions)
	}
	return out, nil
}

// Vector derives a deterministic embedding for text.
func Vector(text string, dims int) []float32 {
	v := make([]float32, dims)
	for d := 0; d < dims; d++ {
		h := fnv.New32a()
		fmt.Fprintf(h, "%d:%s", d, text)
		v[d] = float32(h.Sum32()%2000)/1000 - 1
	}
	return v
}

// CompleteBlocking is the synchronous form of Completion; Latency is slept.
func (p *Provider) CompleteBlocking(req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return p.Completion(context.Background(), req)
}

// EmbedBlocking is the synchronous form of Embed.
func (p *Provider) EmbedBlocking(texts []string) ([][]float32, error) {
	return p.Embed(context.Background(), texts)
}
