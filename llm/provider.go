package llm

import (
	"context"
	"time"

	"github.com/BaSui01/flowrun/types"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
}

type ChatRequest struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// Content returns the first choice's text.
func (r *ChatResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// StreamChunk is one element of a finite, non-restartable stream. A chunk with
// Err set is the last one delivered.
type StreamChunk struct {
	ID           string       `json:"id,omitempty"`
	Model        string       `json:"model,omitempty"`
	Index        int          `json:"index,omitempty"`
	Delta        Message      `json:"delta"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Usage        *ChatUsage   `json:"usage,omitempty"`
	Err          *types.Error `json:"error,omitempty"`
}

// Provider 定义了统一的模型服务能力接口
type Provider interface {
	// Name 返回 Provider 的唯一标识
	Name() string

	// Completion 发起同步聊天请求，返回完整响应
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream 发起流式聊天请求，返回增量响应通道；通道在流结束时关闭
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// Embed 为每段文本生成向量，结果与输入按下标对应
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// LocalInference is implemented by providers running models in-process or on
// the local host. They get the longer per-attempt timeout.
type LocalInference interface {
	IsLocal() bool
}

// HealthChecker is an optional lightweight probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// IsLocal reports whether p declares local inference.
func IsLocal(p Provider) bool {
	l, ok := p.(LocalInference)
	return ok && l.IsLocal()
}

// CollectStream drains a stream into a single response. The first chunk error
// is returned.
func CollectStream(ctx context.Context, ch <-chan StreamChunk) (*ChatResponse, error) {
	resp := &ChatResponse{Choices: []ChatChoice{{Message: Message{Role: RoleAssistant}}}}
	var content []byte
	for {
		select {
		case <-ctx.Done():
			return nil, types.NewError(types.ErrCanceled, "stream canceled").WithCause(ctx.Err())
		case chunk, ok := <-ch:
			if !ok {
				resp.Choices[0].Message.Content = string(content)
				return resp, nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			if resp.ID == "" {
				resp.ID = chunk.ID
			}
			if chunk.Model != "" {
				resp.Model = chunk.Model
			}
			content = append(content, chunk.Delta.Content...)
			if chunk.FinishReason != "" {
				resp.Choices[0].FinishReason = chunk.FinishReason
			}
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
		}
	}
}
