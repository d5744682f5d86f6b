// MockProvider 是 llm.Provider 的测试模拟实现。
//
// 支持固定响应、按调用次序注入错误、模拟延迟与调用计数。
package mocks

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/llm/providers/echo"
)

// --- MockProvider 结构 ---

// MockProvider 是 llm.Provider 的模拟实现
type MockProvider struct {
	mu sync.RWMutex

	name     string
	response string
	err      error
	// errSeq 按调用次序返回的错误，nil 表示该次成功；用尽后使用 err
	errSeq []error
	delay  time.Duration
	local  bool

	completionFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	embedFunc      func(ctx context.Context, texts []string) ([][]float32, error)

	calls       atomic.Int64
	completions atomic.Int64
	streams     atomic.Int64
	embeds      atomic.Int64
}

var _ llm.Provider = (*MockProvider)(nil)

// --- 构造函数和 Builder 方法 ---

// NewMockProvider 创建新的 MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{name: "mock", response: "Mock response"}
}

// WithName 设置名称
func (m *MockProvider) WithName(name string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	return m
}

// WithResponse 设置固定响应内容
func (m *MockProvider) WithResponse(response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithError 设置每次调用返回的错误
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithErrorSequence 按调用次序返回错误
func (m *MockProvider) WithErrorSequence(errs ...error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errSeq = errs
	return m
}

// WithDelay 设置响应延迟
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithLocal 声明为本地推理 Provider
func (m *MockProvider) WithLocal(local bool) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = local
	return m
}

// WithCompletionFunc 自定义 Completion 行为
func (m *MockProvider) WithCompletionFunc(fn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionFunc = fn
	return m
}

// WithEmbedFunc 自定义 Embed 行为
func (m *MockProvider) WithEmbedFunc(fn func(ctx context.Context, texts []string) ([][]float32, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embedFunc = fn
	return m
}

// --- 调用统计 ---

// Calls 返回全部调用次数
func (m *MockProvider) Calls() int { return int(m.calls.Load()) }

// CompletionCalls 返回 Completion 调用次数
func (m *MockProvider) CompletionCalls() int { return int(m.completions.Load()) }

// StreamCalls 返回 Stream 调用次数
func (m *MockProvider) StreamCalls() int { return int(m.streams.Load()) }

// EmbedCalls 返回 Embed 调用次数
func (m *MockProvider) EmbedCalls() int { return int(m.embeds.Load()) }

// --- llm.Provider 实现 ---

func (m *MockProvider) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

func (m *MockProvider) IsLocal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local
}

// begin waits for the configured delay and returns the scripted error for
// this call.
func (m *MockProvider) begin(ctx context.Context) error {
	n := m.calls.Add(1)

	m.mu.RLock()
	delay := m.delay
	err := m.err
	if int(n) <= len(m.errSeq) {
		err = m.errSeq[n-1]
	}
	m.mu.RUnlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.completions.Add(1)
	if err := m.begin(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	fn, resp, name := m.completionFunc, m.response, m.name
	m.mu.RUnlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &llm.ChatResponse{
		ID:       "mock-response",
		Provider: name,
		Model:    req.Model,
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      llm.Message{Role: llm.RoleAssistant, Content: resp},
		}},
		Usage: llm.ChatUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}, nil
}

func (m *MockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	m.streams.Add(1)
	if err := m.begin(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	resp := m.response
	m.mu.RUnlock()

	ch := make(chan llm.StreamChunk, 1)
	ch <- llm.StreamChunk{
		ID:           "mock-stream",
		Model:        req.Model,
		Delta:        llm.Message{Role: llm.RoleAssistant, Content: resp},
		FinishReason: "stop",
	}
	close(ch)
	return ch, nil
}

func (m *MockProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.embeds.Add(1)
	if err := m.begin(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	fn := m.embedFunc
	m.mu.RUnlock()
	if fn != nil {
		return fn(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = echo.Vector(t, 4)
	}
	return out, nil
}
