package workflow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/llm/batch"
	"github.com/BaSui01/flowrun/llm/circuitbreaker"
	"github.com/BaSui01/flowrun/llm/retry"
	"github.com/BaSui01/flowrun/testutil/mocks"
	"github.com/BaSui01/flowrun/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProvider(p llm.Provider) *llm.ResilientProvider {
	client := llm.NewResilientClient(llm.ClientConfig{
		Name: "test",
		Retry: retry.Config{
			MaxAttempts:         3,
			InitialDelay:        time.Millisecond,
			BackoffMultiplier:   2,
			MaxDelay:            4 * time.Millisecond,
			RetryableErrorTypes: types.DefaultRetryableCodes,
		},
		CircuitBreaker: circuitbreaker.Config{Threshold: 5, RecoveryTimeout: time.Minute},
		CallTimeout:    time.Second,
	}, nil)
	return llm.NewResilientProvider(p, client, nil)
}

func request(node *Node, inputs map[string]any, vars map[string]any) *NodeRequest {
	req := &NodeRequest{ExecutionID: "exec-1", Node: node, Inputs: inputs, Variables: vars, Attempt: 1}
	for id := range inputs {
		req.Dependencies = append(req.Dependencies, id)
	}
	return req
}

func TestPassthroughHandler(t *testing.T) {
	h := PassthroughHandler{}
	ctx := context.Background()

	out, err := h.Execute(ctx, request(NewNode("p", NodeTypePassthrough).WithConfig("value", 42), nil, nil))
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	out, err = h.Execute(ctx, request(NewNode("p", NodeTypePassthrough), nil, map[string]any{"k": "v"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, out)

	out, err = h.Execute(ctx, request(NewNode("p", NodeTypePassthrough), map[string]any{"a": "x"}, nil))
	require.NoError(t, err)
	assert.Equal(t, "x", out)

	out, err = h.Execute(ctx, request(NewNode("p", NodeTypePassthrough), map[string]any{"a": 1, "b": 2}, nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, out)
}

func TestFunctionHandler(t *testing.T) {
	h := NewFunctionHandler().Register("double", func(_ context.Context, req *NodeRequest) (any, error) {
		return req.Input().(int) * 2, nil
	})

	out, err := h.Execute(context.Background(), request(fnNode("f", "double"), map[string]any{"a": 21}, nil))
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	_, err = h.Execute(context.Background(), request(NewNode("f", NodeTypeFunction), nil, nil))
	assert.Equal(t, types.ErrInvalidRequest, types.CodeOf(err))

	_, err = h.Execute(context.Background(), request(fnNode("f", "missing"), nil, nil))
	assert.Equal(t, types.ErrInvalidRequest, types.CodeOf(err))
	assert.Contains(t, err.Error(), "missing")
}

func TestAgentHandler_RendersPrompt(t *testing.T) {
	var mu sync.Mutex
	var seen *llm.ChatRequest
	mock := mocks.NewMockProvider().WithCompletionFunc(func(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		mu.Lock()
		seen = req
		mu.Unlock()
		return &llm.ChatResponse{
			Model:   "m1",
			Choices: []llm.ChatChoice{{FinishReason: "stop", Message: llm.Message{Role: llm.RoleAssistant, Content: "short summary"}}},
			Usage:   llm.ChatUsage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
		}, nil
	})
	h := NewAgentHandler(testProvider(mock), nil)
	assert.True(t, h.RetriesCalls())

	node := NewNode("summarize", NodeTypeAgent).
		WithConfig("prompt", "Summarize for {{.Vars.audience}}:\n{{.Input}}").
		WithConfig("system", "You are terse.").
		WithConfig("model", "m1").
		WithConfig("max_tokens", 64).
		WithConfig("temperature", 0.2)
	out, err := h.Execute(context.Background(), request(node,
		map[string]any{"fetch": map[string]any{"content": "the document"}},
		map[string]any{"audience": "engineers"}))
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, "short summary", result["content"])
	assert.Equal(t, "m1", result["model"])
	assert.Equal(t, 10, result["total_tokens"])
	assert.Equal(t, "stop", result["finish_reason"])

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, seen)
	require.Len(t, seen.Messages, 2)
	assert.Equal(t, llm.RoleSystem, seen.Messages[0].Role)
	assert.Equal(t, "Summarize for engineers:\nthe document", seen.Messages[1].Content)
	assert.Equal(t, 64, seen.MaxTokens)
	assert.InDelta(t, 0.2, seen.Temperature, 1e-6)
}

func TestAgentHandler_DefaultsToInputAndStreams(t *testing.T) {
	mock := mocks.NewMockProvider().WithResponse("streamed answer")
	h := NewAgentHandler(testProvider(mock), nil)

	node := NewNode("ask", NodeTypeAgent).WithConfig("stream", true)
	out, err := h.Execute(context.Background(), request(node, map[string]any{"q": "what?"}, nil))
	require.NoError(t, err)
	assert.Equal(t, "streamed answer", out.(map[string]any)["content"])
	assert.Equal(t, 1, mock.StreamCalls())
	assert.Zero(t, mock.CompletionCalls())
}

func TestAgentHandler_Errors(t *testing.T) {
	h := NewAgentHandler(testProvider(mocks.NewMockProvider()), nil)

	_, err := h.Execute(context.Background(), request(NewNode("a", NodeTypeAgent), nil, nil))
	assert.Equal(t, types.ErrInvalidRequest, types.CodeOf(err), "no prompt and no input")

	node := NewNode("a", NodeTypeAgent).WithConfig("prompt", "{{.Vars")
	_, err = h.Execute(context.Background(), request(node, nil, nil))
	assert.Equal(t, types.ErrInvalidRequest, types.CodeOf(err))
}

func TestEmbeddingHandler(t *testing.T) {
	t.Run("direct call", func(t *testing.T) {
		mock := mocks.NewMockProvider()
		h := NewEmbeddingHandler(testProvider(mock), nil, false)
		out, err := h.Execute(context.Background(), request(NewNode("e", NodeTypeEmbedding),
			map[string]any{"doc": "hello world"}, nil))
		require.NoError(t, err)

		result := out.(map[string]any)
		assert.Equal(t, 1, result["count"])
		assert.Equal(t, 4, result["dimensions"])
		assert.Equal(t, false, result["batched"])
		assert.Equal(t, 1, mock.EmbedCalls())
	})

	t.Run("large requests are batched", func(t *testing.T) {
		mock := mocks.NewMockProvider()
		coord := batch.NewCoordinator(batch.Config{MaxConcurrency: 2, Timeout: time.Second, BatchSize: 2}, nil, nil)
		h := NewEmbeddingHandler(testProvider(mock), coord, false)

		node := NewNode("e", NodeTypeEmbedding).
			WithConfig("texts", []any{"a", "b", "c", "{{.Vars.extra}}", "e"})
		out, err := h.Execute(context.Background(), request(node, nil, map[string]any{"extra": "d"}))
		require.NoError(t, err)

		result := out.(map[string]any)
		assert.Equal(t, 5, result["count"])
		assert.Equal(t, true, result["batched"])
		assert.Equal(t, 3, mock.EmbedCalls())
		assert.Equal(t, int64(1), coord.Stats().Batches)
	})

	t.Run("no texts", func(t *testing.T) {
		h := NewEmbeddingHandler(testProvider(mocks.NewMockProvider()), nil, false)
		_, err := h.Execute(context.Background(), request(NewNode("e", NodeTypeEmbedding), nil, nil))
		assert.Equal(t, types.ErrBatchEmpty, types.CodeOf(err))
	})
}

func TestExecutor_AgentNodeUsesNodeRetryPolicy(t *testing.T) {
	mock := mocks.NewMockProvider().WithErrorSequence(types.NewRateLimitError("slow down"), nil)
	provider := testProvider(mock)

	reg := NewRegistry()
	reg.Register(NodeTypeAgent, NewAgentHandler(provider, nil))
	e := NewExecutor(ExecutorConfig{}, reg, nil)

	g := graphSpec{nodes: []*Node{
		NewNode("once", NodeTypeAgent).WithConfig("prompt", "hi").WithRetry(retry.Config{MaxAttempts: 1}),
	}}.build(t)
	wc, err := e.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, NodeStatusFailed, wc.NodeStatus("once"))
	assert.Equal(t, types.ErrRateLimit, types.CodeOf(wc.NodeError("once")))
	assert.Equal(t, 1, mock.Calls())

	g = graphSpec{nodes: []*Node{NewNode("default", NodeTypeAgent).WithConfig("prompt", "hi again")}}.build(t)
	wc, err = e.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, NodeStatusSucceeded, wc.NodeStatus("default"))
	out, _ := wc.Output("default")
	assert.True(t, strings.HasPrefix(out.(map[string]any)["content"].(string), "Mock"))
}

func TestRegistry_Types(t *testing.T) {
	r := NewRegistry()
	r.Register(NodeTypeFunction, NewFunctionHandler())
	assert.ElementsMatch(t, []NodeType{NodeTypePassthrough, NodeTypeFunction}, r.Types())
	_, ok := r.Get(NodeTypeAgent)
	assert.False(t, ok)
}
