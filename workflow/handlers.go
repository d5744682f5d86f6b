package workflow

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"text/template"

	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/llm/batch"
	"github.com/BaSui01/flowrun/types"
	"go.uber.org/zap"
)

// NodeRequest is everything a handler gets to run one node. It is a snapshot:
// handlers never touch the WorkflowContext.
type NodeRequest struct {
	ExecutionID string
	Node        *Node
	// Inputs holds the outputs of succeeded predecessors
	Inputs map[string]any
	// Errors holds the errors of failed predecessors reached over error edges
	Errors map[string]error
	// Dependencies lists predecessor ids in edge order
	Dependencies []string
	Variables    map[string]any
	Attempt      int
	// CallOptions carry the node's retry policy and timeout to client-backed handlers
	CallOptions []llm.CallOption
}

// Input returns the single input when the node has exactly one, otherwise
// the inputs keyed by node id.
func (r *NodeRequest) Input() any {
	if len(r.Inputs) == 1 {
		for _, v := range r.Inputs {
			return v
		}
	}
	if len(r.Inputs) == 0 {
		return nil
	}
	return maps.Clone(r.Inputs)
}

// InputTexts returns the text of each input in dependency order.
func (r *NodeRequest) InputTexts() []string {
	var out []string
	for _, id := range r.Dependencies {
		if v, ok := r.Inputs[id]; ok {
			if s := textOf(v); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// NodeHandler runs nodes of one type.
type NodeHandler interface {
	Execute(ctx context.Context, req *NodeRequest) (any, error)
}

// HandlerFunc adapts a function to NodeHandler.
type HandlerFunc func(ctx context.Context, req *NodeRequest) (any, error)

func (f HandlerFunc) Execute(ctx context.Context, req *NodeRequest) (any, error) { return f(ctx, req) }

// CallRetrier is implemented by handlers whose calls go through a
// ResilientClient. They receive the node's retry policy through
// NodeRequest.CallOptions and the executor does not retry them again.
type CallRetrier interface {
	RetriesCalls() bool
}

// Registry maps node types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[NodeType]NodeHandler
}

// NewRegistry returns a registry holding the passthrough handler.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[NodeType]NodeHandler)}
	r.Register(NodeTypePassthrough, PassthroughHandler{})
	return r
}

// Register sets the handler for t, replacing any previous one.
func (r *Registry) Register(t NodeType, h NodeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Get returns the handler for t.
func (r *Registry) Get(t NodeType) (NodeHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered node types.
func (r *Registry) Types() []NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// ====== passthrough ======

// PassthroughHandler returns config["value"] when set, otherwise its input.
// Entry nodes without a value forward the execution variables.
type PassthroughHandler struct{}

func (PassthroughHandler) Execute(_ context.Context, req *NodeRequest) (any, error) {
	if v, ok := req.Node.Config["value"]; ok {
		return v, nil
	}
	if len(req.Inputs) == 0 && len(req.Errors) == 0 {
		return maps.Clone(req.Variables), nil
	}
	if len(req.Inputs) == 0 {
		errs := make(map[string]any, len(req.Errors))
		for id, err := range req.Errors {
			errs[id] = err.Error()
		}
		return map[string]any{"errors": errs}, nil
	}
	return req.Input(), nil
}

// ====== function ======

// Function is a Go function callable from a function node.
type Function func(ctx context.Context, req *NodeRequest) (any, error)

// FunctionHandler runs the function named by config["function"].
type FunctionHandler struct {
	mu        sync.RWMutex
	functions map[string]Function
}

// NewFunctionHandler 创建函数节点处理器
func NewFunctionHandler() *FunctionHandler {
	return &FunctionHandler{functions: make(map[string]Function)}
}

// Register adds or replaces a named function.
func (h *FunctionHandler) Register(name string, fn Function) *FunctionHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.functions[name] = fn
	return h
}

func (h *FunctionHandler) Execute(ctx context.Context, req *NodeRequest) (any, error) {
	name, ok := ConfigString(req.Node.Config, "function")
	if !ok || name == "" {
		return nil, types.NewInvalidRequestError(fmt.Sprintf("function node %s has no function name", req.Node.ID))
	}
	h.mu.RLock()
	fn, ok := h.functions[name]
	h.mu.RUnlock()
	if !ok {
		return nil, types.NewInvalidRequestError(fmt.Sprintf("function %q is not registered", name))
	}
	return fn(ctx, req)
}

// ====== agent ======

// AgentHandler sends a chat completion built from the node config:
//
//	prompt       user message template; defaults to the input text
//	system       optional system message
//	model        model override
//	max_tokens   int
//	temperature  float
//	stream       consume the response as a stream
//
// Templates see .Vars, .Inputs and .Input (the text of all inputs).
type AgentHandler struct {
	provider *llm.ResilientProvider
	logger   *zap.Logger
}

// NewAgentHandler 创建 agent 节点处理器
func NewAgentHandler(provider *llm.ResilientProvider, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{provider: provider, logger: logger.With(zap.String("component", "agent_handler"))}
}

func (h *AgentHandler) RetriesCalls() bool { return true }

func (h *AgentHandler) Execute(ctx context.Context, req *NodeRequest) (any, error) {
	cfg := req.Node.Config
	prompt, err := renderPrompt(req, "prompt")
	if err != nil {
		return nil, err
	}
	if prompt == "" {
		prompt = strings.Join(req.InputTexts(), "\n\n")
	}
	if prompt == "" {
		return nil, types.NewInvalidRequestError(fmt.Sprintf("agent node %s has no prompt and no input", req.Node.ID))
	}

	// metadata is part of the completion cache key, so it must not carry per-run ids
	chat := &llm.ChatRequest{Metadata: map[string]string{"node_id": req.Node.ID}}
	if system, err := renderPrompt(req, "system"); err != nil {
		return nil, err
	} else if system != "" {
		chat.Messages = append(chat.Messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	chat.Messages = append(chat.Messages, llm.Message{Role: llm.RoleUser, Content: prompt})
	chat.Model, _ = ConfigString(cfg, "model")
	chat.MaxTokens, _ = ConfigInt(cfg, "max_tokens")
	if t, ok := ConfigFloat(cfg, "temperature"); ok {
		chat.Temperature = float32(t)
	}

	p := h.provider.With(req.CallOptions...)
	var resp *llm.ChatResponse
	if ConfigBool(cfg, "stream") {
		ch, err := p.Stream(ctx, chat)
		if err != nil {
			return nil, err
		}
		resp, err = llm.CollectStream(ctx, ch)
		if err != nil {
			return nil, err
		}
	} else {
		resp, err = p.Completion(ctx, chat)
		if err != nil {
			return nil, err
		}
	}

	h.logger.Debug("agent completion",
		zap.String("node_id", req.Node.ID),
		zap.String("model", resp.Model),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return agentOutput(resp), nil
}

func agentOutput(resp *llm.ChatResponse) map[string]any {
	out := map[string]any{
		"content":           resp.Content(),
		"model":             resp.Model,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"total_tokens":      resp.Usage.TotalTokens,
	}
	if len(resp.Choices) > 0 {
		out["finish_reason"] = resp.Choices[0].FinishReason
	}
	return out
}

// ====== embedding ======

// EmbeddingHandler embeds config["texts"] (templates) or, when absent, the
// text of each input. Large requests, or every request when the execution
// mode prefers batching, go through the batch coordinator.
type EmbeddingHandler struct {
	provider       *llm.ResilientProvider
	coordinator    *batch.Coordinator
	preferBatching bool
}

// NewEmbeddingHandler 创建 embedding 节点处理器；coordinator 为 nil 时不分批
func NewEmbeddingHandler(provider *llm.ResilientProvider, coordinator *batch.Coordinator, preferBatching bool) *EmbeddingHandler {
	return &EmbeddingHandler{provider: provider, coordinator: coordinator, preferBatching: preferBatching}
}

func (h *EmbeddingHandler) RetriesCalls() bool { return true }

func (h *EmbeddingHandler) Execute(ctx context.Context, req *NodeRequest) (any, error) {
	texts, err := h.texts(req)
	if err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, types.NewError(types.ErrBatchEmpty, fmt.Sprintf("embedding node %s has no texts", req.Node.ID))
	}

	p := h.provider.With(req.CallOptions...)
	var vecs [][]float32
	batched := h.coordinator != nil && (h.preferBatching || len(texts) > h.coordinator.Config().BatchSize)
	if batched {
		vecs, err = batch.EmbedTexts(ctx, h.coordinator, p, texts)
	} else {
		vecs, err = p.Embed(ctx, texts)
	}
	if err != nil {
		return nil, err
	}

	dims := 0
	if len(vecs) > 0 {
		dims = len(vecs[0])
	}
	return map[string]any{
		"vectors":    vecs,
		"count":      len(vecs),
		"dimensions": dims,
		"batched":    batched,
	}, nil
}

func (h *EmbeddingHandler) texts(req *NodeRequest) ([]string, error) {
	raw, ok := ConfigStrings(req.Node.Config, "texts")
	if !ok {
		return req.InputTexts(), nil
	}
	out := make([]string, 0, len(raw))
	for i, src := range raw {
		s, err := render(fmt.Sprintf("%s.texts[%d]", req.Node.ID, i), src, req)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ====== templates ======

type templateData struct {
	Vars   map[string]any
	Inputs map[string]any
	Input  string
}

func renderPrompt(req *NodeRequest, key string) (string, error) {
	src, ok := ConfigString(req.Node.Config, key)
	if !ok || src == "" {
		return "", nil
	}
	return render(req.Node.ID+"."+key, src, req)
}

func render(name, src string, req *NodeRequest) (string, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", types.NewInvalidRequestError(fmt.Sprintf("template %s: %v", name, err))
	}
	var sb strings.Builder
	err = tmpl.Execute(&sb, templateData{
		Vars:   req.Variables,
		Inputs: req.Inputs,
		Input:  strings.Join(req.InputTexts(), "\n\n"),
	})
	if err != nil {
		return "", types.NewInvalidRequestError(fmt.Sprintf("template %s: %v", name, err))
	}
	return sb.String(), nil
}

// textOf extracts text from a node output: strings as-is, agent outputs by
// their content, anything else formatted.
func textOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case map[string]any:
		if c, ok := x["content"].(string); ok {
			return c
		}
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}
