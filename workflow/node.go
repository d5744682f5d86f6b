package workflow

import (
	"fmt"
	"strconv"
	"time"

	"github.com/BaSui01/flowrun/llm/retry"
)

// NodeType selects the handler that runs a node.
type NodeType string

const (
	// NodeTypeAgent sends a chat completion to the provider
	NodeTypeAgent NodeType = "agent"
	// NodeTypeEmbedding embeds texts, batched when large
	NodeTypeEmbedding NodeType = "embedding"
	// NodeTypeFunction calls a registered Go function
	NodeTypeFunction NodeType = "function"
	// NodeTypePassthrough forwards its inputs unchanged
	NodeTypePassthrough NodeType = "passthrough"
)

// Node is one unit of work. Config is an opaque key-value map interpreted by
// the node type's handler. Nodes must not be modified after the graph is frozen.
type Node struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Type        NodeType       `json:"type" yaml:"type"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	// Retry overrides the client retry policy for this node's calls
	Retry *retry.Config `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// NewNode 创建节点
func NewNode(id string, typ NodeType) *Node {
	return &Node{ID: id, Name: id, Type: typ, Config: make(map[string]any)}
}

// WithConfig sets a config entry and returns n.
func (n *Node) WithConfig(key string, value any) *Node {
	if n.Config == nil {
		n.Config = make(map[string]any)
	}
	n.Config[key] = value
	return n
}

// WithRetry attaches a retry policy and returns n.
func (n *Node) WithRetry(cfg retry.Config) *Node {
	c := cfg.Normalize()
	n.Retry = &c
	return n
}

// Timeout returns config["timeout"], or 0 when unset.
func (n *Node) Timeout() time.Duration {
	d, _ := ConfigDuration(n.Config, "timeout")
	return d
}

// EdgeCondition decides whether an edge is taken. It runs on the scheduler
// goroutine and must only read wc.
type EdgeCondition func(wc *WorkflowContext) bool

// Edge connects two nodes. By default the target needs the source to succeed.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
	// OnError makes this an error-handling path: taken only when From fails
	OnError bool `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	// Optional edges never block To, whatever happens to From
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
	// When is an expression over vars, outputs and status
	When      string        `json:"when,omitempty" yaml:"when,omitempty"`
	Condition EdgeCondition `json:"-" yaml:"-"`

	when     *Expression
	from, to int
}

// EdgeOption configures an edge in AddEdge.
type EdgeOption func(*Edge)

// OnError marks the edge as an error-handling path.
func OnError() EdgeOption {
	return func(e *Edge) { e.OnError = true }
}

// Optional marks the edge as non-blocking.
func Optional() EdgeOption {
	return func(e *Edge) { e.Optional = true }
}

// When guards the edge with an expression, compiled by AddEdge.
func When(expr string) EdgeOption {
	return func(e *Edge) { e.When = expr }
}

// WithCondition guards the edge with a Go predicate.
func WithCondition(fn EdgeCondition) EdgeOption {
	return func(e *Edge) { e.Condition = fn }
}

// conditional reports whether the edge carries a guard.
func (e *Edge) conditional() bool { return e.Condition != nil || e.when != nil }

// allows evaluates the guard; unguarded edges are always allowed. A
// predicate that panics does not allow the edge.
func (e *Edge) allows(wc *WorkflowContext) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if e.Condition != nil && !e.Condition(wc) {
		return false
	}
	if e.when != nil && !e.when.Eval(wc.exprEnv()) {
		return false
	}
	return true
}

// --- config helpers ---
// Config maps come from Go code or decoded YAML/JSON, so numbers may be
// int, int64 or float64.

// ConfigString reads a string entry.
func ConfigString(cfg map[string]any, key string) (string, bool) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	default:
		return fmt.Sprint(v), true
	}
}

// ConfigInt reads an integer entry.
func ConfigInt(cfg map[string]any, key string) (int, bool) {
	switch v := cfg[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// ConfigFloat reads a numeric entry.
func ConfigFloat(cfg map[string]any, key string) (float64, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// ConfigBool reads a boolean entry.
func ConfigBool(cfg map[string]any, key string) bool {
	switch v := cfg[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// ConfigDuration reads a duration given as a Go duration string or as
// integer milliseconds.
func ConfigDuration(cfg map[string]any, key string) (time.Duration, bool) {
	switch v := cfg[key].(type) {
	case time.Duration:
		return v, true
	case string:
		d, err := time.ParseDuration(v)
		return d, err == nil
	case int:
		return time.Duration(v) * time.Millisecond, true
	case int64:
		return time.Duration(v) * time.Millisecond, true
	case float64:
		return time.Duration(v * float64(time.Millisecond)), true
	}
	return 0, false
}

// ConfigStrings reads a list of strings.
func ConfigStrings(cfg map[string]any, key string) ([]string, bool) {
	switch v := cfg[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out, true
	case string:
		return []string{v}, true
	}
	return nil, false
}
