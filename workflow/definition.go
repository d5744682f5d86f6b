package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BaSui01/flowrun/llm/retry"
	"github.com/BaSui01/flowrun/types"
	"gopkg.in/yaml.v3"
)

// Definition is the file form of a workflow.
type Definition struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Variables   map[string]any   `json:"variables,omitempty" yaml:"variables,omitempty"`
	Nodes       []NodeDefinition `json:"nodes" yaml:"nodes"`
	Edges       []EdgeDefinition `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// NodeDefinition 节点定义
type NodeDefinition struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name,omitempty" yaml:"name,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Type        string           `json:"type,omitempty" yaml:"type,omitempty"`
	Config      map[string]any   `json:"config,omitempty" yaml:"config,omitempty"`
	Retry       *RetryDefinition `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// RetryDefinition uses duration strings ("250ms", "2s").
type RetryDefinition struct {
	MaxAttempts         int      `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay        string   `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	BackoffMultiplier   float64  `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier,omitempty"`
	MaxDelay            string   `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	JitterFactor        float64  `json:"jitter_factor,omitempty" yaml:"jitter_factor,omitempty"`
	RetryableErrorTypes []string `json:"retryable_error_types,omitempty" yaml:"retryable_error_types,omitempty"`
}

// EdgeDefinition 边定义
type EdgeDefinition struct {
	From     string `json:"from" yaml:"from"`
	To       string `json:"to" yaml:"to"`
	When     string `json:"when,omitempty" yaml:"when,omitempty"`
	OnError  bool   `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// ParseDefinition decodes JSON when the document starts with '{', YAML otherwise.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("workflow definition is empty")
	}
	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("parse JSON definition: %w", err)
		}
		def.Variables = normalizeNumbers(def.Variables)
		for i := range def.Nodes {
			def.Nodes[i].Config = normalizeNumbers(def.Nodes[i].Config)
		}
	} else if err := yaml.Unmarshal(trimmed, &def); err != nil {
		return nil, fmt.Errorf("parse YAML definition: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	return &def, nil
}

// LoadDefinition 从文件加载工作流定义
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return def, nil
}

// Build converts the definition into a validated, frozen graph.
func (d *Definition) Build() (*Graph, error) {
	g := NewGraph(d.Name)
	for _, nd := range d.Nodes {
		n, err := nd.node()
		if err != nil {
			return nil, err
		}
		if _, err := g.AddNode(n); err != nil {
			return nil, err
		}
	}
	for _, ed := range d.Edges {
		var opts []EdgeOption
		if ed.OnError {
			opts = append(opts, OnError())
		}
		if ed.Optional {
			opts = append(opts, Optional())
		}
		if ed.When != "" {
			opts = append(opts, When(ed.When))
		}
		if err := g.AddEdge(ed.From, ed.To, opts...); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (nd NodeDefinition) node() (*Node, error) {
	if strings.TrimSpace(nd.ID) == "" {
		return nil, fmt.Errorf("node id is required")
	}
	n := NewNode(nd.ID, NodeType(nd.Type))
	if nd.Name != "" {
		n.Name = nd.Name
	}
	n.Description = nd.Description
	for k, v := range nd.Config {
		n.Config[k] = v
	}
	if nd.Retry != nil {
		cfg, err := nd.Retry.config()
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", nd.ID, err)
		}
		n.WithRetry(cfg)
	}
	return n, nil
}

func (rd *RetryDefinition) config() (retry.Config, error) {
	cfg := retry.DefaultConfig()
	if rd.MaxAttempts > 0 {
		cfg.MaxAttempts = rd.MaxAttempts
	}
	if rd.BackoffMultiplier > 0 {
		cfg.BackoffMultiplier = rd.BackoffMultiplier
	}
	if rd.JitterFactor > 0 {
		cfg.JitterFactor = rd.JitterFactor
	}
	var err error
	if rd.InitialDelay != "" {
		if cfg.InitialDelay, err = time.ParseDuration(rd.InitialDelay); err != nil {
			return cfg, fmt.Errorf("invalid retry initial_delay: %w", err)
		}
	}
	if rd.MaxDelay != "" {
		if cfg.MaxDelay, err = time.ParseDuration(rd.MaxDelay); err != nil {
			return cfg, fmt.Errorf("invalid retry max_delay: %w", err)
		}
	}
	if len(rd.RetryableErrorTypes) > 0 {
		cfg.RetryableErrorTypes = cfg.RetryableErrorTypes[:0]
		for _, s := range rd.RetryableErrorTypes {
			cfg.RetryableErrorTypes = append(cfg.RetryableErrorTypes, types.ErrorCode(strings.ToUpper(s)))
		}
	}
	return cfg, nil
}

// DefinitionFromGraph 将图导出为定义
func DefinitionFromGraph(g *Graph) *Definition {
	d := &Definition{Name: g.Name()}
	for _, n := range g.Nodes() {
		nd := NodeDefinition{
			ID:          n.ID,
			Name:        n.Name,
			Description: n.Description,
			Type:        string(n.Type),
		}
		if len(n.Config) > 0 {
			nd.Config = make(map[string]any, len(n.Config))
			for k, v := range n.Config {
				nd.Config[k] = v
			}
		}
		if n.Retry != nil {
			nd.Retry = &RetryDefinition{
				MaxAttempts:       n.Retry.MaxAttempts,
				InitialDelay:      n.Retry.InitialDelay.String(),
				BackoffMultiplier: n.Retry.BackoffMultiplier,
				MaxDelay:          n.Retry.MaxDelay.String(),
				JitterFactor:      n.Retry.JitterFactor,
			}
			for _, c := range n.Retry.RetryableErrorTypes {
				nd.Retry.RetryableErrorTypes = append(nd.Retry.RetryableErrorTypes, string(c))
			}
		}
		d.Nodes = append(d.Nodes, nd)
	}
	for _, e := range g.Edges() {
		d.Edges = append(d.Edges, EdgeDefinition{From: e.From, To: e.To, When: e.When, OnError: e.OnError, Optional: e.Optional})
	}
	return d
}

// ToYAML 序列化为 YAML
func (d *Definition) ToYAML() ([]byte, error) {
	return yaml.Marshal(d)
}

// ToJSON 序列化为缩进 JSON
func (d *Definition) ToJSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// normalizeNumbers turns json.Number into int64 or float64.
func normalizeNumbers(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i)
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		return normalizeNumbers(x)
	case []any:
		for i := range x {
			x[i] = normalizeValue(x[i])
		}
		return x
	}
	return v
}
