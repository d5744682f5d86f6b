package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/flowrun"
	"github.com/BaSui01/flowrun/workflow"
)

// varsFlag collects repeated --var key=value flags. Values are decoded as
// YAML scalars so "n=3" yields an int and "on=true" a bool.
type varsFlag map[string]any

func (v varsFlag) String() string {
	parts := make([]string, 0, len(v))
	for k, val := range v {
		parts = append(parts, fmt.Sprintf("%s=%v", k, val))
	}
	return strings.Join(parts, ",")
}

func (v varsFlag) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
		value = raw
	}
	v[strings.TrimSpace(key)] = value
	return nil
}

// parseFileArgs lets the definition path come before or after the flags.
func parseFileArgs(fs *flag.FlagSet, args []string) (string, error) {
	var file string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		file, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if file == "" && fs.NArg() > 0 {
		file = fs.Arg(0)
	}
	if file == "" {
		return "", fmt.Errorf("%s: workflow definition file is required", fs.Name())
	}
	return file, nil
}

type nodeResult struct {
	ID         string              `json:"id"`
	Status     workflow.NodeStatus `json:"status"`
	Attempts   int                 `json:"attempts,omitempty"`
	Error      string              `json:"error,omitempty"`
	SkipReason string              `json:"skip_reason,omitempty"`
	Output     any                 `json:"output,omitempty"`
}

type runResult struct {
	ExecutionID string                   `json:"execution_id"`
	Workflow    string                   `json:"workflow"`
	Status      workflow.ExecutionStatus `json:"status"`
	DurationMs  int64                    `json:"duration_ms"`
	Error       string                   `json:"error,omitempty"`
	Nodes       []nodeResult             `json:"nodes"`
}

func newRunResult(wc *workflow.WorkflowContext, order []string) runResult {
	res := runResult{
		ExecutionID: wc.ExecutionID,
		Workflow:    wc.WorkflowName,
		Status:      wc.Status,
		DurationMs:  wc.Duration().Milliseconds(),
		Nodes:       make([]nodeResult, 0, len(order)),
	}
	if err := wc.Err(); err != nil {
		res.Error = err.Error()
	}
	for _, id := range order {
		n := nodeResult{ID: id, Status: wc.NodeStatus(id), Attempts: wc.Attempts(id)}
		if err := wc.NodeError(id); err != nil {
			n.Error = err.Error()
		}
		if reason, ok := wc.SkipReason(id); ok {
			n.SkipReason = string(reason)
		}
		n.Output, _ = wc.Output(id)
		res.Nodes = append(res.Nodes, n)
	}
	return res
}

// =============================================================================
// ▶️ run 命令
// =============================================================================

func runWorkflow(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	timeout := fs.Duration("timeout", 0, "Abort the execution after this duration")
	vars := varsFlag{}
	fs.Var(vars, "var", "Workflow variable key=value (repeatable)")
	file, err := parseFileArgs(fs, args)
	if err != nil {
		return err
	}

	def, err := workflow.LoadDefinition(file)
	if err != nil {
		return err
	}
	g, err := def.Build()
	if err != nil {
		return fmt.Errorf("invalid workflow: %w", err)
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	// stdout 保留给执行结果
	for i, p := range cfg.Log.OutputPaths {
		if p == "stdout" {
			cfg.Log.OutputPaths[i] = "stderr"
		}
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	engine, err := flowrun.New(cfg, flowrun.WithLogger(logger))
	if err != nil {
		return err
	}
	defer engine.Close()

	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	start := time.Now()
	wc, err := engine.ExecuteDefinition(ctx, def, vars)
	if err != nil {
		return err
	}
	logger.Debug("workflow finished",
		zap.String("execution_id", wc.ExecutionID),
		zap.Duration("elapsed", time.Since(start)),
	)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(newRunResult(wc, order)); err != nil {
		return err
	}
	if !wc.Succeeded() {
		return &exitError{code: 1, err: fmt.Errorf("workflow %s %s", wc.WorkflowName, wc.Status)}
	}
	return nil
}

// =============================================================================
// ✅ validate 命令
// =============================================================================

func runValidate(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file, err := parseFileArgs(fs, args)
	if err != nil {
		return err
	}

	def, err := workflow.LoadDefinition(file)
	if err != nil {
		return err
	}
	g, err := def.Build()
	if err != nil {
		return fmt.Errorf("invalid workflow: %w", err)
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "workflow %q is valid: %d nodes\n", g.Name(), len(order))
	for i, id := range order {
		n, _ := g.Node(id)
		fmt.Fprintf(stdout, "%3d. %s (%s)\n", i+1, id, n.Type)
	}
	return nil
}
