package workflow

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// NodeStatus 节点状态
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusReady     NodeStatus = "ready"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// Terminal reports whether s is final.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusSucceeded || s == NodeStatusFailed || s == NodeStatusSkipped
}

// SkipReason records why a node was skipped.
type SkipReason string

const (
	// SkipRouted: every incoming edge was routed away by a guard or was an
	// error path whose source succeeded
	SkipRouted SkipReason = "routed"
	// SkipUpstreamFailed: a required predecessor failed or was itself skipped for that reason
	SkipUpstreamFailed SkipReason = "upstream_failed"
	// SkipCancelled: the execution was cancelled before the node started
	SkipCancelled SkipReason = "cancelled"
)

// ExecutionStatus 整体执行状态
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// WorkflowContext is the state of one execution. The executor owns it while
// the run is in progress: node handlers never see it, they return results
// that the scheduler applies. Once Execute returns it belongs to the caller.
type WorkflowContext struct {
	ExecutionID  string          `json:"execution_id"`
	WorkflowName string          `json:"workflow_name"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at,omitzero"`

	variables   map[string]any
	outputs     map[string]any
	nodeStatus  map[string]NodeStatus
	nodeErrors  map[string]error
	skipReasons map[string]SkipReason
	attempts    map[string]int
	order       []string
}

func newWorkflowContext(executionID, workflow string, nodes []*Node, vars map[string]any) *WorkflowContext {
	wc := &WorkflowContext{
		ExecutionID:  executionID,
		WorkflowName: workflow,
		Status:       ExecutionStatusPending,
		variables:    maps.Clone(vars),
		outputs:      make(map[string]any, len(nodes)),
		nodeStatus:   make(map[string]NodeStatus, len(nodes)),
		nodeErrors:   make(map[string]error),
		skipReasons:  make(map[string]SkipReason),
		attempts:     make(map[string]int),
		order:        make([]string, 0, len(nodes)),
	}
	if wc.variables == nil {
		wc.variables = make(map[string]any)
	}
	for _, n := range nodes {
		wc.nodeStatus[n.ID] = NodeStatusPending
		wc.order = append(wc.order, n.ID)
	}
	return wc
}

// Variable returns an execution variable.
func (wc *WorkflowContext) Variable(key string) (any, bool) {
	v, ok := wc.variables[key]
	return v, ok
}

// Variables returns a copy of the execution variables.
func (wc *WorkflowContext) Variables() map[string]any { return maps.Clone(wc.variables) }

// Output returns the output of a succeeded node.
func (wc *WorkflowContext) Output(nodeID string) (any, bool) {
	v, ok := wc.outputs[nodeID]
	return v, ok
}

// Outputs returns a copy of all node outputs.
func (wc *WorkflowContext) Outputs() map[string]any { return maps.Clone(wc.outputs) }

// NodeStatus returns the status of a node; unknown ids report "".
func (wc *WorkflowContext) NodeStatus(nodeID string) NodeStatus { return wc.nodeStatus[nodeID] }

// NodeStatuses returns a copy of every node's status.
func (wc *WorkflowContext) NodeStatuses() map[string]NodeStatus { return maps.Clone(wc.nodeStatus) }

// NodeError returns the error of a failed node.
func (wc *WorkflowContext) NodeError(nodeID string) error { return wc.nodeErrors[nodeID] }

// SkipReason returns why a node was skipped.
func (wc *WorkflowContext) SkipReason(nodeID string) (SkipReason, bool) {
	r, ok := wc.skipReasons[nodeID]
	return r, ok
}

// Attempts returns how many times a node's handler was invoked.
func (wc *WorkflowContext) Attempts(nodeID string) int { return wc.attempts[nodeID] }

// Succeeded reports whether the execution succeeded.
func (wc *WorkflowContext) Succeeded() bool { return wc.Status == ExecutionStatusSucceeded }

// Duration returns the run time, or the elapsed time while running.
func (wc *WorkflowContext) Duration() time.Duration {
	if wc.FinishedAt.IsZero() {
		return time.Since(wc.StartedAt)
	}
	return wc.FinishedAt.Sub(wc.StartedAt)
}

// Err joins the errors of failed nodes in graph order, or returns nil.
func (wc *WorkflowContext) Err() error {
	var errs []error
	for _, id := range wc.order {
		if err := wc.nodeErrors[id]; err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Counts returns the number of nodes per status.
func (wc *WorkflowContext) Counts() map[NodeStatus]int {
	out := make(map[NodeStatus]int)
	for _, s := range wc.nodeStatus {
		out[s]++
	}
	return out
}

func (wc *WorkflowContext) setStatus(id string, s NodeStatus) { wc.nodeStatus[id] = s }

func (wc *WorkflowContext) succeed(id string, output any) {
	wc.nodeStatus[id] = NodeStatusSucceeded
	wc.outputs[id] = output
}

func (wc *WorkflowContext) fail(id string, err error) {
	wc.nodeStatus[id] = NodeStatusFailed
	wc.nodeErrors[id] = err
}

func (wc *WorkflowContext) skip(id string, reason SkipReason) {
	wc.nodeStatus[id] = NodeStatusSkipped
	wc.skipReasons[id] = reason
}

// exprEnv builds the environment for edge expressions.
func (wc *WorkflowContext) exprEnv() map[string]any {
	status := make(map[string]any, len(wc.nodeStatus))
	for id, s := range wc.nodeStatus {
		status[id] = string(s)
	}
	return map[string]any{
		"vars":    wc.variables,
		"outputs": wc.outputs,
		"status":  status,
	}
}
