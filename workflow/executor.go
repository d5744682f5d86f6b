package workflow

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/BaSui01/flowrun/config"
	"github.com/BaSui01/flowrun/internal/ctxkeys"
	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/llm/retry"
	"github.com/BaSui01/flowrun/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const tracerName = "github.com/BaSui01/flowrun/workflow"

// ExecutorConfig 调度参数
type ExecutorConfig struct {
	// MaxParallel bounds concurrently running nodes
	MaxParallel int `json:"max_parallel"`
	// NodeTimeout applies to nodes without config["timeout"]; 0 disables it
	NodeTimeout time.Duration `json:"node_timeout"`
	// ExecutionTimeout bounds a whole run; 0 disables it
	ExecutionTimeout time.Duration `json:"execution_timeout"`
}

// DefaultExecutorConfig 返回默认调度参数
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{MaxParallel: config.DefaultRuntimeConfig().WorkerThreads}
}

// ExecutorConfigFromConfig takes the parallelism from the mode profile.
func ExecutorConfigFromConfig(cfg *config.Config, profile config.ModeProfile) ExecutorConfig {
	return ExecutorConfig{
		MaxParallel:      profile.MaxParallel,
		NodeTimeout:      cfg.Execution.NodeTimeout,
		ExecutionTimeout: cfg.Execution.ExecutionTimeout,
	}
}

// Observer receives execution and node outcomes. internal/metrics implements it.
type Observer interface {
	ObserveExecution(workflow string, status ExecutionStatus, d time.Duration)
	ObserveNode(nodeType NodeType, status NodeStatus, d time.Duration)
}

// ExecutorStats 调度器累计统计
type ExecutorStats struct {
	Executions     int64   `json:"executions"`
	Running        int64   `json:"running"`
	Succeeded      int64   `json:"succeeded"`
	Failed         int64   `json:"failed"`
	Cancelled      int64   `json:"cancelled"`
	NodesSucceeded int64   `json:"nodes_succeeded"`
	NodesFailed    int64   `json:"nodes_failed"`
	NodesSkipped   int64   `json:"nodes_skipped"`
	AvgExecutionMs float64 `json:"avg_execution_ms"`
}

type executorCounters struct {
	executions     atomic.Int64
	running        atomic.Int64
	succeeded      atomic.Int64
	failed         atomic.Int64
	cancelled      atomic.Int64
	nodesSucceeded atomic.Int64
	nodesFailed    atomic.Int64
	nodesSkipped   atomic.Int64
	durationNanos  atomic.Int64
}

// Executor runs validated graphs. One Executor serves any number of
// concurrent executions; each gets its own WorkflowContext.
type Executor struct {
	cfg      ExecutorConfig
	registry *Registry
	history  HistoryStore
	observer Observer
	tracer   trace.Tracer
	meter    metric.Meter
	metrics  *executorInstruments
	logger   *zap.Logger
	stats    executorCounters
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithHistory records every execution in h.
func WithHistory(h HistoryStore) ExecutorOption {
	return func(e *Executor) { e.history = h }
}

// WithObserver 设置指标观察者
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithMeter overrides the global meter for the executor's otel instruments.
func WithMeter(m metric.Meter) ExecutorOption {
	return func(e *Executor) { e.meter = m }
}

// NewExecutor 创建调度器
func NewExecutor(cfg ExecutorConfig, registry *Registry, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultExecutorConfig().MaxParallel
	}
	e := &Executor{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With(zap.String("component", "executor")),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.meter == nil {
		e.meter = otel.Meter(tracerName)
	}
	ei, err := newExecutorInstruments(e.meter)
	if err != nil {
		e.logger.Warn("otel instruments unavailable", zap.Error(err))
		ei = noopExecutorInstruments()
	}
	e.metrics = ei
	return e
}

// Registry returns the handler registry.
func (e *Executor) Registry() *Registry { return e.registry }

// History returns the history store, or nil.
func (e *Executor) History() HistoryStore { return e.history }

// Stats returns cumulative counters built from atomic loads.
func (e *Executor) Stats() ExecutorStats {
	s := ExecutorStats{
		Executions:     e.stats.executions.Load(),
		Running:        e.stats.running.Load(),
		Succeeded:      e.stats.succeeded.Load(),
		Failed:         e.stats.failed.Load(),
		Cancelled:      e.stats.cancelled.Load(),
		NodesSucceeded: e.stats.nodesSucceeded.Load(),
		NodesFailed:    e.stats.nodesFailed.Load(),
		NodesSkipped:   e.stats.nodesSkipped.Load(),
	}
	if done := s.Succeeded + s.Failed + s.Cancelled; done > 0 {
		s.AvgExecutionMs = float64(e.stats.durationNanos.Load()) / float64(done) / float64(time.Millisecond)
	}
	return s
}

// Execute runs g to completion and returns its WorkflowContext.
//
// Node failures do not produce an error: they are recorded on the context
// and reflected in its Status. The error is non-nil when the graph is not
// validated, or when the run was cancelled or hit ExecutionTimeout; the
// partially filled context is returned with it.
func (e *Executor) Execute(ctx context.Context, g *Graph, vars map[string]any) (*WorkflowContext, error) {
	if g == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}
	if !g.Frozen() {
		return nil, ErrGraphNotValidated
	}

	executionID := uuid.NewString()
	if e.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
		defer cancel()
	}
	ctx = ctxkeys.WithExecutionID(ctx, executionID)
	ctx, span := e.tracer.Start(ctx, "flowrun.workflow.execute", trace.WithAttributes(
		attribute.String("flowrun.workflow", g.Name()),
		attribute.String("flowrun.execution_id", executionID),
		attribute.Int("flowrun.nodes", len(g.nodes)),
	))
	defer span.End()

	log := e.logger.With(zap.String("execution_id", executionID), zap.String("workflow", g.Name()))
	wc := newWorkflowContext(executionID, g.Name(), g.nodes, vars)
	wc.Status = ExecutionStatusRunning
	wc.StartedAt = time.Now()

	e.stats.executions.Add(1)
	e.stats.running.Add(1)
	defer e.stats.running.Add(-1)
	metricsCtx := context.WithoutCancel(ctx)
	e.metrics.started(metricsCtx)
	log.Info("execution started", zap.Int("nodes", len(g.nodes)), zap.Int("max_parallel", e.cfg.MaxParallel))

	r := newRun(e, g, wc, log)
	r.metricsCtx = metricsCtx
	r.loop(ctx)

	wc.FinishedAt = time.Now()
	err := r.finish(ctx)
	e.account(wc)
	e.metrics.finished(metricsCtx, wc.WorkflowName, wc.Status, wc.Duration())
	r.saveHistory(ctx)

	fields := []zap.Field{
		zap.String("status", string(wc.Status)),
		zap.Duration("duration", wc.Duration()),
	}
	switch wc.Status {
	case ExecutionStatusSucceeded:
		log.Info("execution completed", fields...)
	case ExecutionStatusFailed:
		span.SetStatus(codes.Error, "workflow failed")
		log.Warn("execution failed", append(fields, zap.Error(wc.Err()))...)
	default:
		span.SetStatus(codes.Error, string(wc.Status))
		span.RecordError(err)
		log.Warn("execution cancelled", append(fields, zap.Error(err))...)
	}
	span.SetAttributes(attribute.String("flowrun.status", string(wc.Status)))
	return wc, err
}

func (e *Executor) account(wc *WorkflowContext) {
	switch wc.Status {
	case ExecutionStatusSucceeded:
		e.stats.succeeded.Add(1)
	case ExecutionStatusFailed:
		e.stats.failed.Add(1)
	default:
		e.stats.cancelled.Add(1)
	}
	e.stats.durationNanos.Add(int64(wc.Duration()))
	if e.observer != nil {
		e.observer.ObserveExecution(wc.WorkflowName, wc.Status, wc.Duration())
	}
}

// ====== scheduler ======

type edgeOutcome uint8

const (
	edgeUnresolved edgeOutcome = iota
	edgeActive                 // target may run
	edgeRouted                 // not taken; does not block the target
	edgeBlocked                // source failed on a required edge
)

type nodeResult struct {
	pos      int
	output   any
	err      error
	attempts int
	started  time.Time
	finished time.Time
}

// run is the state of one execution. Only the scheduler goroutine running
// loop touches it; node goroutines communicate through results.
type run struct {
	e   *Executor
	g   *Graph
	wc  *WorkflowContext
	log *zap.Logger

	pendingIn []int
	edges     []edgeOutcome
	ready     positionHeap
	sem       *semaphore.Weighted
	results   chan nodeResult
	running   int
	cancelled bool
	records   []NodeRecord

	// metricsCtx carries the execution span for metric recording and is
	// never cancelled
	metricsCtx context.Context
}

func newRun(e *Executor, g *Graph, wc *WorkflowContext, log *zap.Logger) *run {
	r := &run{
		e:         e,
		g:         g,
		wc:        wc,
		log:       log,
		pendingIn: make([]int, len(g.nodes)),
		edges:     make([]edgeOutcome, len(g.edges)),
		sem:       semaphore.NewWeighted(int64(e.cfg.MaxParallel)),
		results:   make(chan nodeResult, len(g.nodes)),
		records:   make([]NodeRecord, len(g.nodes)),

		metricsCtx: context.Background(),
	}
	for i, n := range g.nodes {
		r.pendingIn[i] = len(g.in[i])
		r.records[i] = NodeRecord{NodeID: n.ID, NodeType: n.Type, Status: NodeStatusPending}
	}
	return r
}

func (r *run) loop(ctx context.Context) {
	for _, pos := range r.g.entries() {
		r.markReady(pos)
	}

	done := ctx.Done()
	for {
		if !r.cancelled {
			r.dispatch(ctx)
		}
		if r.running == 0 && r.ready.Len() == 0 {
			return
		}
		select {
		case res := <-r.results:
			// a node that returned because of the cancellation must not
			// promote its successors first
			if done != nil && ctx.Err() != nil {
				done = nil
				r.cancel()
			}
			r.running--
			r.sem.Release(1)
			r.complete(res)
		case <-done:
			done = nil
			r.cancel()
		}
	}
}

func (r *run) markReady(pos int) {
	r.wc.setStatus(r.g.nodes[pos].ID, NodeStatusReady)
	r.records[pos].Status = NodeStatusReady
	heap.Push(&r.ready, pos)
}

// dispatch starts ready nodes in graph order while permits are available.
func (r *run) dispatch(ctx context.Context) {
	for r.ready.Len() > 0 && ctx.Err() == nil {
		if !r.sem.TryAcquire(1) {
			return
		}
		pos := heap.Pop(&r.ready).(int)
		node := r.g.nodes[pos]
		req := r.request(pos)

		r.wc.setStatus(node.ID, NodeStatusRunning)
		r.records[pos].Status = NodeStatusRunning
		r.running++
		r.log.Debug("node started", zap.String("node_id", node.ID), zap.String("node_type", string(node.Type)))
		go r.execute(ctx, pos, req)
	}
}

// request snapshots the inputs of pos from its active incoming edges.
func (r *run) request(pos int) *NodeRequest {
	node := r.g.nodes[pos]
	req := &NodeRequest{
		ExecutionID: r.wc.ExecutionID,
		Node:        node,
		Inputs:      make(map[string]any),
		Variables:   r.wc.Variables(),
	}
	for _, ei := range r.g.in[pos] {
		e := r.g.edges[ei]
		req.Dependencies = append(req.Dependencies, e.From)
		if r.edges[ei] != edgeActive {
			continue
		}
		switch r.wc.NodeStatus(e.From) {
		case NodeStatusSucceeded:
			req.Inputs[e.From], _ = r.wc.Output(e.From)
		case NodeStatusFailed:
			if req.Errors == nil {
				req.Errors = make(map[string]error)
			}
			req.Errors[e.From] = r.wc.NodeError(e.From)
		}
	}
	if node.Retry != nil {
		req.CallOptions = append(req.CallOptions, llm.WithRetryConfig(*node.Retry))
	}
	if d, ok := ConfigDuration(node.Config, "call_timeout"); ok {
		req.CallOptions = append(req.CallOptions, llm.WithCallTimeout(d))
	}
	return req
}

// execute runs on its own goroutine and reports exactly one result.
func (r *run) execute(ctx context.Context, pos int, req *NodeRequest) {
	node := req.Node
	res := nodeResult{pos: pos, started: time.Now()}
	defer func() {
		if rec := recover(); rec != nil {
			res.err = types.NewError(types.ErrInternal, fmt.Sprintf("node %s panicked: %v", node.ID, rec))
		}
		res.finished = time.Now()
		r.results <- res
	}()

	ctx = ctxkeys.WithNodeID(ctx, node.ID)
	ctx, span := r.e.tracer.Start(ctx, "flowrun.node."+string(node.Type), trace.WithAttributes(
		attribute.String("flowrun.node_id", node.ID),
	))
	defer span.End()

	handler, ok := r.e.registry.Get(node.Type)
	if !ok {
		res.err = types.NewInvalidRequestError(fmt.Sprintf("no handler registered for node type %q", node.Type))
		span.SetStatus(codes.Error, res.err.Error())
		return
	}

	nodeCtx := ctx
	timeout := node.Timeout()
	if timeout <= 0 {
		timeout = r.e.cfg.NodeTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res.output, res.attempts, res.err = r.invoke(nodeCtx, handler, req)
	if res.err != nil {
		if ctx.Err() == nil && errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && types.CodeOf(res.err) != types.ErrTimeout {
			res.err = types.NewTimeoutError(fmt.Sprintf("node %s timed out after %s", node.ID, timeout)).WithCause(res.err)
		}
		span.RecordError(res.err)
		span.SetStatus(codes.Error, string(types.Classify(res.err)))
	}
	span.SetAttributes(attribute.Int("flowrun.attempts", res.attempts))
}

// invoke applies the node retry policy to handlers that do not route
// through a ResilientClient.
func (r *run) invoke(ctx context.Context, h NodeHandler, req *NodeRequest) (any, int, error) {
	if cr, ok := h.(CallRetrier); ok && cr.RetriesCalls() {
		req.Attempt = 1
		out, err := h.Execute(ctx, req)
		return out, 1, err
	}
	if req.Node.Retry == nil || req.Node.Retry.MaxAttempts <= 1 {
		req.Attempt = 1
		out, err := h.Execute(ctx, req)
		return out, 1, err
	}

	attempts := 0
	retryer := retry.New(*req.Node.Retry, r.log.With(zap.String("node_id", req.Node.ID)))
	out, err := retry.DoWithResult(ctx, retryer, func(ctx context.Context, attempt int) (any, error) {
		attempts = attempt
		attemptReq := *req
		attemptReq.Attempt = attempt
		return h.Execute(ctxkeys.WithAttempt(ctx, attempt), &attemptReq)
	})
	return out, attempts, err
}

// complete applies a node result and resolves the node's outgoing edges.
func (r *run) complete(res nodeResult) {
	node := r.g.nodes[res.pos]
	d := res.finished.Sub(res.started)
	r.wc.attempts[node.ID] = res.attempts

	rec := &r.records[res.pos]
	rec.Attempts = res.attempts
	rec.StartedAt = res.started
	rec.FinishedAt = res.finished
	rec.DurationMs = d.Milliseconds()

	if res.err != nil {
		r.wc.fail(node.ID, res.err)
		rec.Status = NodeStatusFailed
		rec.Error = res.err.Error()
		r.e.stats.nodesFailed.Add(1)
		r.log.Warn("node failed",
			zap.String("node_id", node.ID),
			zap.Int("attempts", res.attempts),
			zap.Duration("duration", d),
			zap.Error(res.err),
		)
	} else {
		r.wc.succeed(node.ID, res.output)
		rec.Status = NodeStatusSucceeded
		r.e.stats.nodesSucceeded.Add(1)
		r.log.Debug("node succeeded", zap.String("node_id", node.ID), zap.Duration("duration", d))
	}
	if r.e.observer != nil {
		r.e.observer.ObserveNode(node.Type, rec.Status, d)
	}
	r.e.metrics.node(r.metricsCtx, node.Type, rec.Status, d)
	r.resolveOutgoing(res.pos)
}

func (r *run) resolveOutgoing(pos int) {
	for _, ei := range r.g.out[pos] {
		r.edges[ei] = r.evalEdge(r.g.edges[ei])
		t := r.g.edges[ei].to
		r.pendingIn[t]--
		if r.pendingIn[t] == 0 {
			r.resolveNode(t)
		}
	}
}

func (r *run) evalEdge(e *Edge) edgeOutcome {
	switch r.wc.NodeStatus(e.From) {
	case NodeStatusSucceeded:
		if e.OnError || !e.allows(r.wc) {
			return edgeRouted
		}
		return edgeActive
	case NodeStatusFailed:
		// 守卫对失败的源同样生效，不满足则视为未选中的分支
		if !e.allows(r.wc) {
			return edgeRouted
		}
		if e.OnError {
			return edgeActive
		}
		if e.Optional {
			return edgeRouted
		}
		return edgeBlocked
	default: // skipped
		reason, _ := r.wc.SkipReason(e.From)
		if reason == SkipRouted || e.OnError || e.Optional {
			return edgeRouted
		}
		return edgeBlocked
	}
}

// resolveNode decides a node once every incoming edge is resolved: any
// blocked edge skips it, otherwise any active edge makes it ready, otherwise
// it was routed around.
func (r *run) resolveNode(pos int) {
	id := r.g.nodes[pos].ID
	if r.wc.NodeStatus(id).Terminal() {
		return
	}
	blocked, active := false, false
	for _, ei := range r.g.in[pos] {
		switch r.edges[ei] {
		case edgeBlocked:
			blocked = true
		case edgeActive:
			active = true
		}
	}
	switch {
	case blocked:
		r.skip(pos, SkipUpstreamFailed)
		r.resolveOutgoing(pos)
	case active:
		r.markReady(pos)
	default:
		r.skip(pos, SkipRouted)
		r.resolveOutgoing(pos)
	}
}

func (r *run) skip(pos int, reason SkipReason) {
	node := r.g.nodes[pos]
	r.wc.skip(node.ID, reason)
	r.records[pos].Status = NodeStatusSkipped
	r.records[pos].SkipReason = reason
	r.e.stats.nodesSkipped.Add(1)
	if r.e.observer != nil {
		r.e.observer.ObserveNode(node.Type, NodeStatusSkipped, 0)
	}
	r.e.metrics.node(r.metricsCtx, node.Type, NodeStatusSkipped, 0)
	r.log.Debug("node skipped", zap.String("node_id", node.ID), zap.String("reason", string(reason)))
}

// cancel stops promotion and skips every node that has not started.
func (r *run) cancel() {
	r.cancelled = true
	r.ready = r.ready[:0]
	for pos, n := range r.g.nodes {
		switch r.wc.NodeStatus(n.ID) {
		case NodeStatusPending, NodeStatusReady:
			r.skip(pos, SkipCancelled)
		}
	}
	r.log.Info("execution cancellation observed", zap.Int("running", r.running))
}

// finish sets the overall status. A failed node is absorbed when one of its
// error edges was taken and the handler node succeeded.
func (r *run) finish(ctx context.Context) error {
	if r.cancelled {
		r.wc.Status = ExecutionStatusCancelled
		code := types.ErrCanceled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = types.ErrTimeout
		}
		return types.NewError(code, "execution cancelled").WithCause(ctx.Err())
	}

	for pos, n := range r.g.nodes {
		if r.wc.NodeStatus(n.ID) != NodeStatusFailed {
			continue
		}
		if !r.absorbed(pos) {
			r.wc.Status = ExecutionStatusFailed
			return nil
		}
	}
	r.wc.Status = ExecutionStatusSucceeded
	return nil
}

func (r *run) absorbed(pos int) bool {
	for _, ei := range r.g.out[pos] {
		e := r.g.edges[ei]
		if e.OnError && r.edges[ei] == edgeActive && r.wc.NodeStatus(e.To) == NodeStatusSucceeded {
			return true
		}
	}
	return false
}

func (r *run) saveHistory(ctx context.Context) {
	if r.e.history == nil {
		return
	}
	rec := &ExecutionRecord{
		ExecutionID:  r.wc.ExecutionID,
		WorkflowName: r.wc.WorkflowName,
		Status:       r.wc.Status,
		StartedAt:    r.wc.StartedAt,
		FinishedAt:   r.wc.FinishedAt,
		DurationMs:   r.wc.Duration().Milliseconds(),
		Nodes:        r.records,
	}
	if err := r.wc.Err(); err != nil {
		rec.Error = err.Error()
	}
	if err := r.e.history.Save(context.WithoutCancel(ctx), rec); err != nil {
		r.log.Error("failed to save execution history", zap.Error(err))
	}
}
