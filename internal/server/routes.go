package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun"
	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultListLimit    = 50
	maxListLimit        = 500
)

// Backend is the engine surface the HTTP API exposes. *flowrun.Engine
// implements it.
type Backend interface {
	ExecuteDefinition(ctx context.Context, def *workflow.Definition, vars map[string]any) (*workflow.WorkflowContext, error)
	Stats() flowrun.Stats
	HealthCheck() llm.ClientHealth
	Ready(ctx context.Context) error
	History() workflow.HistoryStore
}

// BuildInfo 版本信息
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// Options configures NewHandler.
type Options struct {
	Version      BuildInfo
	Gatherer     prometheus.Gatherer
	Recorder     HTTPRecorder
	MaxBodyBytes int64
	Logger       *zap.Logger
}

type handler struct {
	backend  Backend
	opts     Options
	logger   *zap.Logger
	maxBytes int64
}

// NewHandler builds the API mux wrapped in the standard middleware chain.
func NewHandler(backend Backend, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{
		backend:  backend,
		opts:     opts,
		logger:   logger.With(zap.String("component", "api")),
		maxBytes: opts.MaxBodyBytes,
	}
	if h.maxBytes <= 0 {
		h.maxBytes = defaultMaxBodyBytes
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReady)
	mux.HandleFunc("GET /version", h.handleVersion)
	mux.HandleFunc("GET /v1/stats", h.handleStats)
	mux.HandleFunc("GET /v1/executions", h.handleListExecutions)
	mux.HandleFunc("GET /v1/executions/{id}", h.handleGetExecution)
	mux.HandleFunc("POST /v1/executions", h.handleExecute)
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	middlewares := []Middleware{
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		Tracing(),
	}
	if opts.Recorder != nil {
		middlewares = append(middlewares, Metrics(opts.Recorder))
	}
	middlewares = append(middlewares, RequestLogger(logger))
	return Chain(mux, middlewares...)
}

// =============================================================================
// 探活
// =============================================================================

type healthResponse struct {
	Status              string  `json:"status"`
	Healthy             bool    `json:"healthy"`
	CircuitBreakerState string  `json:"circuit_breaker_state"`
	Uptime              string  `json:"uptime"`
	UptimeSeconds       float64 `json:"uptime_seconds"`
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := h.backend.HealthCheck()
	resp := healthResponse{
		Status:              "healthy",
		Healthy:             health.Healthy,
		CircuitBreakerState: health.CircuitBreakerState.String(),
		Uptime:              health.Uptime.Round(time.Second).String(),
		UptimeSeconds:       health.Uptime.Seconds(),
	}
	status := http.StatusOK
	if !health.Healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.backend.Ready(ctx); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *handler) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Version)
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, h.backend.Stats())
}

// =============================================================================
// 执行
// =============================================================================

type executeRequest struct {
	// Definition is a JSON object, or a JSON string holding YAML or JSON.
	Definition json.RawMessage `json:"definition"`
	Variables  map[string]any  `json:"variables,omitempty"`
}

func (h *handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req executeRequest
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, Response{
				Success:   false,
				Error:     &ErrorInfo{Code: string(types.ErrInvalidRequest), Message: "request body too large"},
				Timestamp: time.Now(),
				RequestID: RequestIDFromContext(r.Context()),
			})
			return
		}
		writeError(w, r, types.NewInvalidRequestError("invalid request body: "+err.Error()), h.logger)
		return
	}

	def, err := decodeDefinition(req.Definition)
	if err != nil {
		writeError(w, r, types.NewInvalidRequestError(err.Error()), h.logger)
		return
	}

	wc, err := h.backend.ExecuteDefinition(r.Context(), def, req.Variables)
	if err != nil {
		if wc == nil {
			if _, ok := types.AsError(err); !ok && !isGraphError(err) {
				err = types.NewInvalidRequestError(err.Error())
			}
		}
		writeError(w, r, err, h.logger)
		return
	}
	writeSuccess(w, r, newExecutionView(wc))
}

func decodeDefinition(raw json.RawMessage) (*workflow.Definition, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.New("definition is required")
	}
	data := []byte(raw)
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("decode definition: %w", err)
		}
		data = []byte(text)
	}
	return workflow.ParseDefinition(data)
}

type nodeView struct {
	Status     workflow.NodeStatus `json:"status"`
	Error      string              `json:"error,omitempty"`
	SkipReason string              `json:"skip_reason,omitempty"`
	Attempts   int                 `json:"attempts,omitempty"`
}

type executionView struct {
	ExecutionID  string                   `json:"execution_id"`
	WorkflowName string                   `json:"workflow_name"`
	Status       workflow.ExecutionStatus `json:"status"`
	StartedAt    time.Time                `json:"started_at"`
	FinishedAt   time.Time                `json:"finished_at"`
	DurationMs   int64                    `json:"duration_ms"`
	Outputs      map[string]any           `json:"outputs"`
	Nodes        map[string]nodeView      `json:"nodes"`
	Error        string                   `json:"error,omitempty"`
}

func newExecutionView(wc *workflow.WorkflowContext) executionView {
	v := executionView{
		ExecutionID:  wc.ExecutionID,
		WorkflowName: wc.WorkflowName,
		Status:       wc.Status,
		StartedAt:    wc.StartedAt,
		FinishedAt:   wc.FinishedAt,
		DurationMs:   wc.Duration().Milliseconds(),
		Outputs:      wc.Outputs(),
		Nodes:        make(map[string]nodeView),
	}
	for id, status := range wc.NodeStatuses() {
		n := nodeView{Status: status, Attempts: wc.Attempts(id)}
		if err := wc.NodeError(id); err != nil {
			n.Error = err.Error()
		}
		if reason, ok := wc.SkipReason(id); ok {
			n.SkipReason = string(reason)
		}
		v.Nodes[id] = n
	}
	if err := wc.Err(); err != nil {
		v.Error = err.Error()
	}
	return v
}

// =============================================================================
// 历史
// =============================================================================

func (h *handler) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, r, types.NewInvalidRequestError(err.Error()), h.logger)
		return
	}
	records, err := h.backend.History().List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	if records == nil {
		records = []*workflow.ExecutionRecord{}
	}
	writeSuccess(w, r, records)
}

func (h *handler) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := h.backend.History().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	writeSuccess(w, r, rec)
}

var validStatuses = []workflow.ExecutionStatus{
	workflow.ExecutionStatusPending,
	workflow.ExecutionStatusRunning,
	workflow.ExecutionStatusSucceeded,
	workflow.ExecutionStatusFailed,
	workflow.ExecutionStatusCancelled,
}

func parseHistoryFilter(r *http.Request) (workflow.HistoryFilter, error) {
	q := r.URL.Query()
	filter := workflow.HistoryFilter{
		WorkflowName: q.Get("workflow"),
		Limit:        defaultListLimit,
	}
	if s := q.Get("status"); s != "" {
		status := workflow.ExecutionStatus(s)
		if !slices.Contains(validStatuses, status) {
			return filter, fmt.Errorf("unknown status %q", s)
		}
		filter.Status = status
	}
	for _, p := range []struct {
		key string
		dst *time.Time
	}{
		{"since", &filter.Since},
		{"until", &filter.Until},
	} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("%s must be RFC3339: %w", p.key, err)
		}
		*p.dst = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, fmt.Errorf("limit must be a positive integer")
		}
		filter.Limit = min(n, maxListLimit)
	}
	return filter, nil
}
