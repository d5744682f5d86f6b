package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun"
	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/llm/circuitbreaker"
)

type apiResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *ErrorInfo      `json:"error"`
	RequestID string          `json:"request_id"`
}

func newTestEngine(t *testing.T) *flowrun.Engine {
	t.Helper()
	e, err := flowrun.New(nil, flowrun.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newTestServer(t *testing.T, backend Backend, opts Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(backend, opts))
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeAPI(t *testing.T, data []byte) apiResponse {
	t.Helper()
	var out apiResponse
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

// degradedBackend reports an open breaker and a failing dependency.
type degradedBackend struct {
	Backend
}

func (degradedBackend) HealthCheck() llm.ClientHealth {
	return llm.ClientHealth{Healthy: false, CircuitBreakerState: circuitbreaker.StateOpen}
}

func (degradedBackend) Ready(context.Context) error { return errors.New("redis: connection refused") }

func TestHealth(t *testing.T) {
	srv := newTestServer(t, newTestEngine(t), Options{})

	for _, path := range []string{"/health", "/healthz"} {
		resp, data := doRequest(t, http.MethodGet, srv.URL+path, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body healthResponse
		require.NoError(t, json.Unmarshal(data, &body))
		assert.Equal(t, "healthy", body.Status)
		assert.True(t, body.Healthy)
		assert.Equal(t, "Closed", body.CircuitBreakerState)
		assert.NotEmpty(t, body.Uptime)
	}
}

func TestHealth_Degraded(t *testing.T) {
	srv := newTestServer(t, degradedBackend{Backend: newTestEngine(t)}, Options{})

	resp, data := doRequest(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body healthResponse
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "Open", body.CircuitBreakerState)

	resp, data = doRequest(t, http.MethodGet, srv.URL+"/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(data), "connection refused")
}

func TestReadyAndVersion(t *testing.T) {
	info := BuildInfo{Version: "1.2.3", GitCommit: "abc123"}
	srv := newTestServer(t, newTestEngine(t), Options{Version: info})

	resp, data := doRequest(t, http.MethodGet, srv.URL+"/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ready"}`, string(data))

	resp, data = doRequest(t, http.MethodGet, srv.URL+"/version", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got BuildInfo
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, info, got)
}

const echoDefinition = `{
  "definition": {
    "name": "greet",
    "nodes": [
      {"id": "ask", "type": "agent", "config": {"prompt": "hello {{.Vars.who}}"}},
      {"id": "done", "type": "passthrough"}
    ],
    "edges": [{"from": "ask", "to": "done"}]
  },
  "variables": {"who": "world"}
}`

func TestExecute_JSONDefinition(t *testing.T) {
	e := newTestEngine(t)
	srv := newTestServer(t, e, Options{})

	resp, data := doRequest(t, http.MethodPost, srv.URL+"/v1/executions", echoDefinition)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	out := decodeAPI(t, data)
	require.True(t, out.Success)
	assert.NotEmpty(t, out.RequestID)

	var view executionView
	require.NoError(t, json.Unmarshal(out.Data, &view))
	assert.Equal(t, "greet", view.WorkflowName)
	assert.Equal(t, "succeeded", string(view.Status))
	assert.Equal(t, "succeeded", string(view.Nodes["ask"].Status))
	assert.Equal(t, 1, view.Nodes["ask"].Attempts)
	ask, _ := view.Outputs["ask"].(map[string]any)
	assert.Equal(t, "echo: hello world", ask["content"])

	// 历史可按 ID 查询
	resp, data = doRequest(t, http.MethodGet, srv.URL+"/v1/executions/"+view.ExecutionID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), view.ExecutionID)

	assert.Equal(t, int64(1), e.Stats().Executor.Executions)
}

func TestExecute_YAMLString(t *testing.T) {
	srv := newTestServer(t, newTestEngine(t), Options{})

	body := `{"definition": "name: single\nnodes:\n  - id: only\n    type: passthrough\n"}`
	resp, data := doRequest(t, http.MethodPost, srv.URL+"/v1/executions", body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Contains(t, string(data), `"workflow_name":"single"`)
}

func TestExecute_BadRequests(t *testing.T) {
	srv := newTestServer(t, newTestEngine(t), Options{MaxBodyBytes: 512})

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed json", `{"definition":`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown field", `{"definition":{"name":"x","nodes":[{"id":"a"}]},"extra":1}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing definition", `{}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing name", `{"definition":{"nodes":[{"id":"a"}]}}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{
			"cycle",
			`{"definition":{"name":"loop","nodes":[{"id":"a"},{"id":"b"}],"edges":[{"from":"a","to":"b"},{"from":"b","to":"a"}]}}`,
			http.StatusBadRequest, "INVALID_REQUEST",
		},
		{"too large", `{"definition":"` + strings.Repeat("x", 1024) + `"}`, http.StatusRequestEntityTooLarge, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := doRequest(t, http.MethodPost, srv.URL+"/v1/executions", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(data))
			out := decodeAPI(t, data)
			assert.False(t, out.Success)
			require.NotNil(t, out.Error)
			assert.Equal(t, tt.code, out.Error.Code)
		})
	}
}

func TestExecutions_ListAndNotFound(t *testing.T) {
	srv := newTestServer(t, newTestEngine(t), Options{})

	for range 3 {
		resp, _ := doRequest(t, http.MethodPost, srv.URL+"/v1/executions", echoDefinition)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, data := doRequest(t, http.MethodGet, srv.URL+"/v1/executions?workflow=greet&status=succeeded&limit=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(decodeAPI(t, data).Data, &records))
	assert.Len(t, records, 2)

	resp, data = doRequest(t, http.MethodGet, srv.URL+"/v1/executions?workflow=other", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(decodeAPI(t, data).Data))

	resp, data = doRequest(t, http.MethodGet, srv.URL+"/v1/executions/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", decodeAPI(t, data).Error.Code)

	for _, q := range []string{"limit=0", "limit=abc", "status=bogus", "since=yesterday"} {
		resp, _ = doRequest(t, http.MethodGet, srv.URL+"/v1/executions?"+q, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestParseHistoryFilter_LimitCapped(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/executions?limit=10000&since=2026-01-02T03:04:05Z", nil)
	f, err := parseHistoryFilter(r)
	require.NoError(t, err)
	assert.Equal(t, maxListLimit, f.Limit)
	assert.Equal(t, 2026, f.Since.Year())

	f, err = parseHistoryFilter(httptest.NewRequest(http.MethodGet, "/v1/executions", nil))
	require.NoError(t, err)
	assert.Equal(t, defaultListLimit, f.Limit)
}

func TestStatsAndMetrics(t *testing.T) {
	e := newTestEngine(t)
	srv := newTestServer(t, e, Options{Gatherer: e.Gatherer(), Recorder: e.Metrics()})

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/v1/executions", echoDefinition)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data := doRequest(t, http.MethodGet, srv.URL+"/v1/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats flowrun.Stats
	require.NoError(t, json.Unmarshal(decodeAPI(t, data).Data, &stats))
	assert.Equal(t, int64(1), stats.Executor.Executions)
	assert.Equal(t, int64(1), stats.Client.TotalRequests)

	resp, data = doRequest(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	text := string(data)
	assert.Contains(t, text, "flowrun_workflow_executions_total")
	assert.Contains(t, text, `flowrun_http_requests_total{method="POST",path="/v1/executions",status="2xx"} 1`)
}

func TestMetricsRouteDisabledWithoutGatherer(t *testing.T) {
	srv := newTestServer(t, newTestEngine(t), Options{})
	resp, _ := doRequest(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, newTestEngine(t), Options{})
	resp, _ := doRequest(t, http.MethodDelete, srv.URL+"/v1/executions", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
