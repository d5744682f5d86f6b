package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
)

// Response API 统一响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// writeJSON 写入 JSON 响应
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, r *http.Request, data any) {
	writeJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// writeError maps err to a status code and writes the error envelope.
// Server-side failures are logged; client errors are not.
func writeError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	status, info := classifyError(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("API error",
			zap.String("code", info.Code),
			zap.Int("status", status),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, Response{
		Success:   false,
		Error:     info,
		Timestamp: time.Now(),
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func classifyError(err error) (int, *ErrorInfo) {
	switch {
	case errors.Is(err, workflow.ErrExecutionNotFound):
		return http.StatusNotFound, &ErrorInfo{Code: "NOT_FOUND", Message: err.Error()}
	case isGraphError(err):
		return http.StatusBadRequest, &ErrorInfo{Code: string(types.ErrInvalidRequest), Message: err.Error()}
	}

	if e, ok := types.AsError(err); ok {
		status := e.HTTPStatus
		if status == 0 {
			status = statusForCode(e.Code)
		}
		return status, &ErrorInfo{Code: string(e.Code), Message: e.Message, Retryable: e.Retryable}
	}
	code := types.Classify(err)
	return statusForCode(code), &ErrorInfo{Code: string(code), Message: err.Error()}
}

func isGraphError(err error) bool {
	for _, target := range []error{
		workflow.ErrDuplicateNodeID,
		workflow.ErrDuplicateEdge,
		workflow.ErrMissingEdgeEndpoint,
		workflow.ErrNodeNotFound,
		workflow.ErrCycleDetected,
		workflow.ErrEmptyGraph,
		workflow.ErrNoEntryPoint,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func statusForCode(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest, types.ErrBatchEmpty:
		return http.StatusBadRequest
	case types.ErrAuthentication:
		return http.StatusUnauthorized
	case types.ErrRateLimit:
		return http.StatusTooManyRequests
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	case types.ErrCircuitOpen:
		return http.StatusServiceUnavailable
	case types.ErrNetwork, types.ErrServer, types.ErrBatchFailed:
		return http.StatusBadGateway
	case types.ErrCanceled:
		// nginx 约定的客户端断开状态码
		return 499
	default:
		return http.StatusInternalServerError
	}
}
