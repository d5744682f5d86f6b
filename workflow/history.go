package workflow

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrExecutionNotFound is returned by HistoryStore.Get for unknown ids.
var ErrExecutionNotFound = errors.New("execution not found")

// NodeRecord 单个节点的执行记录
type NodeRecord struct {
	NodeID     string     `json:"node_id"`
	NodeType   NodeType   `json:"node_type"`
	Status     NodeStatus `json:"status"`
	SkipReason SkipReason `json:"skip_reason,omitempty"`
	Error      string     `json:"error,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitzero"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
	DurationMs int64      `json:"duration_ms"`
}

// ExecutionRecord is the persisted summary of one execution. Nodes are in
// graph insertion order.
type ExecutionRecord struct {
	ExecutionID  string          `json:"execution_id"`
	WorkflowName string          `json:"workflow_name"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	DurationMs   int64           `json:"duration_ms"`
	Error        string          `json:"error,omitempty"`
	Nodes        []NodeRecord    `json:"nodes"`
}

// Node returns the record for nodeID.
func (r *ExecutionRecord) Node(nodeID string) (NodeRecord, bool) {
	for _, n := range r.Nodes {
		if n.NodeID == nodeID {
			return n, true
		}
	}
	return NodeRecord{}, false
}

// HistoryFilter selects records for List. Zero fields match everything.
type HistoryFilter struct {
	WorkflowName string
	Status       ExecutionStatus
	Since        time.Time
	Until        time.Time
	Limit        int
}

// Match reports whether r passes the filter, ignoring Limit.
func (f HistoryFilter) Match(r *ExecutionRecord) bool {
	if f.WorkflowName != "" && r.WorkflowName != f.WorkflowName {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && r.StartedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.StartedAt.After(f.Until) {
		return false
	}
	return true
}

// HistoryStore persists execution records. The memory store below and the
// gorm store in internal/database implement it.
type HistoryStore interface {
	Save(ctx context.Context, rec *ExecutionRecord) error
	Get(ctx context.Context, executionID string) (*ExecutionRecord, error)
	// List returns matching records, newest first.
	List(ctx context.Context, filter HistoryFilter) ([]*ExecutionRecord, error)
}

// MemoryHistoryStore 内存执行历史，超过容量时淘汰最早的记录
type MemoryHistoryStore struct {
	mu         sync.RWMutex
	records    map[string]*ExecutionRecord
	order      []string
	maxEntries int
}

// NewMemoryHistoryStore keeps at most maxEntries records; <= 0 means 1000.
func NewMemoryHistoryStore(maxEntries int) *MemoryHistoryStore {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &MemoryHistoryStore{
		records:    make(map[string]*ExecutionRecord),
		maxEntries: maxEntries,
	}
}

// Save stores a copy of rec.
func (s *MemoryHistoryStore) Save(_ context.Context, rec *ExecutionRecord) error {
	if rec == nil || rec.ExecutionID == "" {
		return errors.New("execution record requires an execution id")
	}
	cp := *rec
	cp.Nodes = slices.Clone(rec.Nodes)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ExecutionID]; !exists {
		s.order = append(s.order, rec.ExecutionID)
	}
	s.records[rec.ExecutionID] = &cp
	for len(s.order) > s.maxEntries {
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

// Get 按执行 ID 查询
func (s *MemoryHistoryStore) Get(_ context.Context, executionID string) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	cp := *rec
	cp.Nodes = slices.Clone(rec.Nodes)
	return &cp, nil
}

// List 按过滤条件查询，最新的在前
func (s *MemoryHistoryStore) List(_ context.Context, filter HistoryFilter) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionRecord
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.records[s.order[i]]
		if !filter.Match(rec) {
			continue
		}
		cp := *rec
		cp.Nodes = slices.Clone(rec.Nodes)
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *MemoryHistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
