package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/flowrun/workflow"
)

// executionRow 执行记录表
type executionRow struct {
	ExecutionID  string    `gorm:"column:execution_id;primaryKey;size:64"`
	WorkflowName string    `gorm:"column:workflow_name;size:255;not null;index:idx_flowrun_executions_workflow"`
	Status       string    `gorm:"column:status;size:32;not null;index:idx_flowrun_executions_status"`
	StartedAt    time.Time `gorm:"column:started_at;not null;index:idx_flowrun_executions_started"`
	FinishedAt   time.Time `gorm:"column:finished_at"`
	DurationMs   int64     `gorm:"column:duration_ms;not null;default:0"`
	Error        string    `gorm:"column:error;type:text"`
}

func (executionRow) TableName() string { return "flowrun_executions" }

// nodeRecordRow 节点记录表，Position 保持图中的插入顺序
type nodeRecordRow struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement"`
	ExecutionID string    `gorm:"column:execution_id;size:64;not null;index:idx_flowrun_node_records_execution"`
	Position    int       `gorm:"column:position;not null"`
	NodeID      string    `gorm:"column:node_id;size:255;not null"`
	NodeType    string    `gorm:"column:node_type;size:64;not null"`
	Status      string    `gorm:"column:status;size:32;not null"`
	SkipReason  string    `gorm:"column:skip_reason;size:32"`
	Error       string    `gorm:"column:error;type:text"`
	Attempts    int       `gorm:"column:attempts;not null;default:0"`
	StartedAt   time.Time `gorm:"column:started_at"`
	FinishedAt  time.Time `gorm:"column:finished_at"`
	DurationMs  int64     `gorm:"column:duration_ms;not null;default:0"`
}

func (nodeRecordRow) TableName() string { return "flowrun_node_records" }

// HistoryStore 基于 GORM 的执行历史存储，实现 workflow.HistoryStore
type HistoryStore struct {
	pool   *PoolManager
	logger *zap.Logger
}

var _ workflow.HistoryStore = (*HistoryStore)(nil)

// NewHistoryStore 创建数据库执行历史存储
func NewHistoryStore(pool *PoolManager, logger *zap.Logger) (*HistoryStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryStore{
		pool:   pool,
		logger: logger.With(zap.String("component", "history_store")),
	}, nil
}

// AutoMigrate creates the history tables through gorm. Production
// deployments use the versioned migrations in internal/migration instead.
func (s *HistoryStore) AutoMigrate(ctx context.Context) error {
	return s.pool.DB().WithContext(ctx).AutoMigrate(&executionRow{}, &nodeRecordRow{})
}

// Save upserts the execution row and replaces its node rows in one transaction.
func (s *HistoryStore) Save(ctx context.Context, rec *workflow.ExecutionRecord) error {
	if rec == nil || rec.ExecutionID == "" {
		return errors.New("execution record requires an execution id")
	}
	row := toExecutionRow(rec)
	nodes := toNodeRows(rec)

	err := s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
		if err := tx.Where("execution_id = ?", rec.ExecutionID).Delete(&nodeRecordRow{}).Error; err != nil {
			return err
		}
		if len(nodes) == 0 {
			return nil
		}
		return tx.Create(&nodes).Error
	})
	if err != nil {
		return fmt.Errorf("save execution %s: %w", rec.ExecutionID, err)
	}
	return nil
}

// Get 按执行 ID 查询
func (s *HistoryStore) Get(ctx context.Context, executionID string) (*workflow.ExecutionRecord, error) {
	db := s.pool.DB().WithContext(ctx)

	var row executionRow
	if err := db.Where("execution_id = ?", executionID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, workflow.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("get execution %s: %w", executionID, err)
	}

	var nodes []nodeRecordRow
	if err := db.Where("execution_id = ?", executionID).Order("position ASC").Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("get node records %s: %w", executionID, err)
	}
	return fromRows(row, nodes), nil
}

// List 按过滤条件查询，最新的在前
func (s *HistoryStore) List(ctx context.Context, filter workflow.HistoryFilter) ([]*workflow.ExecutionRecord, error) {
	db := s.pool.DB().WithContext(ctx)

	q := db.Model(&executionRow{})
	if filter.WorkflowName != "" {
		q = q.Where("workflow_name = ?", filter.WorkflowName)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		q = q.Where("started_at >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		q = q.Where("started_at <= ?", filter.Until.UTC())
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []executionRow
	if err := q.Order("started_at DESC").Order("execution_id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ExecutionID
	}
	var nodes []nodeRecordRow
	if err := db.Where("execution_id IN ?", ids).Order("position ASC").Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("list node records: %w", err)
	}
	byExec := make(map[string][]nodeRecordRow, len(rows))
	for _, n := range nodes {
		byExec[n.ExecutionID] = append(byExec[n.ExecutionID], n)
	}

	out := make([]*workflow.ExecutionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRows(r, byExec[r.ExecutionID]))
	}
	return out, nil
}

// =============================================================================
// 🔁 行转换
// =============================================================================

func toExecutionRow(rec *workflow.ExecutionRecord) executionRow {
	return executionRow{
		ExecutionID:  rec.ExecutionID,
		WorkflowName: rec.WorkflowName,
		Status:       string(rec.Status),
		StartedAt:    rec.StartedAt.UTC(),
		FinishedAt:   rec.FinishedAt.UTC(),
		DurationMs:   rec.DurationMs,
		Error:        rec.Error,
	}
}

func toNodeRows(rec *workflow.ExecutionRecord) []nodeRecordRow {
	rows := make([]nodeRecordRow, len(rec.Nodes))
	for i, n := range rec.Nodes {
		rows[i] = nodeRecordRow{
			ExecutionID: rec.ExecutionID,
			Position:    i,
			NodeID:      n.NodeID,
			NodeType:    string(n.NodeType),
			Status:      string(n.Status),
			SkipReason:  string(n.SkipReason),
			Error:       n.Error,
			Attempts:    n.Attempts,
			StartedAt:   n.StartedAt.UTC(),
			FinishedAt:  n.FinishedAt.UTC(),
			DurationMs:  n.DurationMs,
		}
	}
	return rows
}

func fromRows(row executionRow, nodes []nodeRecordRow) *workflow.ExecutionRecord {
	rec := &workflow.ExecutionRecord{
		ExecutionID:  row.ExecutionID,
		WorkflowName: row.WorkflowName,
		Status:       workflow.ExecutionStatus(row.Status),
		StartedAt:    row.StartedAt,
		FinishedAt:   row.FinishedAt,
		DurationMs:   row.DurationMs,
		Error:        row.Error,
		Nodes:        make([]workflow.NodeRecord, len(nodes)),
	}
	for i, n := range nodes {
		rec.Nodes[i] = workflow.NodeRecord{
			NodeID:     n.NodeID,
			NodeType:   workflow.NodeType(n.NodeType),
			Status:     workflow.NodeStatus(n.Status),
			SkipReason: workflow.SkipReason(n.SkipReason),
			Error:      n.Error,
			Attempts:   n.Attempts,
			StartedAt:  n.StartedAt,
			FinishedAt: n.FinishedAt,
			DurationMs: n.DurationMs,
		}
	}
	return rec
}
