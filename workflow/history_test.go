package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryHistoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryHistoryStore(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		status := ExecutionStatusSucceeded
		if i%2 == 1 {
			status = ExecutionStatusFailed
		}
		require.NoError(t, store.Save(ctx, &ExecutionRecord{
			ExecutionID:  fmt.Sprintf("e%d", i),
			WorkflowName: "wf",
			Status:       status,
			StartedAt:    base.Add(time.Duration(i) * time.Minute),
			Nodes:        []NodeRecord{{NodeID: "a", Status: NodeStatusSucceeded}},
		}))
	}
	assert.Equal(t, 3, store.Len(), "oldest records are evicted")

	_, err := store.Get(ctx, "e0")
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	rec, err := store.Get(ctx, "e4")
	require.NoError(t, err)
	rec.Nodes[0].Status = NodeStatusFailed
	again, _ := store.Get(ctx, "e4")
	assert.Equal(t, NodeStatusSucceeded, again.Nodes[0].Status, "records are copied")

	all, err := store.List(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e4", all[0].ExecutionID)

	failed, err := store.List(ctx, HistoryFilter{Status: ExecutionStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "e3", failed[0].ExecutionID)

	recent, err := store.List(ctx, HistoryFilter{Since: base.Add(3 * time.Minute), Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "e4", recent[0].ExecutionID)

	none, err := store.List(ctx, HistoryFilter{WorkflowName: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.Error(t, store.Save(ctx, &ExecutionRecord{}))
}
