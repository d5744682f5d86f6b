package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/flowrun/internal/pool"
	"github.com/BaSui01/flowrun/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingModel struct {
	delay time.Duration
	err   error
}

func (b *blockingModel) Name() string { return "blocking" }

func (b *blockingModel) CompleteBlocking(req *llm.ChatRequest) (*llm.ChatResponse, error) {
	time.Sleep(b.delay)
	if b.err != nil {
		return nil, b.err
	}
	return &llm.ChatResponse{
		ID:    "blk-1",
		Model: req.Model,
		Choices: []llm.ChatChoice{{
			Message:      llm.Message{Role: llm.RoleAssistant, Content: "done"},
			FinishReason: "stop",
		}},
	}, nil
}

func (b *blockingModel) EmbedBlocking(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i)}
	}
	return out, nil
}

func newTestPool(t *testing.T) *pool.BlockingPool {
	t.Helper()
	p := pool.New(pool.Config{MaxWorkers: 2, QueueSize: 4, IdleTimeout: time.Second})
	t.Cleanup(p.Close)
	return p
}

func TestOffloadProvider_Completion(t *testing.T) {
	p := llm.NewOffloadProvider(&blockingModel{}, newTestPool(t))

	resp, err := p.Completion(context.Background(), chatRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content())
	assert.Equal(t, "blocking", p.Name())
	assert.False(t, llm.IsLocal(p))
}

func TestOffloadProvider_Error(t *testing.T) {
	boom := errors.New("boom")
	p := llm.NewOffloadProvider(&blockingModel{err: boom}, newTestPool(t))

	_, err := p.Completion(context.Background(), chatRequest("hi"))
	assert.ErrorIs(t, err, boom)
}

func TestOffloadProvider_StreamSingleChunk(t *testing.T) {
	p := llm.NewOffloadProvider(&blockingModel{}, newTestPool(t))

	ch, err := p.Stream(context.Background(), chatRequest("hi"))
	require.NoError(t, err)
	resp, err := llm.CollectStream(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content())
	assert.Equal(t, "blk-1", resp.ID)
}

func TestOffloadProvider_Embed(t *testing.T) {
	p := llm.NewOffloadProvider(&blockingModel{}, newTestPool(t))

	vecs, err := p.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0}, {1}}, vecs)
}

func TestOffloadProvider_CanceledWaitReturnsEarly(t *testing.T) {
	p := llm.NewOffloadProvider(&blockingModel{delay: 200 * time.Millisecond}, newTestPool(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Completion(ctx, chatRequest("hi"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}
