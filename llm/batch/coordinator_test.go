package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/flowrun/config"
	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/llm/circuitbreaker"
	"github.com/BaSui01/flowrun/llm/retry"
	"github.com/BaSui01/flowrun/testutil"
	"github.com/BaSui01/flowrun/testutil/mocks"
	"github.com/BaSui01/flowrun/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient() *llm.ResilientClient {
	return llm.NewResilientClient(llm.ClientConfig{
		Name: "batch-test",
		Retry: retry.Config{
			MaxAttempts:       2,
			InitialDelay:      time.Millisecond,
			BackoffMultiplier: 2,
			MaxDelay:          2 * time.Millisecond,
		},
		CircuitBreaker: circuitbreaker.Config{Threshold: 50, RecoveryTimeout: time.Minute},
		CallTimeout:    time.Second,
	}, zap.NewNop())
}

type batchObserver struct {
	mu     sync.Mutex
	events [][3]int
}

func (o *batchObserver) ObserveBatch(items, succeeded, failed int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, [3]int{items, succeeded, failed})
}

func TestRun_EmptyBatch(t *testing.T) {
	c := NewCoordinator(DefaultConfig(), nil, zap.NewNop())

	resp, err := Run(testutil.TestContext(t), c, []int{}, func(ctx context.Context, n int) (int, error) {
		t.Fatal("must not be called")
		return 0, nil
	})
	assert.Nil(t, resp)
	require.ErrorIs(t, err, ErrEmptyBatch)
	assert.Equal(t, types.ErrBatchEmpty, types.CodeOf(err))
	assert.False(t, types.IsRetryable(err))
	assert.Zero(t, c.Stats().Batches)
}

func TestRun_ResultsFollowInputOrder(t *testing.T) {
	c := NewCoordinator(DefaultConfig(), nil, zap.NewNop())
	items := []int{0, 1, 2, 3, 4, 5}

	// later items finish first
	resp, err := Run(testutil.TestContext(t), c, items, func(ctx context.Context, n int) (string, error) {
		time.Sleep(time.Duration(len(items)-n) * 5 * time.Millisecond)
		return fmt.Sprintf("item-%d", n), nil
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, len(items))
	for i, r := range resp.Results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, fmt.Sprintf("item-%d", i), r.Value)
		assert.True(t, r.OK())
		assert.Greater(t, r.Latency, time.Duration(0))
	}
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, 6, resp.Stats.SuccessfulCount)
	assert.Empty(t, resp.Errors())
}

func TestRun_PartialSuccess(t *testing.T) {
	obs := &batchObserver{}
	c := NewCoordinator(DefaultConfig(), nil, zap.NewNop(), WithObserver(obs))
	boom := errors.New("boom")

	resp, err := Run(testutil.TestContext(t), c, []int{1, 2, 3, 4}, func(ctx context.Context, n int) (int, error) {
		if n%2 == 0 {
			return 0, boom
		}
		return n * 10, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 0, 30, 0}, resp.Values())
	errs := resp.Errors()
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[1], boom)
	assert.ErrorIs(t, errs[3], boom)
	assert.ErrorIs(t, resp.FirstError(), boom)

	assert.Equal(t, BatchStats{
		TotalItems:      4,
		SuccessfulCount: 2,
		FailedCount:     2,
		AvgLatency:      resp.Stats.AvgLatency,
		Duration:        resp.Stats.Duration,
	}, resp.Stats)
	assert.Equal(t, [][3]int{{4, 2, 2}}, obs.events)
}

func TestRun_AllFailed(t *testing.T) {
	c := NewCoordinator(DefaultConfig(), nil, zap.NewNop())

	resp, err := Run(testutil.TestContext(t), c, []string{"a", "b"}, func(ctx context.Context, s string) (int, error) {
		return 0, types.NewInvalidRequestError("bad " + s)
	})
	require.ErrorIs(t, err, ErrAllFailed)
	assert.Equal(t, types.ErrBatchFailed, types.CodeOf(err))
	require.NotNil(t, resp)
	assert.Equal(t, 2, resp.Stats.FailedCount)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Batches)
	assert.Equal(t, int64(1), stats.FailedBatches)
	assert.Equal(t, int64(2), stats.Failed)
}

func TestRun_RespectsMaxConcurrency(t *testing.T) {
	c := NewCoordinator(DefaultConfig(), nil, zap.NewNop())

	var inFlight, peak atomic.Int32
	items := make([]int, 12)
	_, err := Run(testutil.TestContext(t), c, items, func(ctx context.Context, _ int) (int, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return 0, nil
	}, WithMaxConcurrency(3))
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int32(3), peak.Load())
}

func TestRun_Timeout(t *testing.T) {
	c := NewCoordinator(DefaultConfig(), nil, zap.NewNop())

	start := time.Now()
	resp, err := Run(testutil.TestContext(t), c, []int{0, 1, 2}, func(ctx context.Context, n int) (int, error) {
		if n == 0 {
			return 42, nil
		}
		<-ctx.Done()
		return 0, ctx.Err()
	}, WithTimeout(30*time.Millisecond))

	require.ErrorIs(t, err, ErrBatchTimeout)
	assert.Less(t, time.Since(start), time.Second)
	require.NotNil(t, resp)
	assert.Equal(t, 42, resp.Results[0].Value)
	assert.NoError(t, resp.Results[0].Err)
	assert.Error(t, resp.Results[1].Err)
	assert.Error(t, resp.Results[2].Err)
	assert.Equal(t, int64(1), c.Stats().TimedOutBatches)
}

func TestRun_TimeoutWithStuckItem(t *testing.T) {
	c := NewCoordinator(DefaultConfig(), nil, zap.NewNop())
	release := make(chan struct{})
	defer close(release)

	resp, err := Run(testutil.TestContext(t), c, []int{0, 1}, func(ctx context.Context, n int) (int, error) {
		if n == 1 {
			<-release // ignores ctx
		}
		return n, nil
	}, WithTimeout(20*time.Millisecond))

	require.ErrorIs(t, err, ErrBatchTimeout)
	assert.NoError(t, resp.Results[0].Err)
	assert.Equal(t, types.ErrTimeout, types.CodeOf(resp.Results[1].Err))
}

func TestRun_ParentCancellation(t *testing.T) {
	c := NewCoordinator(DefaultConfig(), nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	resp, err := Run(ctx, c, []int{1, 2}, func(ctx context.Context, _ int) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrCanceled, types.CodeOf(err))
	assert.NotErrorIs(t, err, ErrBatchTimeout)
	assert.Len(t, resp.Results, 2)
}

func TestRun_PanicIsIsolated(t *testing.T) {
	c := NewCoordinator(DefaultConfig(), nil, zap.NewNop())

	resp, err := Run(testutil.TestContext(t), c, []int{0, 1}, func(ctx context.Context, n int) (int, error) {
		if n == 1 {
			panic("bad item")
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, resp.Results[0].Value)
	assert.Equal(t, types.ErrInternal, types.CodeOf(resp.Results[1].Err))
}

func TestRun_ThroughClientRetriesPerItem(t *testing.T) {
	client := newTestClient()
	c := NewCoordinator(DefaultConfig(), client, zap.NewNop())

	var attempts [3]atomic.Int32
	resp, err := Run(testutil.TestContext(t), c, []int{0, 1, 2}, func(ctx context.Context, n int) (int, error) {
		if attempts[n].Add(1) == 1 && n == 1 {
			return 0, types.NewNetworkError("reset", nil)
		}
		return n, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, resp.Values())
	assert.Equal(t, int32(2), attempts[1].Load())
	assert.Equal(t, int64(4), client.Stats().TotalRequests)
}

func TestEmbedBatchParallel_PartialFailureRunsConcurrently(t *testing.T) {
	const itemDelay = 50 * time.Millisecond
	provider := mocks.NewMockProvider().WithEmbedFunc(func(ctx context.Context, texts []string) ([][]float32, error) {
		time.Sleep(itemDelay)
		if texts[0] == "three" {
			return nil, types.NewInvalidRequestError("unsupported input")
		}
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{float32(len(texts[i]))}
		}
		return out, nil
	})
	c := NewCoordinator(DefaultConfig(), newTestClient(), zap.NewNop())

	requests := [][]string{{"zero"}, {"one"}, {"two"}, {"three"}, {"four"}}
	start := time.Now()
	resp, err := EmbedBatchParallel(testutil.TestContext(t), c, provider, requests)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 4, resp.Stats.SuccessfulCount)
	assert.Equal(t, 1, resp.Stats.FailedCount)
	errs := resp.Errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs, 3)
	assert.Equal(t, [][]float32{{4}}, resp.Results[0].Value)
	assert.Equal(t, [][]float32{{4}}, resp.Results[4].Value)

	assert.GreaterOrEqual(t, elapsed, itemDelay)
	assert.Less(t, elapsed, 4*itemDelay, "items must run concurrently")
}

func TestEmbedBatchParallel_EmptySubRequestFailsItsItemOnly(t *testing.T) {
	provider := mocks.NewMockProvider()
	c := NewCoordinator(DefaultConfig(), nil, zap.NewNop())

	resp, err := EmbedBatchParallel(testutil.TestContext(t), c, provider, [][]string{{"a"}, {}})
	require.NoError(t, err)
	assert.Equal(t, types.ErrBatchEmpty, types.CodeOf(resp.Results[1].Err))
	assert.Equal(t, 1, provider.EmbedCalls())
}

func TestEmbedTexts_FlattensInOrder(t *testing.T) {
	provider := mocks.NewMockProvider().WithEmbedFunc(func(ctx context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, s := range texts {
			out[i] = []float32{float32(s[0])}
		}
		return out, nil
	})
	c := NewCoordinator(Config{MaxConcurrency: 2, BatchSize: 2}, nil, zap.NewNop())

	vecs, err := EmbedTexts(testutil.TestContext(t), c, provider, []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{'a'}, {'b'}, {'c'}, {'d'}, {'e'}}, vecs)
	assert.Equal(t, 3, provider.EmbedCalls())

	_, err = EmbedTexts(testutil.TestContext(t), c, provider, nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestEmbedTexts_AnyChunkFailureFails(t *testing.T) {
	provider := mocks.NewMockProvider().WithErrorSequence(nil, types.NewAuthError("denied"))
	c := NewCoordinator(Config{MaxConcurrency: 1, BatchSize: 1}, nil, zap.NewNop())

	_, err := EmbedTexts(testutil.TestContext(t), c, provider, []string{"a", "b"})
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthentication, types.CodeOf(err))
}

func TestChunkTexts(t *testing.T) {
	tests := []struct {
		name  string
		texts []string
		size  int
		want  [][]string
	}{
		{"even", []string{"a", "b", "c", "d"}, 2, [][]string{{"a", "b"}, {"c", "d"}}},
		{"remainder", []string{"a", "b", "c"}, 2, [][]string{{"a", "b"}, {"c"}}},
		{"larger size", []string{"a"}, 5, [][]string{{"a"}}},
		{"empty", nil, 3, [][]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChunkTexts(tt.texts, tt.size))
		})
	}
}

func TestFromConfig(t *testing.T) {
	section := config.BatchConfig{MaxConcurrency: 4, Timeout: time.Second, BatchSize: 16}

	cfg := FromConfig(section, config.ModeProfile{})
	assert.Equal(t, Config{MaxConcurrency: 4, Timeout: time.Second, BatchSize: 16}, cfg)

	cfg = FromConfig(section, config.ModeProfile{BatchConcurrency: 8, BatchSize: 64})
	assert.Equal(t, 8, cfg.MaxConcurrency)
	assert.Equal(t, 64, cfg.BatchSize)

	cfg = FromConfig(config.BatchConfig{}, config.ModeProfile{})
	assert.Equal(t, DefaultConfig(), cfg)
}
