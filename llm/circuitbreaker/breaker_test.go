package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/flowrun/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct{ nanos atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.nanos.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.nanos.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

var errUpstream = types.NewServerError("upstream down", 503)

func newTestBreaker(clock *fakeClock, transitions *[]string) *Breaker {
	cfg := Config{Threshold: 5, RecoveryTimeout: 60 * time.Second}
	if transitions != nil {
		var mu sync.Mutex
		cfg.OnStateChange = func(from, to State) {
			mu.Lock()
			defer mu.Unlock()
			*transitions = append(*transitions, from.String()+"->"+to.String())
		}
	}
	return New(cfg, zap.NewNop(), WithClock(clock.Now), WithName("test"))
}

func fail(ctx context.Context) error { return errUpstream }
func ok(ctx context.Context) error   { return nil }

// ---- State machine ----

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := newTestBreaker(clock, &transitions)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.Call(ctx, fail), errUpstream)
		assert.Equal(t, StateClosed, b.State())
		assert.Equal(t, i+1, b.Snapshot().ConsecutiveFailures)
	}
	require.ErrorIs(t, b.Call(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, b.State())

	invoked := false
	err := b.Call(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, types.ErrCircuitOpen, types.CodeOf(err))
	assert.False(t, invoked, "operation must not run while open")
	assert.Equal(t, int64(1), b.Snapshot().Rejected)
	assert.Equal(t, []string{"Closed->Open"}, transitions)
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(newFakeClock(), nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Call(ctx, fail)
	}
	require.NoError(t, b.Call(ctx, ok))
	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)

	for i := 0; i < 4; i++ {
		_ = b.Call(ctx, fail)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenSingleTrialSuccess(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := newTestBreaker(clock, &transitions)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	clock.Advance(59 * time.Second)
	require.ErrorIs(t, b.Call(ctx, ok), ErrCircuitOpen)

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	trial, err := b.Allow()
	require.NoError(t, err)
	assert.True(t, trial.Trial())

	// only one trial while the probe is in flight
	_, err = b.Allow()
	require.ErrorIs(t, err, ErrCircuitOpen)

	b.Success(trial)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)
	assert.Equal(t, []string{"Closed->Open", "Open->HalfOpen", "HalfOpen->Closed"}, transitions)
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	clock.Advance(61 * time.Second)
	require.ErrorIs(t, b.Call(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, b.State())

	// the timer restarted at the trial failure
	clock.Advance(30 * time.Second)
	require.ErrorIs(t, b.Call(ctx, ok), ErrCircuitOpen)
	clock.Advance(30 * time.Second)
	require.NoError(t, b.Call(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	b := newTestBreaker(newFakeClock(), nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = b.Call(ctx, func(ctx context.Context) error {
			return types.NewInvalidRequestError("bad prompt")
		})
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_ReleasedTrialAllowsAnotherProbe(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	clock.Advance(time.Minute)

	trial, err := b.Allow()
	require.NoError(t, err)
	b.Record(trial, context.Canceled)

	again, err := b.Allow()
	require.NoError(t, err)
	assert.True(t, again.Trial())
}

func TestBreaker_StaleOutcomesIgnored(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, nil)

	stale, err := b.Allow()
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	clock.Advance(time.Minute)
	require.NoError(t, b.Call(ctx, ok))
	require.Equal(t, StateClosed, b.State())

	// a permit from before the trip cannot count against the new generation
	b.Failure(stale)
	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_Reset(t *testing.T) {
	b := newTestBreaker(newFakeClock(), nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Call(ctx, ok))
}

func TestExecute_TypedResult(t *testing.T) {
	b := New(DefaultConfig(), nil)
	got, err := Execute(context.Background(), b, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Closed", StateClosed.String())
	assert.Equal(t, "Open", StateOpen.String())
	assert.Equal(t, "HalfOpen", StateHalfOpen.String())
	assert.Equal(t, "Unknown", State(9).String())
}

func TestState_TextRoundTrip(t *testing.T) {
	for _, s := range []State{StateClosed, StateOpen, StateHalfOpen} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("Melted")))
}

// ---- Concurrency ----

func TestBreaker_ConcurrentHalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, fail)
	}
	clock.Advance(time.Minute)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := b.Allow(); err == nil {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}

func TestBreaker_ConcurrentFailuresTripOnce(t *testing.T) {
	var opens atomic.Int32
	b := New(Config{
		Threshold:       5,
		RecoveryTimeout: time.Hour,
		OnStateChange: func(from, to State) {
			if to == StateOpen {
				opens.Add(1)
			}
		},
	}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Call(context.Background(), func(ctx context.Context) error {
				return errors.Join(errUpstream)
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, int32(1), opens.Load())
}
