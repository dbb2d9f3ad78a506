package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transientErr struct{ retryAfter time.Duration }

func (e transientErr) Error() string                  { return "remote timed out" }
func (e transientErr) Transient() bool                { return true }
func (e transientErr) RetryAfterHint() time.Duration { return e.retryAfter }

var errPermanent = errors.New("validation failed")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestInvoker(t *testing.T, policy RetryPolicy) (*Invoker, *fakeClock, *sleepRecorder) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sleeper := &sleepRecorder{}
	inv := New(Options{
		Retry:   policy,
		Breaker: NewBreaker(BreakerOptions{Now: clock.Now}),
		Now:     clock.Now,
		Sleep:   sleeper.Sleep,
		Rand:    func() float64 { return 0.5 },
	})
	return inv, clock, sleeper
}

func TestCallAttemptCounts(t *testing.T) {
	tests := []struct {
		name         string
		maxRetries   int
		err          error
		wantAttempts int
		wantErr      error
	}{
		{name: "transient retried max plus one", maxRetries: 3, err: transientErr{}, wantAttempts: 4, wantErr: ErrRetriesExhausted},
		{name: "transient with one retry", maxRetries: 1, err: transientErr{}, wantAttempts: 2, wantErr: ErrRetriesExhausted},
		{name: "permanent stops at once", maxRetries: 3, err: errPermanent, wantAttempts: 1, wantErr: errPermanent},
		{name: "deadline counts as transient", maxRetries: 2, err: context.DeadlineExceeded, wantAttempts: 3, wantErr: ErrRetriesExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, _, sleeper := newTestInvoker(t, RetryPolicy{MaxRetries: tt.maxRetries, BaseDelay: time.Second})
			calls := 0
			out, err := inv.Call(context.Background(), "fetch-task", func(context.Context) error {
				calls++
				return tt.err
			}, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantAttempts, calls)
			assert.Equal(t, tt.wantAttempts, out.Attempts)
			assert.Len(t, sleeper.delays, tt.wantAttempts-1)

			stats := inv.Stats().Get("fetch-task")
			assert.EqualValues(t, tt.wantAttempts, stats.TotalAttempts)
			assert.EqualValues(t, tt.wantAttempts-1, stats.RetryCount)
			assert.EqualValues(t, 1, stats.TotalOperations)
			assert.EqualValues(t, 1, stats.FailureCount)

			state, err := inv.Status("fetch-task")
			require.NoError(t, err)
			assert.Equal(t, 1, state.FailureCount, "one breaker failure per call")
		})
	}
}

func TestCallRecoversAfterTransientFailure(t *testing.T) {
	inv, _, sleeper := newTestInvoker(t, RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2})
	calls := 0
	out, err := inv.Call(context.Background(), "update-task", func(context.Context) error {
		calls++
		if calls < 3 {
			return transientErr{}
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
	assert.False(t, out.Degraded)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)

	stats := inv.Stats().Get("update-task")
	assert.EqualValues(t, 1, stats.SuccessCount)
	assert.EqualValues(t, 0, stats.FailureCount)
	state, err := inv.Status("update-task")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state.State)
	assert.Zero(t, state.FailureCount)
}

func TestCallHonoursRetryAfterHint(t *testing.T) {
	inv, _, sleeper := newTestInvoker(t, RetryPolicy{MaxRetries: 1, BaseDelay: time.Second, MaxDelay: 10 * time.Second})
	_, err := inv.Call(context.Background(), "fetch-task", func(context.Context) error {
		return transientErr{retryAfter: time.Minute}
	}, nil)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, []time.Duration{10 * time.Second}, sleeper.delays, "hint is capped at max delay")
}

func TestBreakerOpensAfterThresholdAndShortCircuits(t *testing.T) {
	inv, _, _ := newTestInvoker(t, RetryPolicy{MaxRetries: -1})
	calls := 0
	timeout := func(context.Context) error {
		calls++
		return context.DeadlineExceeded
	}
	for i := 0; i < 5; i++ {
		_, err := inv.Call(context.Background(), "update-epic", timeout, nil)
		require.ErrorIs(t, err, ErrRetriesExhausted)
	}
	state, err := inv.Status("update-epic")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state.State)
	assert.Equal(t, 5, state.FailureCount)

	_, err = inv.Call(context.Background(), "update-epic", timeout, nil)
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "update-epic", openErr.Key)
	assert.Equal(t, 5, calls, "remote must not be called while the circuit is open")

	other, err := inv.Status("update-task")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, other.State, "breakers are per operation key")
}

func TestBreakerHalfOpenTrialCall(t *testing.T) {
	inv, clock, _ := newTestInvoker(t, RetryPolicy{MaxRetries: -1})
	fail := func(context.Context) error { return transientErr{} }
	for i := 0; i < DefaultFailureThreshold; i++ {
		_, _ = inv.Call(context.Background(), "fetch-epic", fail, nil)
	}
	clock.Advance(DefaultResetTimeout)

	// Failed trial call reopens with a fresh timer.
	_, err := inv.Call(context.Background(), "fetch-epic", fail, nil)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	state, _ := inv.Status("fetch-epic")
	assert.Equal(t, StateOpen, state.State)
	assert.Equal(t, clock.Now(), state.LastFailureAt)

	_, err = inv.Call(context.Background(), "fetch-epic", func(context.Context) error { return nil }, nil)
	require.ErrorIs(t, err, ErrCircuitOpen)

	clock.Advance(DefaultResetTimeout)
	_, err = inv.Call(context.Background(), "fetch-epic", func(context.Context) error { return nil }, nil)
	require.NoError(t, err)
	state, _ = inv.Status("fetch-epic")
	assert.Equal(t, StateClosed, state.State)
	assert.Zero(t, state.FailureCount)
}

func TestHalfOpenAdmitsSingleTrialCall(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStateStore()
	require.NoError(t, store.SaveState("update-task", CircuitBreakerState{
		OperationKey:  "update-task",
		State:         StateOpen,
		FailureCount:  5,
		LastFailureAt: clock.Now().Add(-DefaultResetTimeout),
	}))
	b := NewBreaker(BreakerOptions{Store: store, Now: clock.Now})

	require.NoError(t, b.Allow("update-task"))
	require.ErrorIs(t, b.Allow("update-task"), ErrCircuitOpen)
	require.NoError(t, b.RecordSuccess("update-task"))
	require.NoError(t, b.Allow("update-task"))
}

func TestCallFallbackMarksDegraded(t *testing.T) {
	inv, _, _ := newTestInvoker(t, RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond})
	fallbackRan := false
	out, err := inv.Call(context.Background(), "update-task",
		func(context.Context) error { return transientErr{} },
		func(context.Context) error { fallbackRan = true; return nil })
	require.NoError(t, err)
	assert.True(t, fallbackRan)
	assert.True(t, out.Degraded)
	assert.Equal(t, ViaFallback, out.Via)
	assert.Equal(t, 3, out.Attempts)
}

func TestCallFallbackNotUsedForPermanentErrors(t *testing.T) {
	inv, _, _ := newTestInvoker(t, RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond})
	fallbackRan := false
	_, err := inv.Call(context.Background(), "update-task",
		func(context.Context) error { return errPermanent },
		func(context.Context) error { fallbackRan = true; return nil })
	require.ErrorIs(t, err, errPermanent)
	assert.False(t, fallbackRan)
}

func TestCallFallbackFailure(t *testing.T) {
	inv, _, _ := newTestInvoker(t, RetryPolicy{MaxRetries: -1})
	_, err := inv.Call(context.Background(), "update-task",
		func(context.Context) error { return transientErr{} },
		func(context.Context) error { return errors.New("outbox full") })
	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.EqualError(t, exhausted.FallbackErr, "outbox full")
}

func TestCallCancellationIsDistinct(t *testing.T) {
	inv := New(Options{Retry: RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour}})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := inv.Call(ctx, "fetch-task", func(context.Context) error {
			calls++
			return transientErr{}
		}, nil)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCanceled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrRetriesExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return after cancellation")
	}
	assert.Equal(t, 1, calls)
}

func TestCallRejectsCanceledContextUpFront(t *testing.T) {
	inv, _, _ := newTestInvoker(t, RetryPolicy{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err := inv.Call(ctx, "fetch-task", func(context.Context) error { called = true; return nil }, nil)
	require.ErrorIs(t, err, ErrCanceled)
	assert.False(t, called)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Delay(1, 0.5))
	assert.Equal(t, 2*time.Second, p.Delay(2, 0.5))
	assert.Equal(t, 4*time.Second, p.Delay(3, 0.5))
	assert.Equal(t, 30*time.Second, p.Delay(10, 0.5))
	assert.Equal(t, 750*time.Millisecond, p.Delay(1, 0))
	assert.Equal(t, 1250*time.Millisecond, p.Delay(1, 1))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(transientErr{}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(errPermanent))
	assert.False(t, IsTransient(nil))
}

type memoryStatsStore struct {
	saved map[string]RetryStats
}

func (m *memoryStatsStore) LoadStats() (map[string]RetryStats, error) { return m.saved, nil }

func (m *memoryStatsStore) MergeStats(delta map[string]RetryStats) (map[string]RetryStats, error) {
	for key, d := range delta {
		st := m.saved[key]
		st.OperationKey = key
		st.Add(d)
		m.saved[key] = st
	}
	return m.saved, nil
}

func (m *memoryStatsStore) ResetStats(key string) error {
	if key == "" {
		m.saved = map[string]RetryStats{}
		return nil
	}
	delete(m.saved, key)
	return nil
}

func TestStatsPersistAndReset(t *testing.T) {
	store := &memoryStatsStore{saved: map[string]RetryStats{"fetch-task": {TotalOperations: 7}}}
	stats, err := NewStats(store)
	require.NoError(t, err)
	inv := New(Options{Stats: stats, Retry: RetryPolicy{MaxRetries: -1}})

	_, err = inv.Call(context.Background(), "fetch-task", func(context.Context) error { return nil }, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 8, store.saved["fetch-task"].TotalOperations)

	require.NoError(t, stats.Reset("fetch-task"))
	assert.Empty(t, stats.All())
	assert.Empty(t, store.saved)
}

func TestStatsPersistMergesOtherWriters(t *testing.T) {
	store := &memoryStatsStore{saved: map[string]RetryStats{}}
	first, err := NewStats(store)
	require.NoError(t, err)
	second, err := NewStats(store)
	require.NoError(t, err)
	ok := func(context.Context) error { return nil }

	_, err = New(Options{Stats: first, Retry: RetryPolicy{MaxRetries: -1}}).Call(context.Background(), "fetch-task", ok, nil)
	require.NoError(t, err)
	_, err = New(Options{Stats: second, Retry: RetryPolicy{MaxRetries: -1}}).Call(context.Background(), "fetch-task", ok, nil)
	require.NoError(t, err)

	assert.EqualValues(t, 2, store.saved["fetch-task"].TotalOperations)
	assert.EqualValues(t, 2, second.Get("fetch-task").SuccessCount)
}
