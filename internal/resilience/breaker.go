package resilience

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 300 * time.Second
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type CircuitBreakerState struct {
	OperationKey  string    `json:"operationKey"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failureCount"`
	LastFailureAt time.Time `json:"lastFailureAt,omitempty"`
}

func closedState(key string) CircuitBreakerState {
	return CircuitBreakerState{OperationKey: key, State: StateClosed}
}

// StateStore persists breaker state per operation key. LoadState returns a
// closed state for keys it has never seen.
type StateStore interface {
	LoadState(key string) (CircuitBreakerState, error)
	SaveState(key string, state CircuitBreakerState) error
}

// KeyLister is implemented by stores that can enumerate recorded keys.
type KeyLister interface {
	Keys() ([]string, error)
}

// AtomicStateStore performs a read-modify-write under the store's own lock
// so concurrent processes sharing the store never lose a transition. If fn
// returns an error nothing is written.
type AtomicStateStore interface {
	StateStore
	UpdateState(key string, fn func(*CircuitBreakerState) error) (CircuitBreakerState, error)
}

type BreakerOptions struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	Store            StateStore
	Now              func() time.Time
}

// Breaker is a per-key circuit breaker over a StateStore.
type Breaker struct {
	threshold    int
	resetTimeout time.Duration
	store        StateStore
	now          func() time.Time

	mu      sync.Mutex
	probing map[string]bool
}

func NewBreaker(opts BreakerOptions) *Breaker {
	threshold := opts.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	resetTimeout := opts.ResetTimeout
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStateStore()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		store:        store,
		now:          now,
		probing:      map[string]bool{},
	}
}

// Allow admits a call for key or returns *CircuitOpenError. An open breaker
// whose reset timeout has elapsed moves to half_open and admits exactly one
// trial call until its outcome is recorded.
func (b *Breaker) Allow(key string) error {
	now := b.now()
	state, err := b.update(key, func(st *CircuitBreakerState) error {
		if st.State != StateOpen {
			return nil
		}
		retryAt := st.LastFailureAt.Add(b.resetTimeout)
		if now.Before(retryAt) {
			return &CircuitOpenError{Key: key, RetryAt: retryAt}
		}
		st.State = StateHalfOpen
		return nil
	})
	if err != nil {
		return err
	}
	if state.State != StateHalfOpen {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.probing[key] {
		return &CircuitOpenError{Key: key}
	}
	b.probing[key] = true
	return nil
}

func (b *Breaker) RecordSuccess(key string) error {
	b.releaseTrial(key)
	_, err := b.update(key, func(st *CircuitBreakerState) error {
		st.State = StateClosed
		st.FailureCount = 0
		return nil
	})
	return err
}

func (b *Breaker) RecordFailure(key string) error {
	b.releaseTrial(key)
	now := b.now()
	_, err := b.update(key, func(st *CircuitBreakerState) error {
		st.FailureCount++
		st.LastFailureAt = now
		if st.State == StateHalfOpen || st.FailureCount >= b.threshold {
			st.State = StateOpen
		}
		return nil
	})
	return err
}

// releaseTrial forgets an in-flight trial call without recording an outcome,
// used when the caller gave up (cancellation).
func (b *Breaker) releaseTrial(key string) {
	b.mu.Lock()
	delete(b.probing, key)
	b.mu.Unlock()
}

func (b *Breaker) Status(key string) (CircuitBreakerState, error) {
	state, err := b.store.LoadState(key)
	if err != nil {
		return CircuitBreakerState{}, fmt.Errorf("load breaker state %s: %w", key, err)
	}
	return normalizeState(key, state), nil
}

// All returns the state of every recorded key when the store can list
// them.
func (b *Breaker) All() ([]CircuitBreakerState, error) {
	lister, ok := b.store.(KeyLister)
	if !ok {
		return nil, fmt.Errorf("breaker store %T cannot list keys", b.store)
	}
	keys, err := lister.Keys()
	if err != nil {
		return nil, err
	}
	states := make([]CircuitBreakerState, 0, len(keys))
	for _, key := range keys {
		st, err := b.Status(key)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

func (b *Breaker) update(key string, fn func(*CircuitBreakerState) error) (CircuitBreakerState, error) {
	if atomic, ok := b.store.(AtomicStateStore); ok {
		return atomic.UpdateState(key, func(st *CircuitBreakerState) error {
			*st = normalizeState(key, *st)
			return fn(st)
		})
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	state, err := b.store.LoadState(key)
	if err != nil {
		return CircuitBreakerState{}, fmt.Errorf("load breaker state %s: %w", key, err)
	}
	state = normalizeState(key, state)
	if err := fn(&state); err != nil {
		return state, err
	}
	if err := b.store.SaveState(key, state); err != nil {
		return state, fmt.Errorf("save breaker state %s: %w", key, err)
	}
	return state, nil
}

func normalizeState(key string, st CircuitBreakerState) CircuitBreakerState {
	st.OperationKey = key
	switch st.State {
	case StateClosed, StateOpen, StateHalfOpen:
	default:
		st.State = StateClosed
	}
	if st.FailureCount < 0 {
		st.FailureCount = 0
	}
	return st
}

// MemoryStateStore keeps breaker state in process memory.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]CircuitBreakerState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: map[string]CircuitBreakerState{}}
}

func (s *MemoryStateStore) LoadState(key string) (CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[key]; ok {
		return st, nil
	}
	return closedState(key), nil
}

func (s *MemoryStateStore) SaveState(key string, state CircuitBreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = state
	return nil
}

func (s *MemoryStateStore) UpdateState(key string, fn func(*CircuitBreakerState) error) (CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		st = closedState(key)
	}
	if err := fn(&st); err != nil {
		return st, err
	}
	s.states[key] = st
	return st, nil
}

func (s *MemoryStateStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.states))
	for key := range s.states {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
