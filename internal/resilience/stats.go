package resilience

import (
	"sort"
	"sync"
	"time"
)

type RetryStats struct {
	OperationKey    string    `json:"operationKey"`
	TotalAttempts   int64     `json:"totalAttempts"`
	TotalOperations int64     `json:"totalOperations"`
	SuccessCount    int64     `json:"successCount"`
	FailureCount    int64     `json:"failureCount"`
	RetryCount      int64     `json:"retryCount"`
	LastAttemptAt   time.Time `json:"lastAttemptAt,omitempty"`
}

// Add folds d's counters into s. LastAttemptAt keeps the later of the two.
func (s *RetryStats) Add(d RetryStats) {
	s.TotalAttempts += d.TotalAttempts
	s.TotalOperations += d.TotalOperations
	s.SuccessCount += d.SuccessCount
	s.FailureCount += d.FailureCount
	s.RetryCount += d.RetryCount
	if d.LastAttemptAt.After(s.LastAttemptAt) {
		s.LastAttemptAt = d.LastAttemptAt
	}
}

// StatsStore persists the stats table between processes. Writers only
// send the counts they added, so two processes sharing a store never
// overwrite each other's increments.
type StatsStore interface {
	LoadStats() (map[string]RetryStats, error)
	// MergeStats adds delta to the stored counters atomically and returns
	// the merged table.
	MergeStats(delta map[string]RetryStats) (map[string]RetryStats, error)
	// ResetStats clears key, or every key when key is empty.
	ResetStats(key string) error
}

// Stats accumulates RetryStats per operation key.
type Stats struct {
	mu      sync.Mutex
	byKey   map[string]*RetryStats
	pending map[string]*RetryStats
	store   StatsStore
}

// NewStats loads existing counters from store when one is given.
func NewStats(store StatsStore) (*Stats, error) {
	s := &Stats{byKey: map[string]*RetryStats{}, pending: map[string]*RetryStats{}, store: store}
	if store == nil {
		return s, nil
	}
	loaded, err := store.LoadStats()
	if err != nil {
		return nil, err
	}
	s.replace(loaded)
	return s, nil
}

func entry(m map[string]*RetryStats, key string) *RetryStats {
	st, ok := m[key]
	if !ok {
		st = &RetryStats{OperationKey: key}
		m[key] = st
	}
	return st
}

// update applies fn to the visible counters and, with a store, to the
// unsaved delta.
func (s *Stats) update(key string, fn func(*RetryStats)) {
	fn(entry(s.byKey, key))
	if s.store != nil {
		fn(entry(s.pending, key))
	}
}

func (s *Stats) recordAttempt(key string, retry bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.update(key, func(st *RetryStats) {
		st.TotalAttempts++
		if retry {
			st.RetryCount++
		}
		st.LastAttemptAt = at
	})
}

func (s *Stats) recordOutcome(key string, success bool) error {
	s.mu.Lock()
	s.update(key, func(st *RetryStats) {
		st.TotalOperations++
		if success {
			st.SuccessCount++
		} else {
			st.FailureCount++
		}
	})
	s.mu.Unlock()
	return s.persist()
}

func (s *Stats) Get(key string) RetryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.byKey[key]; ok {
		return *st
	}
	return RetryStats{OperationKey: key}
}

// All returns every key's counters sorted by key.
func (s *Stats) All() []RetryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RetryStats, 0, len(s.byKey))
	for _, st := range s.byKey {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperationKey < out[j].OperationKey })
	return out
}

// Reset clears the counters for key, or for every key when key is empty.
func (s *Stats) Reset(key string) error {
	s.mu.Lock()
	if key == "" {
		s.byKey = map[string]*RetryStats{}
		s.pending = map[string]*RetryStats{}
	} else {
		delete(s.byKey, key)
		delete(s.pending, key)
	}
	s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	return s.store.ResetStats(key)
}

// persist hands the unsaved delta to the store. A failed merge keeps the
// delta for the next attempt.
func (s *Stats) persist() error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	delta := make(map[string]RetryStats, len(s.pending))
	for key, st := range s.pending {
		delta[key] = *st
	}
	s.pending = map[string]*RetryStats{}
	s.mu.Unlock()
	if len(delta) == 0 {
		return nil
	}

	merged, err := s.store.MergeStats(delta)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		for key, d := range delta {
			entry(s.pending, key).Add(d)
		}
		return err
	}
	// Counts recorded while the merge ran are not in merged yet.
	s.replace(merged)
	for key, d := range s.pending {
		entry(s.byKey, key).Add(*d)
	}
	return nil
}

func (s *Stats) replace(table map[string]RetryStats) {
	s.byKey = make(map[string]*RetryStats, len(table))
	for key, value := range table {
		v := value
		v.OperationKey = key
		s.byKey[key] = &v
	}
}
