package statestore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/tracksync/internal/resilience"
	"github.com/agentworkforce/tracksync/internal/tracksync"
	"github.com/google/uuid"
)

// MemorySnapshotStore keeps JSON-cloned snapshots in memory so callers never
// share mutable state with the store.
type MemorySnapshotStore struct {
	mu    sync.Mutex
	snaps map[string][]byte
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: map[string][]byte{}}
}

func (s *MemorySnapshotStore) Load(entityID string) (*tracksync.SyncSnapshot, error) {
	s.mu.Lock()
	data, ok := s.snaps[entityID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var snap tracksync.SyncSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *MemorySnapshotStore) Save(entityID string, snapshot tracksync.SyncSnapshot) error {
	if strings.TrimSpace(entityID) == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[entityID] = data
	return nil
}

type MemoryDeferralLog struct {
	mu    sync.Mutex
	items map[string]tracksync.Deferral
	now   func() time.Time
}

func NewMemoryDeferralLog() *MemoryDeferralLog {
	return &MemoryDeferralLog{items: map[string]tracksync.Deferral{}, now: time.Now}
}

func (l *MemoryDeferralLog) Defer(report tracksync.ConflictReport) (string, error) {
	if strings.TrimSpace(report.EntityID) == "" {
		return "", fmt.Errorf("%w: deferral needs an entity id", ErrInvalidInput)
	}
	d := tracksync.Deferral{
		ID:         uuid.NewString(),
		EntityID:   report.EntityID,
		Report:     report,
		DeferredAt: l.now().UTC(),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[report.EntityID] = d
	return d.ID, nil
}

func (l *MemoryDeferralLog) Pending(entityID string) (tracksync.Deferral, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.items[entityID]
	return d, ok, nil
}

func (l *MemoryDeferralLog) Clear(entityID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.items, entityID)
	return nil
}

func (l *MemoryDeferralLog) List() ([]tracksync.Deferral, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]tracksync.Deferral, 0, len(l.items))
	for _, d := range l.items {
		out = append(out, d)
	}
	sortDeferrals(out)
	return out, nil
}

type MemoryOutbox struct {
	mu       sync.Mutex
	capacity int
	items    []tracksync.OutboxItem
}

func NewMemoryOutbox(capacity int) *MemoryOutbox {
	if capacity <= 0 {
		capacity = defaultOutboxCapacity
	}
	return &MemoryOutbox{capacity: capacity}
}

func (q *MemoryOutbox) Enqueue(item tracksync.OutboxItem) (tracksync.OutboxItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return tracksync.OutboxItem{}, ErrQueueFull
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	q.items = append(q.items, item)
	return item, nil
}

func (q *MemoryOutbox) Pending() ([]tracksync.OutboxItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]tracksync.OutboxItem(nil), q.items...), nil
}

func (q *MemoryOutbox) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

type MemoryStatsStore struct {
	mu    sync.Mutex
	stats map[string]resilience.RetryStats
}

func NewMemoryStatsStore() *MemoryStatsStore {
	return &MemoryStatsStore{stats: map[string]resilience.RetryStats{}}
}

func (s *MemoryStatsStore) LoadStats() (map[string]resilience.RetryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]resilience.RetryStats, len(s.stats))
	for key, value := range s.stats {
		out[key] = value
	}
	return out, nil
}

func (s *MemoryStatsStore) MergeStats(delta map[string]resilience.RetryStats) (map[string]resilience.RetryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mergeStats(s.stats, delta)
	out := make(map[string]resilience.RetryStats, len(s.stats))
	for key, value := range s.stats {
		out[key] = value
	}
	return out, nil
}

func (s *MemoryStatsStore) ResetStats(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" {
		clear(s.stats)
		return nil
	}
	delete(s.stats, key)
	return nil
}

func sortDeferrals(items []tracksync.Deferral) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].DeferredAt.Equal(items[j].DeferredAt) {
			return items[i].DeferredAt.Before(items[j].DeferredAt)
		}
		return items[i].EntityID < items[j].EntityID
	})
}
