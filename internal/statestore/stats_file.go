package statestore

import (
	"fmt"
	"strings"
	"sync"

	"github.com/agentworkforce/tracksync/internal/fsutil"
	"github.com/agentworkforce/tracksync/internal/resilience"
)

// FileStatsStore persists the retry stats table so counters accumulate
// across CLI invocations. Merges re-read the file under path+".lock", so a
// watcher and a one-off sync can share it without losing increments.
type FileStatsStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStatsStore(path string) (*FileStatsStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileStatsStore{path: path}, nil
}

func (s *FileStatsStore) LoadStats() (map[string]resilience.RetryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *FileStatsStore) MergeStats(delta map[string]resilience.RetryStats) (map[string]resilience.RetryStats, error) {
	var merged map[string]resilience.RetryStats
	err := s.mutate(func(stats map[string]resilience.RetryStats) {
		mergeStats(stats, delta)
		merged = stats
	})
	return merged, err
}

func (s *FileStatsStore) ResetStats(key string) error {
	return s.mutate(func(stats map[string]resilience.RetryStats) {
		if key == "" {
			clear(stats)
			return
		}
		delete(stats, key)
	})
}

func (s *FileStatsStore) mutate(fn func(map[string]resilience.RetryStats)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return fmt.Errorf("lock stats: %w", err)
	}
	defer func() { _ = unlock() }()

	stats, err := s.readLocked()
	if err != nil {
		return err
	}
	fn(stats)
	return fsutil.WriteJSONAtomic(s.path, stats)
}

func (s *FileStatsStore) readLocked() (map[string]resilience.RetryStats, error) {
	stats := map[string]resilience.RetryStats{}
	if _, err := fsutil.ReadJSON(s.path, &stats); err != nil {
		return nil, err
	}
	if stats == nil {
		stats = map[string]resilience.RetryStats{}
	}
	return stats, nil
}

func mergeStats(into, delta map[string]resilience.RetryStats) {
	for key, d := range delta {
		st := into[key]
		st.OperationKey = key
		st.Add(d)
		into[key] = st
	}
}
