package statestore

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/tracksync/internal/fsutil"
	"github.com/agentworkforce/tracksync/internal/resilience"
)

type fileBreakerState struct {
	States map[string]resilience.CircuitBreakerState `json:"states"`
}

// FileBreakerStore keeps every breaker in one JSON file. Read-modify-write
// cycles hold an in-process mutex and an advisory lock on path+".lock", so
// CLI invocations and a long-running server can share the file.
type FileBreakerStore struct {
	path string
	mu   sync.Mutex
}

func NewFileBreakerStore(path string) (*FileBreakerStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileBreakerStore{path: path}, nil
}

func (s *FileBreakerStore) LoadState(key string) (resilience.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.readLocked()
	if err != nil {
		return resilience.CircuitBreakerState{}, err
	}
	if st, ok := state.States[key]; ok {
		return st, nil
	}
	return resilience.CircuitBreakerState{OperationKey: key, State: resilience.StateClosed}, nil
}

func (s *FileBreakerStore) SaveState(key string, st resilience.CircuitBreakerState) error {
	_, err := s.UpdateState(key, func(current *resilience.CircuitBreakerState) error {
		*current = st
		return nil
	})
	return err
}

func (s *FileBreakerStore) UpdateState(key string, fn func(*resilience.CircuitBreakerState) error) (resilience.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return resilience.CircuitBreakerState{}, fmt.Errorf("lock breaker store: %w", err)
	}
	defer func() { _ = unlock() }()

	state, err := s.readLocked()
	if err != nil {
		return resilience.CircuitBreakerState{}, err
	}
	st, ok := state.States[key]
	if !ok {
		st = resilience.CircuitBreakerState{OperationKey: key, State: resilience.StateClosed}
	}
	if err := fn(&st); err != nil {
		return st, err
	}
	st.OperationKey = key
	state.States[key] = st
	if err := fsutil.WriteJSONAtomic(s.path, state); err != nil {
		return st, err
	}
	return st, nil
}

func (s *FileBreakerStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(state.States))
	for key := range state.States {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileBreakerStore) readLocked() (fileBreakerState, error) {
	state := fileBreakerState{}
	if _, err := fsutil.ReadJSON(s.path, &state); err != nil {
		return fileBreakerState{}, err
	}
	if state.States == nil {
		state.States = map[string]resilience.CircuitBreakerState{}
	}
	return state, nil
}
