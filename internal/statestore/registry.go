// Package statestore persists sync snapshots, circuit breaker state, retry
// stats, manual deferrals and the remote outbox. Backends are selected by
// DSN scheme.
package statestore

import (
	"errors"
	"strings"
	"sync"

	"github.com/agentworkforce/tracksync/internal/resilience"
	"github.com/agentworkforce/tracksync/internal/tracksync"
)

var (
	ErrInvalidInput   = tracksync.ErrInvalidInput
	ErrNotFound       = tracksync.ErrNotFound
	ErrNotImplemented = errors.New("not implemented")
	ErrQueueFull      = errors.New("outbox full")
)

type SnapshotStoreFactory func(dsn string) (tracksync.SnapshotStore, error)
type BreakerStoreFactory func(dsn string) (resilience.StateStore, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	snapshots map[string]SnapshotStoreFactory
	breakers  map[string]BreakerStoreFactory
}{
	snapshots: map[string]SnapshotStoreFactory{},
	breakers:  map[string]BreakerStoreFactory{},
}

// RegisterSnapshotStoreFactory adds or replaces the factory for scheme.
func RegisterSnapshotStoreFactory(scheme string, factory SnapshotStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.snapshots[scheme] = factory
}

func RegisterBreakerStoreFactory(scheme string, factory BreakerStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.breakers[scheme] = factory
}

func lookupSnapshotStoreFactory(scheme string) (SnapshotStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.snapshots[scheme]
	return factory, ok
}

func lookupBreakerStoreFactory(scheme string) (BreakerStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.breakers[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
