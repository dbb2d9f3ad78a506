package statestore

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/agentworkforce/tracksync/internal/resilience"
	"github.com/agentworkforce/tracksync/internal/tracksync"
)

// BuildSnapshotStoreFromDSN opens a snapshot store. A bare path or file://
// DSN names a directory holding one JSON file per entity.
func BuildSnapshotStoreFromDSN(dsn string) (tracksync.SnapshotStore, error) {
	parsed, scheme, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if factory, ok := lookupSnapshotStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileSnapshotStore(path)
	case "memory", "mem", "inmem":
		return NewMemorySnapshotStore(), nil
	case "postgres", "postgresql":
		return NewPostgresSnapshotStore(dsn)
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return OpenSQLiteStore(path)
	case "mysql":
		return nil, fmt.Errorf("%w: snapshot store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported snapshot store scheme: %s", scheme)
	}
}

// BuildBreakerStoreFromDSN opens a circuit breaker state store. A bare path
// or file:// DSN names a single JSON file guarded by an advisory lock.
func BuildBreakerStoreFromDSN(dsn string) (resilience.StateStore, error) {
	parsed, scheme, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if factory, ok := lookupBreakerStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileBreakerStore(path)
	case "memory", "mem", "inmem":
		return resilience.NewMemoryStateStore(), nil
	case "postgres", "postgresql":
		return NewPostgresBreakerStore(dsn)
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return OpenSQLiteStore(path)
	case "mysql":
		return nil, fmt.Errorf("%w: breaker store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported breaker store scheme: %s", scheme)
	}
}

func BuildDeferralLogFromDSN(dsn string) (tracksync.DeferralLog, error) {
	parsed, scheme, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileDeferralLog(path)
	case "memory", "mem", "inmem":
		return NewMemoryDeferralLog(), nil
	case "postgres", "postgresql", "sqlite", "sqlite3", "mysql":
		return nil, fmt.Errorf("%w: deferral log %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported deferral log scheme: %s", scheme)
	}
}

func BuildOutboxFromDSN(dsn string, capacity int) (tracksync.Outbox, error) {
	parsed, scheme, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileOutbox(path, capacity)
	case "memory", "mem", "inmem":
		return NewMemoryOutbox(capacity), nil
	case "postgres", "postgresql", "sqlite", "sqlite3", "mysql":
		return nil, fmt.Errorf("%w: outbox %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported outbox scheme: %s", scheme)
	}
}

func BuildStatsStoreFromDSN(dsn string) (resilience.StatsStore, error) {
	parsed, scheme, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileStatsStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryStatsStore(), nil
	default:
		return nil, fmt.Errorf("unsupported stats store scheme: %s", scheme)
	}
}

func parseDSN(dsn string) (*url.URL, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, "", fmt.Errorf("%w: empty dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, "", err
	}
	return parsed, normalizeScheme(parsed.Scheme), nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	// file://relative/dir parses "relative" as the host.
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
