package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/tracksync/internal/resilience"
	"github.com/agentworkforce/tracksync/internal/tracksync"
	_ "github.com/lib/pq"
)

const (
	postgresSnapshotTableName = "tracksync_snapshots"
	postgresBreakerTableName  = "tracksync_circuit_breakers"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresCore opens the pool lazily and creates its table on first use.
type postgresCore struct {
	dsn       string
	tableName string
	schema    string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newPostgresCore(dsn, tableName, schema string) (*postgresCore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || strings.TrimSpace(tableName) == "" {
		return nil, ErrInvalidInput
	}
	return &postgresCore{dsn: dsn, tableName: tableName, schema: schema, openDB: sql.Open}, nil
}

func (c *postgresCore) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		query := fmt.Sprintf(c.schema, postgresQuoteIdentifier(c.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			c.initErr = err
			return
		}
		c.db = db
	})
	return c.initErr
}

func (c *postgresCore) table() string {
	return postgresQuoteIdentifier(c.tableName)
}

func (c *postgresCore) close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

const postgresSnapshotSchema = `
	CREATE TABLE IF NOT EXISTS %s (
		entity_id TEXT PRIMARY KEY,
		snapshot TEXT NOT NULL,
		synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

type PostgresSnapshotStore struct {
	core *postgresCore
}

func NewPostgresSnapshotStore(dsn string) (*PostgresSnapshotStore, error) {
	core, err := newPostgresCore(dsn, postgresSnapshotTableName, postgresSnapshotSchema)
	if err != nil {
		return nil, err
	}
	return &PostgresSnapshotStore{core: core}, nil
}

func (s *PostgresSnapshotStore) Load(entityID string) (*tracksync.SyncSnapshot, error) {
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE entity_id = $1", s.core.table())
	var payload string
	err := s.core.db.QueryRowContext(ctx, query, entityID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap tracksync.SyncSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", entityID, err)
	}
	return &snap, nil
}

func (s *PostgresSnapshotStore) Save(entityID string, snapshot tracksync.SyncSnapshot) error {
	if strings.TrimSpace(entityID) == "" {
		return ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (entity_id, snapshot, synced_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, synced_at = EXCLUDED.synced_at`, s.core.table())
	_, err = s.core.db.ExecContext(ctx, query, entityID, string(payload), snapshot.SyncedAt.UTC())
	return err
}

func (s *PostgresSnapshotStore) Close() error {
	return s.core.close()
}

const postgresBreakerSchema = `
	CREATE TABLE IF NOT EXISTS %s (
		operation_key TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

// PostgresBreakerStore shares breaker state across processes. UpdateState
// serialises writers per key with a transaction-scoped advisory lock.
type PostgresBreakerStore struct {
	core *postgresCore
}

func NewPostgresBreakerStore(dsn string) (*PostgresBreakerStore, error) {
	core, err := newPostgresCore(dsn, postgresBreakerTableName, postgresBreakerSchema)
	if err != nil {
		return nil, err
	}
	return &PostgresBreakerStore{core: core}, nil
}

func (s *PostgresBreakerStore) LoadState(key string) (resilience.CircuitBreakerState, error) {
	if err := s.core.ensureReady(); err != nil {
		return resilience.CircuitBreakerState{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	return s.loadState(ctx, s.core.db, key, false)
}

func (s *PostgresBreakerStore) SaveState(key string, st resilience.CircuitBreakerState) error {
	_, err := s.UpdateState(key, func(current *resilience.CircuitBreakerState) error {
		*current = st
		return nil
	})
	return err
}

func (s *PostgresBreakerStore) UpdateState(key string, fn func(*resilience.CircuitBreakerState) error) (resilience.CircuitBreakerState, error) {
	if strings.TrimSpace(key) == "" || fn == nil {
		return resilience.CircuitBreakerState{}, ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return resilience.CircuitBreakerState{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := s.core.db.BeginTx(ctx, nil)
	if err != nil {
		return resilience.CircuitBreakerState{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresLockKey(s.core.tableName, key)); err != nil {
		return resilience.CircuitBreakerState{}, err
	}
	current, err := s.loadState(ctx, tx, key, true)
	if err != nil {
		return resilience.CircuitBreakerState{}, err
	}
	if err := fn(&current); err != nil {
		return resilience.CircuitBreakerState{}, err
	}
	current.OperationKey = key
	payload, err := json.Marshal(current)
	if err != nil {
		return resilience.CircuitBreakerState{}, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (operation_key, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (operation_key)
		DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`, s.core.table())
	if _, err := tx.ExecContext(ctx, query, key, string(payload)); err != nil {
		return resilience.CircuitBreakerState{}, err
	}
	if err := tx.Commit(); err != nil {
		return resilience.CircuitBreakerState{}, err
	}
	return current, nil
}

func (s *PostgresBreakerStore) Keys() ([]string, error) {
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	rows, err := s.core.db.QueryContext(ctx, fmt.Sprintf("SELECT operation_key FROM %s ORDER BY operation_key ASC", s.core.table()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, rows.Err()
}

func (s *PostgresBreakerStore) Close() error {
	return s.core.close()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresBreakerStore) loadState(ctx context.Context, q queryRower, key string, forUpdate bool) (resilience.CircuitBreakerState, error) {
	query := fmt.Sprintf("SELECT state FROM %s WHERE operation_key = $1", s.core.table())
	if forUpdate {
		query += " FOR UPDATE"
	}
	var payload string
	err := q.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return resilience.CircuitBreakerState{OperationKey: key, State: resilience.StateClosed}, nil
	}
	if err != nil {
		return resilience.CircuitBreakerState{}, err
	}
	var st resilience.CircuitBreakerState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return resilience.CircuitBreakerState{}, fmt.Errorf("decode breaker %s: %w", key, err)
	}
	if st.State == "" {
		st.State = resilience.StateClosed
	}
	st.OperationKey = key
	return st, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresLockKey(tableName, key string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(key)))
	return int64(hasher.Sum64())
}
