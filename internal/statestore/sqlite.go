package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentworkforce/tracksync/internal/resilience"
	"github.com/agentworkforce/tracksync/internal/tracksync"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	entity_id TEXT PRIMARY KEY,
	snapshot TEXT NOT NULL,
	synced_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS circuit_breakers (
	operation_key TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

// SQLiteStore keeps snapshots and breaker state in one embedded database
// file. It serves as both a snapshot store and an atomic breaker store.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	// Pragmas ride on the DSN so every pooled connection gets them.
	connStr := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_txlock=immediate"
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Load(entityID string) (*tracksync.SyncSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT snapshot FROM snapshots WHERE entity_id = ?", entityID).Scan(&payload)
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

func (s *SQLiteStore) Save(entityID string, snapshot tracksync.SyncSnapshot) error {
	if strings.TrimSpace(entityID) == "" {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (entity_id, snapshot, synced_at) VALUES (?, ?, ?)
		ON CONFLICT (entity_id) DO UPDATE SET snapshot = excluded.snapshot, synced_at = excluded.synced_at`,
		entityID, string(payload), snapshot.SyncedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) LoadState(key string) (resilience.CircuitBreakerState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	return loadSQLiteBreaker(ctx, s.db, key)
}

func (s *SQLiteStore) SaveState(key string, st resilience.CircuitBreakerState) error {
	_, err := s.UpdateState(key, func(current *resilience.CircuitBreakerState) error {
		*current = st
		return nil
	})
	return err
}

// UpdateState runs inside an immediate transaction, which takes the
// database write lock before the read.
func (s *SQLiteStore) UpdateState(key string, fn func(*resilience.CircuitBreakerState) error) (resilience.CircuitBreakerState, error) {
	if strings.TrimSpace(key) == "" || fn == nil {
		return resilience.CircuitBreakerState{}, ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return resilience.CircuitBreakerState{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	current, err := loadSQLiteBreaker(ctx, tx, key)
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
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO circuit_breakers (operation_key, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (operation_key) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		key, string(payload), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return resilience.CircuitBreakerState{}, err
	}
	if err := tx.Commit(); err != nil {
		return resilience.CircuitBreakerState{}, err
	}
	return current, nil
}

func (s *SQLiteStore) Keys() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, "SELECT operation_key FROM circuit_breakers ORDER BY operation_key")
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
	return keys, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func loadSQLiteBreaker(ctx context.Context, q queryRower, key string) (resilience.CircuitBreakerState, error) {
	var payload string
	err := q.QueryRowContext(ctx, "SELECT state FROM circuit_breakers WHERE operation_key = ?", key).Scan(&payload)
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
