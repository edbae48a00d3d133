// Package sqlite provides a durable ports.Storage backed by SQLite. Headless
// hosts use it as local storage so the consent decision survives restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
)

// Store is a SQLite key/value store scoped to one origin.
type Store struct {
	db     *sql.DB
	origin string

	mu     sync.RWMutex
	closed bool
}

var _ ports.Storage = (*Store)(nil)

// New opens (or creates) the database at dbPath. Keys are namespaced by
// origin so several sites can share one file.
func New(dbPath, origin string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db, origin: origin}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS local_storage (
			origin TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (origin, key)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) Get(key string) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}

	var value string
	err := s.db.QueryRowContext(context.Background(),
		`SELECT value FROM local_storage WHERE origin = ? AND key = ?`, s.origin, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w: %v", key, domain.ErrStorageUnavailable, err)
	}
	return value, nil
}

func (s *Store) Set(key, value string) error {
	if err := s.check(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO local_storage (origin, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(origin, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.origin, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set %s: %w: %v", key, domain.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) Remove(key string) error {
	if err := s.check(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(context.Background(),
		`DELETE FROM local_storage WHERE origin = ? AND key = ?`, s.origin, key)
	if err != nil {
		return fmt.Errorf("remove %s: %w: %v", key, domain.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.ErrStorageUnavailable
	}
	return nil
}

// Close closes the database. Later calls report domain.ErrStorageUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
