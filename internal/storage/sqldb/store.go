// Package sqldb stores collected sessions, page views and actions in a SQL
// database. SQLite is the default; PostgreSQL is reached through pgx.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
	"github.com/tjfontaine/visitor-telemetry/internal/storage/dialect"
)

// Store is a SQL implementation of ports.RecordStore that supports multiple
// database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	now     func() time.Time
}

var _ ports.RecordStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.Name() == string(dialect.SQLite) {
		// One writer at a time; pragmas then hold for every statement.
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range d.InitStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}

	store := &Store{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema() error {
	ts := s.dialect.TimestampType()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			device_type TEXT NOT NULL,
			browser TEXT NOT NULL,
			os TEXT NOT NULL,
			country TEXT NOT NULL,
			referrer TEXT,
			utm_source TEXT,
			utm_medium TEXT,
			utm_campaign TEXT,
			started_at ` + ts + `,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			last_activity_at ` + ts + `,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS page_views (
			id ` + s.dialect.IDColumn() + `,
			session_id TEXT NOT NULL,
			path TEXT NOT NULL,
			title TEXT NOT NULL,
			referrer TEXT NOT NULL,
			time_on_page_seconds INTEGER NOT NULL DEFAULT 0,
			scroll_percentage INTEGER NOT NULL DEFAULT 0,
			is_exit ` + s.dialect.BooleanType() + ` NOT NULL,
			viewed_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_page_views_session_path ON page_views(session_id, path)`,
		`CREATE TABLE IF NOT EXISTS actions (
			id ` + s.dialect.IDColumn() + `,
			session_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			element_selector TEXT NOT NULL,
			element_text TEXT NOT NULL,
			path TEXT NOT NULL,
			extra TEXT,
			occurred_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_session ON actions(session_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateSession inserts a session. A row created earlier for the same id,
// lazily or by a repeated call, is filled in with the new details.
func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	query := s.dialect.Rebind(`INSERT INTO sessions
		(id, device_type, browser, os, country, referrer, utm_source, utm_medium, utm_campaign, started_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` +
		s.dialect.Upsert([]string{"id"}, []string{
			"device_type", "browser", "os", "country",
			"referrer", "utm_source", "utm_medium", "utm_campaign", "started_at",
		}))

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, string(sess.DeviceType), sess.Browser, sess.OS, sess.Country,
		sess.Referrer, sess.UTMSource, sess.UTMMedium, sess.UTMCampaign,
		nullTime(sess.StartedAt), s.now())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// ensureSession creates a bare session row if id has not been seen.
func (s *Store) ensureSession(ctx context.Context, tx *sqlx.Tx, id string) error {
	query := s.dialect.Rebind(`INSERT INTO sessions (id, device_type, browser, os, country, created_at)
		VALUES (?, '', '', '', '', ?) ` + s.dialect.Upsert([]string{"id"}, nil))
	if _, err := tx.ExecContext(ctx, query, id, s.now()); err != nil {
		return fmt.Errorf("failed to materialize session: %w", err)
	}
	return nil
}

func (s *Store) RecordPageView(ctx context.Context, pv *domain.PageView) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureSession(ctx, tx, pv.SessionID); err != nil {
		return err
	}
	if err := s.insertPageView(ctx, tx, pv); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) insertPageView(ctx context.Context, tx *sqlx.Tx, pv *domain.PageView) error {
	viewedAt := pv.ViewedAt
	if viewedAt.IsZero() {
		viewedAt = s.now()
	}
	query := s.dialect.Rebind(`INSERT INTO page_views
		(session_id, path, title, referrer, time_on_page_seconds, scroll_percentage, is_exit, viewed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, query,
		pv.SessionID, pv.Path, pv.Title, pv.Referrer,
		pv.TimeOnPageSeconds, pv.ScrollPercentage, pv.IsExit, viewedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert page view: %w", err)
	}
	return nil
}

// UpdatePageView applies exit timing to the most recent page view of
// (session, path). The scroll percentage only ever rises. When no page view
// exists an exit row is inserted instead.
func (s *Store) UpdatePageView(ctx context.Context, pv *domain.PageView) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.dialect.Rebind(`UPDATE page_views SET
			time_on_page_seconds = ?,
			scroll_percentage = CASE WHEN ? > scroll_percentage THEN ? ELSE scroll_percentage END,
			is_exit = ?
		WHERE id = (SELECT MAX(id) FROM page_views WHERE session_id = ? AND path = ?)`)
	result, err := tx.ExecContext(ctx, query,
		pv.TimeOnPageSeconds, pv.ScrollPercentage, pv.ScrollPercentage, pv.IsExit,
		pv.SessionID, pv.Path)
	if err != nil {
		return fmt.Errorf("failed to update page view: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if err := s.ensureSession(ctx, tx, pv.SessionID); err != nil {
			return err
		}
		if err := s.insertPageView(ctx, tx, pv); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) RecordAction(ctx context.Context, a *domain.Action) error {
	var extra sql.NullString
	if len(a.Extra) > 0 {
		b, err := json.Marshal(a.Extra)
		if err != nil {
			return fmt.Errorf("failed to marshal extra: %w", err)
		}
		extra = sql.NullString{String: string(b), Valid: true}
	}
	occurredAt := a.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureSession(ctx, tx, a.SessionID); err != nil {
		return err
	}
	query := s.dialect.Rebind(`INSERT INTO actions
		(session_id, action_type, element_selector, element_text, path, extra, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, query,
		a.SessionID, string(a.Type), a.ElementSelector, a.ElementText, a.Path, extra, occurredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return tx.Commit()
}

// UpdateSession records the last activity and keeps the longest duration
// reported for the session.
func (s *Store) UpdateSession(ctx context.Context, u *domain.SessionUpdate) error {
	lastActivity := u.LastActivityAt
	if lastActivity.IsZero() {
		lastActivity = s.now()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureSession(ctx, tx, u.SessionID); err != nil {
		return err
	}
	query := s.dialect.Rebind(`UPDATE sessions SET
			last_activity_at = ?,
			duration_seconds = CASE WHEN ? > duration_seconds THEN ? ELSE duration_seconds END
		WHERE id = ?`)
	_, err = tx.ExecContext(ctx, query,
		lastActivity.UTC(), u.SessionDurationSeconds, u.SessionDurationSeconds, u.SessionID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetSession(ctx context.Context, id string) (*ports.SessionSummary, error) {
	query := s.dialect.Rebind(`SELECT id, device_type, browser, os, country,
			referrer, utm_source, utm_medium, utm_campaign,
			duration_seconds, last_activity_at, created_at
		FROM sessions WHERE id = ?`)

	var summary ports.SessionSummary
	err := s.db.GetContext(ctx, &summary, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &summary, nil
}

type pageViewRow struct {
	SessionID         string    `db:"session_id"`
	Path              string    `db:"path"`
	Title             string    `db:"title"`
	Referrer          string    `db:"referrer"`
	TimeOnPageSeconds int       `db:"time_on_page_seconds"`
	ScrollPercentage  int       `db:"scroll_percentage"`
	IsExit            bool      `db:"is_exit"`
	ViewedAt          time.Time `db:"viewed_at"`
}

func (s *Store) ListPageViews(ctx context.Context, sessionID string) ([]*domain.PageView, error) {
	query := s.dialect.Rebind(`SELECT session_id, path, title, referrer,
			time_on_page_seconds, scroll_percentage, is_exit, viewed_at
		FROM page_views WHERE session_id = ? ORDER BY id ASC`)

	var rows []pageViewRow
	if err := s.db.SelectContext(ctx, &rows, query, sessionID); err != nil {
		return nil, fmt.Errorf("failed to query page views: %w", err)
	}

	out := make([]*domain.PageView, 0, len(rows))
	for _, r := range rows {
		out = append(out, &domain.PageView{
			SessionID:         r.SessionID,
			Path:              r.Path,
			Title:             r.Title,
			Referrer:          r.Referrer,
			TimeOnPageSeconds: r.TimeOnPageSeconds,
			ScrollPercentage:  r.ScrollPercentage,
			IsExit:            r.IsExit,
			ViewedAt:          r.ViewedAt,
		})
	}
	return out, nil
}

type actionRow struct {
	SessionID       string         `db:"session_id"`
	Type            string         `db:"action_type"`
	ElementSelector string         `db:"element_selector"`
	ElementText     string         `db:"element_text"`
	Path            string         `db:"path"`
	Extra           sql.NullString `db:"extra"`
	OccurredAt      time.Time      `db:"occurred_at"`
}

func (s *Store) ListActions(ctx context.Context, sessionID string) ([]*domain.Action, error) {
	query := s.dialect.Rebind(`SELECT session_id, action_type, element_selector, element_text,
			path, extra, occurred_at
		FROM actions WHERE session_id = ? ORDER BY id ASC`)

	var rows []actionRow
	if err := s.db.SelectContext(ctx, &rows, query, sessionID); err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}

	out := make([]*domain.Action, 0, len(rows))
	for _, r := range rows {
		a := &domain.Action{
			SessionID:       r.SessionID,
			Type:            domain.ActionType(r.Type),
			ElementSelector: r.ElementSelector,
			ElementText:     r.ElementText,
			Path:            r.Path,
			OccurredAt:      r.OccurredAt,
		}
		if r.Extra.Valid {
			if err := json.Unmarshal([]byte(r.Extra.String), &a.Extra); err != nil {
				return nil, fmt.Errorf("failed to unmarshal extra: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
