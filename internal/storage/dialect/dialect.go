// Package dialect hides the SQL differences between the databases the
// collector can store records in.
package dialect

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect is the set of SQL fragments that differ between databases.
type Dialect interface {
	// Name returns the dialect name ("sqlite" or "postgres").
	Name() string

	// DriverName returns the database/sql driver registered for the dialect.
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format. Placeholders
	// inside single-quoted literals are left alone.
	Rebind(query string) string

	// IDColumn returns the column definition of a generated integer key.
	IDColumn() string

	// TimestampType returns the SQL type for timestamps.
	TimestampType() string

	// BooleanType returns the SQL type for flags.
	BooleanType() string

	// Upsert returns the conflict clause that keeps the existing row when
	// updateColumns is empty and overwrites those columns otherwise.
	Upsert(conflictColumns []string, updateColumns []string) string

	// InitStatements run once on every new connection pool.
	InitStatements() []string
}

// DialectType represents supported database types
type DialectType string

const (
	SQLite   DialectType = "sqlite"
	Postgres DialectType = "postgres"
)

// New creates a new Dialect based on the dialect type
func New(dialectType DialectType) (Dialect, error) {
	switch dialectType {
	case SQLite:
		return sqliteDialect{}, nil
	case Postgres:
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialectType)
	}
}

// FromDriverName returns the dialect for a given driver name
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string               { return string(SQLite) }
func (sqliteDialect) DriverName() string         { return "sqlite" }
func (sqliteDialect) Rebind(query string) string { return query }
func (sqliteDialect) IDColumn() string           { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteDialect) TimestampType() string      { return "TIMESTAMP" }
func (sqliteDialect) BooleanType() string        { return "INTEGER" }

func (sqliteDialect) Upsert(conflictColumns, updateColumns []string) string {
	return upsert(conflictColumns, updateColumns, "excluded")
}

func (sqliteDialect) InitStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string          { return string(Postgres) }
func (postgresDialect) DriverName() string    { return "pgx" }
func (postgresDialect) IDColumn() string      { return "BIGSERIAL PRIMARY KEY" }
func (postgresDialect) TimestampType() string { return "TIMESTAMPTZ" }
func (postgresDialect) BooleanType() string   { return "BOOLEAN" }
func (postgresDialect) InitStatements() []string {
	return nil
}

func (postgresDialect) Upsert(conflictColumns, updateColumns []string) string {
	return upsert(conflictColumns, updateColumns, "EXCLUDED")
}

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	quoted := false
	for _, ch := range query {
		switch {
		case ch == '\'':
			quoted = !quoted
			b.WriteRune(ch)
		case ch == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(ch)
		}
	}
	return b.String()
}

func upsert(conflictColumns, updateColumns []string, excluded string) string {
	target := strings.Join(conflictColumns, ", ")
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", target)
	}
	sets := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		sets[i] = fmt.Sprintf("%s = %s.%s", col, excluded, col)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", target, strings.Join(sets, ", "))
}
