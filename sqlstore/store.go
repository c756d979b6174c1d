// Package sqlstore implements the repository contracts on database/sql. The
// same schema and queries run on PostgreSQL (lib/pq) and SQLite
// (mattn/go-sqlite3); queries are written with ? placeholders and rebound for
// PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/cens-chile/oclfhir"
)

//go:embed schema.sql
var schema string

// Dialect selects placeholder and paging syntax.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// DialectOf maps a database/sql driver name to its dialect.
func DialectOf(driver string) (Dialect, error) {
	switch driver {
	case "postgres", "postgresql":
		return Postgres, nil
	case "sqlite3", "sqlite":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

// Config holds connection settings.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Migrate creates the schema when it is missing.
	Migrate bool
}

// Store is a read-only terminology repository over a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
	// maxDepth bounds the recursive hierarchy pushdown.
	maxDepth int
}

// New wraps an open database.
func New(db *sql.DB, dialect Dialect, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, dialect: dialect, logger: logger, maxDepth: oclfhir.DefaultOptions().MaxHierarchyDepth}
}

// Open connects to the database described by cfg and checks the connection.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	dialect, err := DialectOf(cfg.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(string(dialect), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := New(db, dialect, logger)
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// SetMaxHierarchyDepth bounds the recursive is-a pushdown.
func (s *Store) SetMaxHierarchyDepth(depth int) {
	s.maxDepth = depth
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// paging renders a LIMIT/OFFSET clause and appends its arguments.
func (s *Store) paging(limit, offset int, args []any) (string, []any) {
	switch {
	case limit > 0:
		return " LIMIT ? OFFSET ?", append(args, limit, offset)
	case offset > 0 && s.dialect == SQLite:
		return " LIMIT -1 OFFSET ?", append(args, offset)
	case offset > 0:
		return " OFFSET ?", append(args, offset)
	}
	return "", args
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// unavailable converts a driver failure into RepositoryUnavailable. Context
// errors pass through so callers see the cancellation.
func (s *Store) unavailable(err error, format string, args ...any) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.logger.Warn("database read failed", zap.String("read", fmt.Sprintf(format, args...)), zap.Error(err))
	return oclfhir.Unavailable(err, format, args...)
}

// placeholders returns "?, ?, ..." for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// chunkSize keeps IN lists under the bind variable limits of both drivers.
const chunkSize = 500

func chunks(ids []int64) [][]int64 {
	var out [][]int64
	for len(ids) > chunkSize {
		out = append(out, ids[:chunkSize])
		ids = ids[chunkSize:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
