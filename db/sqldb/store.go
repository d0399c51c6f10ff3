// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sqldb implements the settlement stores on database/sql.  The same
// statements run on PostgreSQL through pgx and on SQLite through the pure Go
// modernc driver; only the migrations differ per backend.
//
// Unique constraints are enforced by the schema and detected with
// INSERT ... ON CONFLICT DO NOTHING, and every conditional update is a single
// UPDATE guarded by its WHERE clause, so the invariants hold across
// processes sharing one PostgreSQL database.
package sqldb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	// Register the pgx driver under name "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"

	// Register SQLite driver under name "sqlite".
	_ "modernc.org/sqlite"

	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
)

//go:embed migrations
var migrations embed.FS

// Backend names a supported SQL database.
type Backend string

const (
	// Postgres is PostgreSQL accessed through pgx.
	Postgres Backend = "postgres"

	// SQLite is a local SQLite file.
	SQLite Backend = "sqlite"
)

// Store implements db.Store on a SQL database.
type Store struct {
	db      *sql.DB
	backend Backend
}

// Compile time check to ensure Store satisfies db.Store.
var _ db.Store = (*Store)(nil)

// OpenPostgres connects to the PostgreSQL database at dsn and migrates it.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errs.E(errs.ErrDatabase, "open postgres", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxIdleTime(30 * time.Second)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s, err := New(ctx, conn, Postgres)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens or creates the SQLite database file at dbPath and
// migrates it.
func OpenSQLite(ctx context.Context, dbPath string) (*Store, error) {
	dsn := "file:" + dbPath + "?mode=rwc" +
		"&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.E(errs.ErrDatabase, "open sqlite", err)
	}

	s, err := New(ctx, conn, SQLite)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open connection and applies any pending migrations.  The
// store takes ownership of conn.
func New(ctx context.Context, conn *sql.DB, backend Backend) (*Store, error) {
	switch backend {
	case Postgres:
	case SQLite:
		// SQLite allows a single writer.  One connection turns lock
		// contention into queueing inside database/sql.
		conn.SetMaxOpenConns(1)
	default:
		return nil, errs.Errorf(errs.ErrConfiguration,
			"unknown sql backend %q", backend)
	}

	if err := conn.PingContext(ctx); err != nil {
		return nil, errs.E(errs.ErrDatabase, "ping database", err)
	}

	s := &Store{db: conn, backend: backend}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies every embedded up migration newer than the recorded
// schema version, each in its own transaction.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS
		schema_migrations (version INTEGER PRIMARY KEY)`)
	if err != nil {
		return errs.E(errs.ErrDatabase, "create migrations table", err)
	}

	var current int
	err = s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0)
		FROM schema_migrations`).Scan(&current)
	if err != nil {
		return errs.E(errs.ErrDatabase, "read schema version", err)
	}

	dir := path.Join("migrations", string(s.backend))
	files, err := fs.Glob(migrations, dir+"/*.up.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, file := range files {
		base := path.Base(file)
		version, err := strconv.Atoi(strings.SplitN(base, "_", 2)[0])
		if err != nil {
			return fmt.Errorf("bad migration name %s: %w", base, err)
		}
		if version <= current {
			continue
		}

		body, err := migrations.ReadFile(file)
		if err != nil {
			return err
		}

		log.Infof("Applying %s migration %s", s.backend, base)
		err = s.withTx(ctx, "migrate", func(tx *sql.Tx) error {
			for _, stmt := range splitStatements(string(body)) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("%s: %w", base, err)
				}
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO
				schema_migrations (version) VALUES ($1)`, version)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a migration file on statement terminators at the
// end of a line.
func splitStatements(body string) []string {
	var stmts []string
	for _, stmt := range strings.Split(body, ";\n") {
		stmt = strings.TrimSpace(strings.TrimSuffix(
			strings.TrimSpace(stmt), ";",
		))
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// withTx runs f in a transaction, committing when f succeeds.  Untyped
// failures are classified as database errors.
func (s *Store) withTx(ctx context.Context, desc string,
	f func(tx *sql.Tx) error) error {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.E(errs.ErrDatabase, desc, err)
	}
	if err := f(tx); err != nil {
		_ = tx.Rollback()
		return classify(desc, err)
	}
	if err := tx.Commit(); err != nil {
		return errs.E(errs.ErrDatabase, desc, err)
	}
	return nil
}

func classify(desc string, err error) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	return errs.E(errs.ErrDatabase, desc, err)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string,
		args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string,
		args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string,
		args ...interface{}) *sql.Row
}

// insertUnique runs an INSERT ... ON CONFLICT DO NOTHING statement and
// reports whether a row was written.
func insertUnique(ctx context.Context, q querier, query string,
	args ...interface{}) (bool, error) {

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// filter accumulates equality predicates with numbered placeholders.
type filter struct {
	clauses []string
	args    []interface{}
}

func (f *filter) add(column string, arg interface{}) {
	f.args = append(f.args, arg)
	f.clauses = append(f.clauses,
		fmt.Sprintf("%s = $%d", column, len(f.args)))
}

func (f *filter) sql() string {
	if len(f.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.clauses, " AND ")
}
