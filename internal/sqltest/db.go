// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build integration_test

// Package sqltest provides isolated PostgreSQL and SQLite databases for
// integration tests of the SQL store.
package sqltest

import (
	"database/sql"
	"fmt"
	"hash/fnv"
	"testing"

	// Register the pgx driver under name "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"

	// Register SQLite driver under name "sqlite".
	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"
)

// DBFactory creates a new, empty database for one test and registers its
// cleanup on t.
type DBFactory func(t testing.TB) *sql.DB

// DBTestFunc is run once per backend.  backend is the sqldb backend name
// matching the connections dbFactory returns.
type DBTestFunc func(t *testing.T, dbFactory DBFactory, backend string)

// RunDatabaseTest runs the same test function against both PostgreSQL and
// SQLite databases.
func RunDatabaseTest(t *testing.T, testFunc DBTestFunc) {
	t.Helper()

	testCases := []struct {
		name      string
		backend   string
		dbFactory DBFactory
	}{
		{
			name:      "Postgres",
			backend:   "postgres",
			dbFactory: NewPostgresDB,
		},
		{
			name:      "SQLite",
			backend:   "sqlite",
			dbFactory: NewSQLiteDB,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			testFunc(t, tc.dbFactory, tc.backend)
		})
	}
}

// deterministicTestID hashes the test name into a short identifier, so
// database names are stable between runs and short enough for every
// backend.
func deterministicTestID(t testing.TB) string {
	t.Helper()

	h := fnv.New32a()
	_, err := h.Write([]byte(t.Name()))
	require.NoError(t, err)

	return fmt.Sprintf("%08x", h.Sum32())
}
