// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sqldb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/db/dbtest"
	"github.com/eventwallet/eventwallet/errs"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t testing.TB) db.Store {
	t.Helper()

	s, err := OpenSQLite(
		context.Background(), filepath.Join(t.TempDir(), "test.sqlite"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	dbtest.RunStoreTests(t, newSQLiteStore)
}

// TestMigrateIdempotent ensures reopening an up to date database applies
// nothing and keeps the data.
func TestMigrateIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.sqlite")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.CreateEvent(ctx, &db.Event{ID: "ev1"}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	err = s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM
		schema_migrations`).Scan(&version)
	require.NoError(t, err)
	require.Equal(t, 1, version)

	_, err = s.GetEvent(ctx, "ev1")
	require.NoError(t, err)
}

func TestUnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), nil, Backend("oracle"))
	require.True(t, errs.Is(err, errs.ErrConfiguration), err)
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	stmts := splitStatements("CREATE TABLE a (x INT);\n\n" +
		"CREATE INDEX b ON a (x);\n")
	require.Equal(t, []string{
		"CREATE TABLE a (x INT)", "CREATE INDEX b ON a (x)",
	}, stmts)
}

func TestFilter(t *testing.T) {
	t.Parallel()

	var f filter
	require.Empty(t, f.sql())

	f.add("owner_ref", "alice")
	f.add("spent", false)
	require.Equal(t, " WHERE owner_ref = $1 AND spent = $2", f.sql())
	require.Equal(t, []interface{}{"alice", false}, f.args)
}
