// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kvdb

import (
	"context"
	"testing"
	"time"

	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/db/dbtest"
	"github.com/stretchr/testify/require"
)

// newTestStore opens a store in a temporary directory.
func newTestStore(t testing.TB) db.Store {
	t.Helper()

	s, err := Open(t.TempDir(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestStore(t *testing.T) {
	t.Parallel()

	dbtest.RunStoreTests(t, newTestStore)
}

// TestReopen ensures records survive closing and reopening the database.
func TestReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir, time.Second)
	require.NoError(t, err)

	_, err = s.CreateWallet(context.Background(), db.CreateWalletParams{
		ID:      "w1",
		Address: "addr",
		Key:     db.EncryptedKey{IV: []byte{1}},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir, time.Second)
	require.NoError(t, err)
	defer s.Close()

	w, err := s.GetWalletByAddress(context.Background(), "addr")
	require.NoError(t, err)
	require.Equal(t, "w1", w.ID)
}
