// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package utxoindex

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/db/dbtest"
	"github.com/eventwallet/eventwallet/db/kvdb"
	"github.com/eventwallet/eventwallet/errs"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()

	store, err := kvdb.Open(t.TempDir(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return New(store)
}

func testUTXO(b byte, amount btcutil.Amount) *db.UTXO {
	return &db.UTXO{
		OutPoint:  wire.OutPoint{Hash: dbtest.Hash(b), Index: uint32(b)},
		Amount:    amount,
		Address:   "bcrt1qowner",
		PkScript:  []byte{0x00, 0x14},
		WalletRef: "w1",
		OwnerRef:  "alice",
		EventRef:  "ev1",
		CreatedAt: time.Now(),
	}
}

// TestSelectLargestFirst covers the selection policy without a store.
func TestSelectLargestFirst(t *testing.T) {
	t.Parallel()

	utxos := []*db.UTXO{
		testUTXO(1, 30000),
		testUTXO(2, 40000),
		testUTXO(3, 5000),
	}

	tests := []struct {
		name    string
		target  btcutil.Amount
		want    []btcutil.Amount
		wantErr errs.ErrorCode
	}{
		{
			name:   "single largest suffices",
			target: 40000,
			want:   []btcutil.Amount{40000},
		},
		{
			name:   "two largest",
			target: 60000,
			want:   []btcutil.Amount{40000, 30000},
		},
		{
			name:   "all outputs",
			target: 75000,
			want:   []btcutil.Amount{40000, 30000, 5000},
		},
		{
			name:    "insufficient",
			target:  75001,
			wantErr: errs.ErrInsufficientFunds,
		},
		{
			name:    "zero target",
			target:  0,
			wantErr: errs.ErrInvalidArgument,
		},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got, total, err := SelectLargestFirst(utxos, test.target)
			if test.want == nil {
				require.True(t, errs.Is(err, test.wantErr), err)
				return
			}
			require.NoError(t, err)
			require.GreaterOrEqual(t, total, test.target)

			amounts := make([]btcutil.Amount, 0, len(got))
			for _, u := range got {
				amounts = append(amounts, u.Amount)
			}
			require.Equal(t, test.want, amounts)
			require.Equal(t, total, Sum(got))
		})
	}
}

// TestSelectForAmount runs the refund selection scenarios against a store.
func TestSelectForAmount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newTestIndex(t)

	require.NoError(t, idx.RecordUTXO(ctx, testUTXO(1, 30000)))
	require.NoError(t, idx.RecordUTXO(ctx, testUTXO(2, 40000)))

	other := testUTXO(3, 90000)
	other.OwnerRef = "bob"
	require.NoError(t, idx.RecordUTXO(ctx, other))

	err := idx.RecordUTXO(ctx, testUTXO(1, 30000))
	require.True(t, errs.Is(err, errs.ErrDuplicate), err)

	err = idx.RecordUTXO(ctx, testUTXO(9, 0))
	require.True(t, errs.Is(err, errs.ErrInvalidArgument), err)

	// The largest output alone covers the target.
	got, err := idx.SelectForAmount(ctx, "alice", "ev1", 35000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, btcutil.Amount(40000), got[0].Amount)

	got, err = idx.SelectForAmount(ctx, "alice", "ev1", 40000)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Below the target after the largest output, selection continues.
	for _, target := range []btcutil.Amount{50000, 60000, 70000} {
		all, err := idx.SelectForAmount(ctx, "alice", "ev1", target)
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, btcutil.Amount(40000), all[0].Amount)
		require.Equal(t, btcutil.Amount(70000), Sum(all))
	}

	// Bob's output is never offered to Alice.
	_, err = idx.SelectForAmount(ctx, "alice", "ev1", 70001)
	require.True(t, errs.Is(err, errs.ErrInsufficientFunds), err)

	_, err = idx.SelectForAmount(ctx, "alice", "ev2", 1)
	require.True(t, errs.Is(err, errs.ErrInsufficientFunds), err)

	// Selection does not reserve anything.
	again, err := idx.SelectForAmount(ctx, "alice", "ev1", 35000)
	require.NoError(t, err)
	require.Equal(t, got[0].OutPoint, again[0].OutPoint)
}

func TestMarkSpent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newTestIndex(t)

	a, b := testUTXO(1, 30000), testUTXO(2, 40000)
	require.NoError(t, idx.RecordUTXO(ctx, a))
	require.NoError(t, idx.RecordUTXO(ctx, b))

	spender := dbtest.Hash(0xaa)
	require.NoError(t, idx.MarkSpent(ctx, b.OutPoint, spender))

	err := idx.MarkSpent(ctx, b.OutPoint, spender)
	require.True(t, errs.Is(err, errs.ErrAlreadySpent), err)

	err = idx.MarkSpent(ctx, testUTXO(7, 1).OutPoint, spender)
	require.True(t, errs.Is(err, errs.ErrNotFound), err)

	// A batch containing a spent output leaves the others untouched.
	err = idx.MarkSpentAll(
		ctx, []wire.OutPoint{a.OutPoint, b.OutPoint}, dbtest.Hash(0xbb),
	)
	require.True(t, errs.Is(err, errs.ErrAlreadySpent), err)

	unspent, err := idx.ListUnspent(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, unspent, 1)
	require.Equal(t, a.OutPoint, unspent[0].OutPoint)

	spent, err := idx.SpentBy(ctx, "w1", spender)
	require.NoError(t, err)
	require.Len(t, spent, 1)
	require.Equal(t, b.OutPoint, spent[0].OutPoint)

	err = idx.MarkSpentAll(ctx, nil, spender)
	require.True(t, errs.Is(err, errs.ErrInvalidArgument), err)
}

func TestLockOwner(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)

	unlock, err := idx.LockOwner(context.Background(), "alice", "ev1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(
		context.Background(), 20*time.Millisecond,
	)
	defer cancel()
	_, err = idx.LockOwner(ctx, "alice", "ev1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := idx.LockOwner(context.Background(), "alice", "ev2")
	require.NoError(t, err)
	other()
	unlock()
}
