// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/db/kvdb"
	"github.com/eventwallet/eventwallet/errs"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	store, err := kvdb.Open(t.TempDir(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return New(store)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		confs int32
		want  db.TxStatus
	}{
		{0, db.StatusMempool},
		{1, db.StatusConfirming},
		{5, db.StatusConfirming},
		{6, db.StatusCompleted},
		{100, db.StatusCompleted},
	}
	for _, test := range tests {
		require.Equal(t, test.want, StatusFor(test.confs, 6),
			"confs %d", test.confs)
	}
}

func TestPlan(t *testing.T) {
	t.Parallel()

	incoming := func(status db.TxStatus, confs int32) *db.Transaction {
		return &db.Transaction{
			ID:             "tx",
			Direction:      db.DirectionIncoming,
			ExpectedAmount: 50000,
			Status:         status,
			Confirmations:  confs,
		}
	}

	tests := []struct {
		name       string
		tx         *db.Transaction
		obs        Observation
		wantStatus db.TxStatus
		wantConfs  int32
		wantUnconf btcutil.Amount
		wantConf   btcutil.Amount
		mismatch   bool
		changed    bool
	}{
		{
			name:       "first seen in mempool",
			tx:         incoming(db.StatusPending, 0),
			obs:        Observation{"h", 0, 50000},
			wantStatus: db.StatusMempool,
			wantUnconf: 50000,
			changed:    true,
		},
		{
			name:       "confirming",
			tx:         incoming(db.StatusMempool, 0),
			obs:        Observation{"h", 2, 50000},
			wantStatus: db.StatusConfirming,
			wantConfs:  2,
			wantUnconf: 50000,
			changed:    true,
		},
		{
			name:       "completed",
			tx:         incoming(db.StatusConfirming, 3),
			obs:        Observation{"h", 6, 50000},
			wantStatus: db.StatusCompleted,
			wantConfs:  6,
			wantConf:   50000,
			changed:    true,
		},
		{
			name:       "first seen final",
			tx:         incoming(db.StatusPending, 0),
			obs:        Observation{"h", 9, 50000},
			wantStatus: db.StatusCompleted,
			wantConfs:  9,
			wantConf:   50000,
			changed:    true,
		},
		{
			name: "stale lower confirmation",
			tx: func() *db.Transaction {
				tx := incoming(db.StatusConfirming, 4)
				tx.TxHash = "h"
				tx.UnconfirmedAmount = 50000
				return tx
			}(),
			obs:        Observation{"h", 1, 50000},
			wantStatus: db.StatusConfirming,
			wantConfs:  4,
			wantUnconf: 50000,
		},
		{
			name:       "amount mismatch",
			tx:         incoming(db.StatusPending, 0),
			obs:        Observation{"h", 1, 45000},
			wantStatus: db.StatusFailed,
			wantConfs:  1,
			mismatch:   true,
			changed:    true,
		},
		{
			name:       "terminal frozen",
			tx:         incoming(db.StatusFailed, 1),
			obs:        Observation{"h", 6, 50000},
			wantStatus: db.StatusFailed,
			wantConfs:  1,
		},
		{
			name: "outgoing amount differs",
			tx: &db.Transaction{
				ID:             "tx",
				Direction:      db.DirectionOutgoing,
				ExpectedAmount: 48000,
				Status:         db.StatusPending,
				TxHash:         "h",
			},
			obs:        Observation{"h", 6, 47000},
			wantStatus: db.StatusCompleted,
			wantConfs:  6,
			wantConf:   47000,
			changed:    true,
		},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			before := *test.tx
			tr, err := Plan(test.tx, test.obs, 6)
			require.NoError(t, err)
			require.Equal(t, before, *test.tx, "input mutated")

			require.Equal(t, test.wantStatus, tr.Next.Status)
			require.Equal(t, test.wantConfs, tr.Next.Confirmations)
			require.Equal(t, test.wantUnconf,
				tr.Next.UnconfirmedAmount)
			require.Equal(t, test.wantConf, tr.Next.ConfirmedAmount)
			require.Equal(t, test.mismatch, tr.Mismatch)
			require.Equal(t, test.changed, tr.Changed())
		})
	}
}

func TestPlanHashMismatch(t *testing.T) {
	t.Parallel()

	tx := &db.Transaction{
		ID:             "tx",
		Direction:      db.DirectionIncoming,
		ExpectedAmount: 1000,
		Status:         db.StatusMempool,
		TxHash:         "first",
	}
	_, err := Plan(tx, Observation{"second", 1, 1000}, 6)
	require.True(t, errs.Is(err, errs.ErrReconciliationAnomaly), err)
}

func TestCommit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newTestLedger(t)

	tx, err := l.CreateExpected(
		ctx, "w1", "alice", db.DirectionIncoming,
		db.PurposeEntryFeePayment, 50000,
	)
	require.NoError(t, err)
	require.Equal(t, db.StatusPending, tx.Status)

	_, err = l.CreateExpected(
		ctx, "w1", "alice", db.DirectionIncoming,
		db.PurposeEntryFeePayment, 0,
	)
	require.True(t, errs.Is(err, errs.ErrInvalidArgument), err)

	// Two plans from the same snapshot: only the first commit wins.
	first, err := Plan(tx, Observation{"h", 0, 50000}, 6)
	require.NoError(t, err)
	second, err := Plan(tx, Observation{"h", 2, 50000}, 6)
	require.NoError(t, err)

	require.NoError(t, l.Commit(ctx, first))
	err = l.Commit(ctx, second)
	require.True(t, errs.Is(err, errs.ErrConflict), err)

	got, err := l.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, db.StatusMempool, got.Status)
	require.Equal(t, "h", got.TxHash)

	// Replanning from the fresh record succeeds.
	second, err = Plan(got, Observation{"h", 6, 50000}, 6)
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, second))
	require.True(t, second.Completed())

	_, err = l.Fail(ctx, tx.ID, "late")
	require.True(t, errs.Is(err, errs.ErrInvalidState), err)
}

func TestFailAndOutgoing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newTestLedger(t)

	tx, err := l.CreateExpected(
		ctx, "w1", "creator", db.DirectionIncoming,
		db.PurposePayFeeAndFundPool, 100000,
	)
	require.NoError(t, err)

	tr, err := l.Fail(ctx, tx.ID, "cancelled")
	require.NoError(t, err)
	require.True(t, tr.Failed())

	tr, err = l.Fail(ctx, tx.ID, "again")
	require.NoError(t, err)
	require.False(t, tr.Changed())

	got, err := l.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, "cancelled", got.FailureReason)

	out, err := l.CreateOutgoing(ctx, OutgoingParams{
		WalletRef: "w1",
		UserRef:   "creator",
		Purpose:   db.PurposeRefundCreator,
		RefundOf:  tx.ID,
		Amount:    98000,
		TxHash:    "refundhash",
		RawTx:     []byte{1, 2, 3},
	})
	require.NoError(t, err)
	require.Equal(t, db.DirectionOutgoing, out.Direction)
	require.Equal(t, db.StatusPending, out.Status)

	_, err = l.CreateOutgoing(ctx, OutgoingParams{Amount: 1})
	require.True(t, errs.Is(err, errs.ErrInvalidArgument), err)

	refunds, err := l.List(ctx, db.ListTxnsQuery{
		RefundOf: fn.Some(tx.ID),
	})
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	require.Equal(t, out.ID, refunds[0].ID)
}
