// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package dbtest holds the behavioural test suite every db.Store backend
// must pass.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// StoreFactory returns a fresh, empty store for one test.  It registers
// its own cleanup.
type StoreFactory func(t testing.TB) db.Store

// RunStoreTests runs the whole suite against stores produced by newStore.
func RunStoreTests(t *testing.T, newStore StoreFactory) {
	t.Helper()

	tests := []struct {
		name string
		test func(t *testing.T, s db.Store)
	}{
		{"wallets", testWallets},
		{"balance deltas", testBalanceDeltas},
		{"concurrent balance deltas", testConcurrentBalanceDeltas},
		{"transactions", testTransactions},
		{"utxos", testUTXOs},
		{"mark spent race", testMarkSpentRace},
		{"subscriptions", testSubscriptions},
		{"events", testEvents},
		{"anomalies", testAnomalies},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tc.test(t, newStore(t))
		})
	}
}

// Hash returns a deterministic hash whose bytes are all b.
func Hash(b byte) chainhash.Hash {
	var h chainhash.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func testWallets(t *testing.T, s db.Store) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	params := db.CreateWalletParams{
		ID:      "w1",
		Address: "bcrt1qaddr1",
		Key: db.EncryptedKey{
			IV:         []byte{1, 2, 3},
			Ciphertext: []byte{4, 5, 6},
			AuthTag:    []byte{7, 8, 9},
		},
		Type:      db.Taproot,
		Purpose:   db.PurposeEntryDeposit,
		OwnerRef:  "alice",
		EventRef:  "ev1",
		CreatedAt: now,
	}
	w, err := s.CreateWallet(ctx, params)
	require.NoError(t, err)
	require.Zero(t, w.ConfirmedBalance)
	require.Zero(t, w.UnconfirmedBalance)

	got, err := s.GetWallet(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, params.Key, got.Key)
	require.Equal(t, db.Taproot, got.Type)
	require.Equal(t, "alice", got.OwnerRef)
	require.True(t, now.Equal(got.CreatedAt))

	got, err = s.GetWalletByAddress(ctx, "bcrt1qaddr1")
	require.NoError(t, err)
	require.Equal(t, "w1", got.ID)

	_, err = s.GetWalletByAddress(ctx, "bcrt1qmissing")
	require.True(t, errs.Is(err, errs.ErrNotFound), err)

	_, err = s.GetWallet(ctx, "missing")
	require.True(t, errs.Is(err, errs.ErrNotFound), err)

	// The address is unique even across ids.
	params.ID = "w2"
	_, err = s.CreateWallet(ctx, params)
	require.True(t, errs.Is(err, errs.ErrDuplicate), err)

	params.Address = "bcrt1qaddr2"
	params.ID = "w1"
	_, err = s.CreateWallet(ctx, params)
	require.True(t, errs.Is(err, errs.ErrDuplicate), err)
}

func createWallet(t *testing.T, s db.Store, id string) {
	t.Helper()

	_, err := s.CreateWallet(context.Background(), db.CreateWalletParams{
		ID:        id,
		Address:   "addr-" + id,
		Key:       db.EncryptedKey{IV: []byte{1}},
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
}

func testBalanceDeltas(t *testing.T, s db.Store) {
	ctx := context.Background()
	createWallet(t, s, "w1")

	w, applied, err := s.ApplyBalanceDelta(ctx, db.BalanceDeltaParams{
		WalletID:         "w1",
		CreditKey:        "tx1:unconfirmed",
		UnconfirmedDelta: 50000,
	})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, btcutil.Amount(50000), w.UnconfirmedBalance)

	// Replaying the same credit key changes nothing.
	w, applied, err = s.ApplyBalanceDelta(ctx, db.BalanceDeltaParams{
		WalletID:         "w1",
		CreditKey:        "tx1:unconfirmed",
		UnconfirmedDelta: 50000,
	})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, btcutil.Amount(50000), w.UnconfirmedBalance)

	// Maturing moves the amount and a larger debit clamps at zero.
	w, applied, err = s.ApplyBalanceDelta(ctx, db.BalanceDeltaParams{
		WalletID:         "w1",
		CreditKey:        "tx1:confirmed",
		ConfirmedDelta:   50000,
		UnconfirmedDelta: -80000,
	})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, btcutil.Amount(50000), w.ConfirmedBalance)
	require.Zero(t, w.UnconfirmedBalance)

	got, err := s.GetWallet(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(50000), got.ConfirmedBalance)
	require.Equal(t, []byte{1}, got.Key.IV)

	_, _, err = s.ApplyBalanceDelta(ctx, db.BalanceDeltaParams{
		WalletID: "missing", CreditKey: "x",
	})
	require.True(t, errs.Is(err, errs.ErrNotFound), err)
}

func testConcurrentBalanceDeltas(t *testing.T, s db.Store) {
	ctx := context.Background()
	createWallet(t, s, "w1")

	const workers = 8
	results := make(chan bool, workers)
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, ok, err := s.ApplyBalanceDelta(ctx, db.BalanceDeltaParams{
				WalletID:         "w1",
				CreditKey:        "tx1:unconfirmed",
				UnconfirmedDelta: 1000,
			})
			errCh <- err
			results <- ok
		}()
	}

	var applied int
	for i := 0; i < workers; i++ {
		require.NoError(t, <-errCh)
		if <-results {
			applied++
		}
	}

	require.Equal(t, 1, applied)
	w, err := s.GetWallet(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(1000), w.UnconfirmedBalance)
}

func testTransactions(t *testing.T, s db.Store) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	tx := &db.Transaction{
		ID:             "t1",
		WalletRef:      "w1",
		UserRef:        "alice",
		Direction:      db.DirectionIncoming,
		Purpose:        db.PurposeEntryFeePayment,
		ExpectedAmount: 50000,
		Status:         db.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.CreateTx(ctx, tx))
	require.True(t, errs.Is(s.CreateTx(ctx, tx), errs.ErrDuplicate))

	refund := &db.Transaction{
		ID:             "t2",
		WalletRef:      "w1",
		Direction:      db.DirectionOutgoing,
		Purpose:        db.PurposeRefundUser,
		ExpectedAmount: 40000,
		Status:         db.StatusPending,
		TxHash:         "ab",
		RefundOf:       "t1",
		RawTx:          []byte{0xde, 0xad},
		CreatedAt:      now.Add(time.Second),
		UpdatedAt:      now.Add(time.Second),
	}
	require.NoError(t, s.CreateTx(ctx, refund))

	err := s.UpdateTx(ctx, db.UpdateTxParams{
		ID:                "t1",
		PrevStatus:        db.StatusPending,
		PrevConfirmations: 0,
		Status:            db.StatusMempool,
		UnconfirmedAmount: 50000,
		TxHash:            "cd",
		UpdatedAt:         now.Add(time.Minute),
	})
	require.NoError(t, err)

	// A writer holding the stale view loses.
	err = s.UpdateTx(ctx, db.UpdateTxParams{
		ID:                "t1",
		PrevStatus:        db.StatusPending,
		PrevConfirmations: 0,
		Status:            db.StatusFailed,
	})
	require.True(t, errs.Is(err, errs.ErrConflict), err)

	got, err := s.GetTx(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, db.StatusMempool, got.Status)
	require.Equal(t, btcutil.Amount(50000), got.UnconfirmedAmount)
	require.Equal(t, "cd", got.TxHash)

	got, err = s.GetTx(ctx, "t2")
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad}, got.RawTx)

	_, err = s.GetTx(ctx, "missing")
	require.True(t, errs.Is(err, errs.ErrNotFound), err)

	err = s.UpdateTx(ctx, db.UpdateTxParams{ID: "missing"})
	require.True(t, errs.Is(err, errs.ErrNotFound), err)

	all, err := s.ListTxns(ctx, db.ListTxnsQuery{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "t1", all[0].ID)

	refunds, err := s.ListTxns(ctx, db.ListTxnsQuery{
		RefundOf: fn.Some("t1"),
	})
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	require.Equal(t, "t2", refunds[0].ID)

	mempool, err := s.ListTxns(ctx, db.ListTxnsQuery{
		Status: fn.Some(db.StatusMempool),
	})
	require.NoError(t, err)
	require.Len(t, mempool, 1)
}

func testUTXOs(t *testing.T, s db.Store) {
	ctx := context.Background()

	u1 := &db.UTXO{
		OutPoint:    wire.OutPoint{Hash: Hash(1), Index: 0},
		Amount:      30000,
		Address:     "addr-w1",
		PkScript:    []byte{0x00, 0x14},
		ScriptType:  "witness_v0_keyhash",
		WalletRef:   "w1",
		OwnerRef:    "alice",
		EventRef:    "ev1",
		BlockHeight: 100,
		CreatedAt:   time.Now(),
	}
	u2 := *u1
	u2.OutPoint.Index = 1
	u2.Amount = 40000
	u3 := *u1
	u3.OutPoint = wire.OutPoint{Hash: Hash(2), Index: 0}
	u3.OwnerRef = "bob"

	for _, u := range []*db.UTXO{u1, &u2, &u3} {
		require.NoError(t, s.InsertUtxo(ctx, u))
	}
	err := s.InsertUtxo(ctx, u1)
	require.True(t, errs.Is(err, errs.ErrDuplicate), err)

	got, err := s.GetUtxo(ctx, u1.OutPoint)
	require.NoError(t, err)
	require.Equal(t, u1.PkScript, got.PkScript)
	require.False(t, got.Spent)
	require.Nil(t, got.SpendingTxHash)

	alice, err := s.ListUTXOs(ctx, db.ListUtxosQuery{
		OwnerRef:    fn.Some("alice"),
		EventRef:    fn.Some("ev1"),
		UnspentOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, alice, 2)

	spender := Hash(9)
	err = s.MarkSpent(ctx, db.MarkSpentParams{
		OutPoints:      []wire.OutPoint{u1.OutPoint},
		SpendingTxHash: spender,
	})
	require.NoError(t, err)

	got, err = s.GetUtxo(ctx, u1.OutPoint)
	require.NoError(t, err)
	require.True(t, got.Spent)
	require.Equal(t, spender, *got.SpendingTxHash)

	// A batch containing a spent output leaves the rest untouched.
	err = s.MarkSpent(ctx, db.MarkSpentParams{
		OutPoints:      []wire.OutPoint{u2.OutPoint, u1.OutPoint},
		SpendingTxHash: spender,
	})
	require.True(t, errs.Is(err, errs.ErrAlreadySpent), err)

	got, err = s.GetUtxo(ctx, u2.OutPoint)
	require.NoError(t, err)
	require.False(t, got.Spent)

	err = s.MarkSpent(ctx, db.MarkSpentParams{
		OutPoints: []wire.OutPoint{
			u2.OutPoint, {Hash: Hash(7), Index: 3},
		},
		SpendingTxHash: spender,
	})
	require.True(t, errs.Is(err, errs.ErrNotFound), err)

	// The same outpoint twice in one batch is a double spend.
	err = s.MarkSpent(ctx, db.MarkSpentParams{
		OutPoints:      []wire.OutPoint{u2.OutPoint, u2.OutPoint},
		SpendingTxHash: spender,
	})
	require.True(t, errs.Is(err, errs.ErrAlreadySpent), err)

	unspent, err := s.ListUTXOs(ctx, db.ListUtxosQuery{
		OwnerRef:    fn.Some("alice"),
		UnspentOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, unspent, 1)
	require.Equal(t, btcutil.Amount(40000), unspent[0].Amount)

	all, err := s.ListUTXOs(ctx, db.ListUtxosQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func testMarkSpentRace(t *testing.T, s db.Store) {
	ctx := context.Background()

	op := wire.OutPoint{Hash: Hash(3), Index: 0}
	require.NoError(t, s.InsertUtxo(ctx, &db.UTXO{
		OutPoint: op, Amount: 1000, CreatedAt: time.Now(),
	}))

	const workers = 8
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			results <- s.MarkSpent(ctx, db.MarkSpentParams{
				OutPoints:      []wire.OutPoint{op},
				SpendingTxHash: Hash(byte(10 + i)),
			})
		}(i)
	}

	var won, lost int
	for i := 0; i < workers; i++ {
		err := <-results
		switch {
		case err == nil:
			won++
		case errs.Is(err, errs.ErrAlreadySpent):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, workers-1, lost)
}

func testSubscriptions(t *testing.T, s db.Store) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	sub := &db.Subscription{
		URLID:                     "url1",
		HookID:                    "hook1",
		Address:                   "addr-w1",
		TransactionRef:            "t1",
		FinalityThreshold:         6,
		Status:                    db.SubscriptionPending,
		LastProcessedConfirmation: -1,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
	require.NoError(t, s.CreateSubscription(ctx, sub))
	err := s.CreateSubscription(ctx, sub)
	require.True(t, errs.Is(err, errs.ErrDuplicate), err)

	for i := int32(0); i < 3; i++ {
		require.NoError(t, s.AppendDelivery(ctx, "url1", db.Delivery{
			Confirmations: i,
			TxHash:        "ab",
			ReceivedAt:    now.Add(time.Duration(i) * time.Second),
		}))
	}

	err = s.UpdateSubscription(ctx, db.UpdateSubscriptionParams{
		URLID:                     "url1",
		Status:                    db.SubscriptionSuccess,
		TxHash:                    "ab",
		LastProcessedConfirmation: 6,
		CurrentConfirmation:       6,
		UpdatedAt:                 now.Add(time.Hour),
	})
	require.NoError(t, err)

	got, err := s.GetSubscription(ctx, "url1")
	require.NoError(t, err)
	require.Len(t, got.Deliveries, 3)
	require.EqualValues(t, 2, got.Deliveries[2].Confirmations)
	require.Equal(t, db.SubscriptionSuccess, got.Status)
	require.EqualValues(t, 6, got.LastProcessedConfirmation)
	require.Equal(t, "hook1", got.HookID)

	finished, err := s.ListSubscriptions(ctx, db.ListSubscriptionsQuery{
		Status: fn.Some(db.SubscriptionSuccess),
	})
	require.NoError(t, err)
	require.Len(t, finished, 1)

	require.NoError(t, s.DeleteSubscription(ctx, "url1"))

	// Soft-deleted records stay readable but are no longer listed.
	got, err = s.GetSubscription(ctx, "url1")
	require.NoError(t, err)
	require.True(t, got.IsDeleted)

	finished, err = s.ListSubscriptions(ctx, db.ListSubscriptionsQuery{})
	require.NoError(t, err)
	require.Empty(t, finished)

	_, err = s.GetSubscription(ctx, "missing")
	require.True(t, errs.Is(err, errs.ErrNotFound), err)

	err = s.AppendDelivery(ctx, "missing", db.Delivery{})
	require.True(t, errs.Is(err, errs.ErrNotFound), err)
}

func testEvents(t *testing.T, s db.Store) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	ev := &db.Event{
		ID:              "ev1",
		CreatorRef:      "carol",
		Title:           "chess night",
		EntryFee:        10000,
		PrizePool:       100000,
		MinParticipants: 2,
		MaxParticipants: 4,
		Status:          db.EventPendingFunding,
		WalletRef:       "w1",
		FundingTxRef:    "t1",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, s.CreateEvent(ctx, ev))
	err := s.CreateEvent(ctx, ev)
	require.True(t, errs.Is(err, errs.ErrDuplicate), err)

	ev.Status = db.EventOpen
	ev.Participants = append(ev.Participants, db.Participant{
		UserRef:   "alice",
		WalletRef: "w2",
		TxRef:     "t2",
		Status:    db.ParticipantPending,
		JoinedAt:  now,
	})
	require.NoError(t, s.UpdateEvent(ctx, ev))

	got, err := s.GetEvent(ctx, "ev1")
	require.NoError(t, err)
	require.Equal(t, db.EventOpen, got.Status)
	require.Len(t, got.Participants, 1)
	require.Equal(t, "alice", got.Participants[0].UserRef)
	require.Equal(t, btcutil.Amount(10000), got.EntryFee)

	_, err = s.GetEvent(ctx, "missing")
	require.True(t, errs.Is(err, errs.ErrNotFound), err)

	err = s.UpdateEvent(ctx, &db.Event{ID: "missing"})
	require.True(t, errs.Is(err, errs.ErrNotFound), err)
}

func testAnomalies(t *testing.T, s db.Store) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	for i, kind := range []db.AnomalyKind{
		db.AnomalyAmountMismatch, db.AnomalyUnexpectedTx,
	} {
		require.NoError(t, s.RecordAnomaly(ctx, &db.Anomaly{
			ID:             string(rune('a' + i)),
			TransactionRef: "t1",
			URLID:          "url1",
			TxHash:         "ab",
			Kind:           kind,
			Expected:       100000,
			Observed:       90000,
			Confirmations:  1,
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
		}))
	}

	err := s.RecordAnomaly(ctx, &db.Anomaly{ID: "a", Kind: db.AnomalyUnexpectedTx})
	require.True(t, errs.Is(err, errs.ErrDuplicate), err)

	all, err := s.ListAnomalies(ctx, db.ListAnomaliesQuery{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, db.AnomalyAmountMismatch, all[0].Kind)
	require.Equal(t, btcutil.Amount(90000), all[0].Observed)

	mismatches, err := s.ListAnomalies(ctx, db.ListAnomaliesQuery{
		Kind: fn.Some(db.AnomalyAmountMismatch),
	})
	require.NoError(t, err)
	require.Len(t, mismatches, 1)

	none, err := s.ListAnomalies(ctx, db.ListAnomaliesQuery{
		TransactionRef: fn.Some("t9"),
	})
	require.NoError(t, err)
	require.Empty(t, none)
}
