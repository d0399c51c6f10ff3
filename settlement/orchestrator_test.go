// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/db/dbtest"
	"github.com/eventwallet/eventwallet/db/kvdb"
	"github.com/eventwallet/eventwallet/errs"
	"github.com/eventwallet/eventwallet/feeest"
	"github.com/eventwallet/eventwallet/indexer"
	"github.com/eventwallet/eventwallet/keyvault"
	"github.com/eventwallet/eventwallet/ledger"
	"github.com/eventwallet/eventwallet/utxoindex"
	"github.com/eventwallet/eventwallet/walletmgr"
	"github.com/eventwallet/eventwallet/webhook"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

var params = &chaincfg.RegressionNetParams

type mockHooks struct {
	mu      sync.Mutex
	next    int
	hooks   map[string]string
	failReg bool
}

func (m *mockHooks) RegisterHook(_ context.Context, address, callbackURL string,
	_ int32) (string, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failReg {
		return "", errors.New("indexer unavailable")
	}
	m.next++
	id := fmt.Sprintf("hook-%d", m.next)
	m.hooks[id] = callbackURL
	return id, nil
}

func (m *mockHooks) DeleteHook(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.hooks, id)
	return nil
}

func (m *mockHooks) setFail(fail bool) {
	m.mu.Lock()
	m.failReg = fail
	m.mu.Unlock()
}

func (m *mockHooks) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.hooks)
}

// fixedTiers reports 1, 2 and 5 sat/vbyte.
type fixedTiers struct{}

func (fixedTiers) FeeTiers(context.Context) (*indexer.FeeTiers, error) {
	return &indexer.FeeTiers{
		LowPerKB:    1000,
		MediumPerKB: 2000,
		HighPerKB:   5000,
	}, nil
}

type harness struct {
	t      *testing.T
	store  db.Store
	hooks  *mockHooks
	vault  *keyvault.Vault
	utxos  *utxoindex.Index
	ledger *ledger.Ledger
	rec    *webhook.Reconciler
	orch   *Orchestrator
}

func newHarness(t *testing.T, creationFee btcutil.Amount) *harness {
	t.Helper()

	store, err := kvdb.Open(t.TempDir(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	vault, err := keyvault.New(keyvault.Config{
		Secret:      []byte("settlement test secret"),
		ChainParams: params,
	})
	require.NoError(t, err)

	wallets, err := walletmgr.New(walletmgr.Config{
		Store: store,
		Keys:  vault,
	})
	require.NoError(t, err)

	h := &harness{
		t:      t,
		store:  store,
		hooks:  &mockHooks{hooks: make(map[string]string)},
		vault:  vault,
		utxos:  utxoindex.New(store),
		ledger: ledger.New(store),
	}
	h.rec, err = webhook.New(webhook.Config{
		Subscriptions:   store,
		Anomalies:       store,
		Hooks:           h.hooks,
		Ledger:          h.ledger,
		Wallets:         wallets,
		UTXOs:           h.utxos,
		ChainParams:     params,
		CallbackBaseURL: "https://wallet.example",
	})
	require.NoError(t, err)

	h.orch, err = New(Config{
		Events:      store,
		Wallets:     wallets,
		Ledger:      h.ledger,
		Monitor:     h.rec,
		Coins:       h.utxos,
		Fees:        feeest.New(fixedTiers{}),
		Signer:      vault,
		ChainParams: params,
		CreationFee: creationFee,
		FeePriority: feeest.PriorityMedium,
	})
	require.NoError(t, err)
	h.rec.Observe(h.orch.HandleTransition)
	return h
}

// pay delivers a notification of a payment of amount into d.  Like most
// indexer payloads it carries addresses and values only.
func (h *harness) pay(d *Deposit, hash byte, amount btcutil.Amount,
	confs int32) webhook.Outcome {

	h.t.Helper()

	outcome, err := h.rec.HandleNotification(
		context.Background(), d.Subscription.URLID, &indexer.TxPayload{
			Hash:          dbtest.Hash(hash).String(),
			Confirmations: confs,
			BlockHeight:   200,
			Outputs: []indexer.TxOutput{{
				Value:     int64(amount),
				Addresses: []string{d.Address()},
			}},
		},
	)
	require.NoError(h.t, err)
	return outcome
}

func (h *harness) event(id string) *db.Event {
	ev, err := h.orch.GetEvent(context.Background(), id)
	require.NoError(h.t, err)
	return ev
}

func (h *harness) recipient() string {
	addr, _, err := h.vault.GenerateKeyPair(db.SegWit)
	require.NoError(h.t, err)
	return addr.EncodeAddress()
}

func chessNight() FundEventRequest {
	return FundEventRequest{
		CreatorRef:      "carol",
		Title:           "Chess night",
		EntryFee:        50000,
		PrizePool:       100000,
		MinParticipants: 2,
		MaxParticipants: 3,
	}
}

// openEvent funds an event and confirms the funding payment.
func (h *harness) openEvent(req FundEventRequest) (*db.Event, *Deposit) {
	ev, d, err := h.orch.FundEvent(context.Background(), req)
	require.NoError(h.t, err)
	h.pay(d, 0xf0, d.Amount(), 6)
	require.Equal(h.t, db.EventOpen, h.event(ev.ID).Status)
	return ev, d
}

func (h *harness) join(eventID, user string) (*db.Event, *Deposit, error) {
	return h.orch.JoinEvent(context.Background(), JoinEventRequest{
		EventID: eventID,
		UserRef: user,
	})
}

func findParticipant(ev *db.Event, user string) *db.Participant {
	for i := len(ev.Participants) - 1; i >= 0; i-- {
		if ev.Participants[i].UserRef == user {
			return &ev.Participants[i]
		}
	}
	return nil
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.True(t, errs.Is(err, errs.ErrConfiguration), err)
}

func TestFundEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 1000)

	ev, d, err := h.orch.FundEvent(ctx, chessNight())
	require.NoError(t, err)
	require.Equal(t, db.EventPendingFunding, ev.Status)
	require.Equal(t, btcutil.Amount(101000), d.Amount())
	require.Equal(t, db.PurposePrizePool, d.Wallet.Purpose)
	require.Equal(t, ev.ID, d.Wallet.EventRef)
	require.Equal(t, db.PurposePayFeeAndFundPool, d.Transaction.Purpose)
	require.Equal(t, d.Transaction.ID, ev.FundingTxRef)
	require.Equal(t, 1, h.hooks.count())

	// Joins wait for the funding to settle.
	_, _, err = h.join(ev.ID, "alice")
	require.True(t, errs.Is(err, errs.ErrEventFull), err)

	h.pay(d, 1, 101000, 0)
	require.Equal(t, db.EventPendingFunding, h.event(ev.ID).Status)

	h.pay(d, 1, 101000, 6)
	require.Equal(t, db.EventOpen, h.event(ev.ID).Status)
}

func TestFundEventValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)

	tests := []struct {
		name   string
		mutate func(r *FundEventRequest)
	}{
		{"no creator", func(r *FundEventRequest) { r.CreatorRef = "" }},
		{"no title", func(r *FundEventRequest) { r.Title = "" }},
		{"zero entry fee", func(r *FundEventRequest) { r.EntryFee = 0 }},
		{"negative pool", func(r *FundEventRequest) { r.PrizePool = -1 }},
		{"zero minimum", func(r *FundEventRequest) {
			r.MinParticipants = 0
		}},
		{"max below min", func(r *FundEventRequest) {
			r.MaxParticipants = 1
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := chessNight()
			tc.mutate(&req)
			_, _, err := h.orch.FundEvent(context.Background(), req)
			require.True(t, errs.Is(err, errs.ErrInvalidArgument),
				err)
		})
	}
	require.Zero(t, h.hooks.count())
}

// TestFundEventCompensation fails the monitor registration and checks the
// expected payment is failed and no hook is left behind.
func TestFundEventCompensation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 0)
	h.hooks.setFail(true)

	ev, _, err := h.orch.FundEvent(ctx, chessNight())
	require.True(t, errs.Is(err, errs.ErrUpstream), err)
	require.Nil(t, ev)
	require.Zero(t, h.hooks.count())

	txns, err := h.ledger.List(ctx, db.ListTxnsQuery{})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, db.StatusFailed, txns[0].Status)
}

func TestFundingFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ev, d, err := h.orch.FundEvent(context.Background(), chessNight())
	require.NoError(t, err)

	require.Equal(t, webhook.OutcomeAnomaly, h.pay(d, 2, 99000, 1))
	require.Equal(t, db.EventFailed, h.event(ev.ID).Status)

	_, err = h.orch.CancelEvent(context.Background(), ev.ID)
	require.True(t, errs.Is(err, errs.ErrInvalidState), err)
}

func TestJoinEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ev, _ := h.openEvent(chessNight())

	got, d, err := h.join(ev.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, db.EventOpen, got.Status)
	require.Equal(t, btcutil.Amount(50000), d.Amount())
	require.Equal(t, db.PurposeEntryDeposit, d.Wallet.Purpose)
	require.Equal(t, db.PurposeEntryFeePayment, d.Transaction.Purpose)

	p := findParticipant(got, "alice")
	require.NotNil(t, p)
	require.Equal(t, db.ParticipantPending, p.Status)
	require.Equal(t, d.Wallet.ID, p.WalletRef)
	require.Equal(t, d.Transaction.ID, p.TxRef)

	_, _, err = h.join(ev.ID, "alice")
	require.True(t, errs.Is(err, errs.ErrDuplicate), err)

	_, _, err = h.join(ev.ID, "carol")
	require.True(t, errs.Is(err, errs.ErrInvalidArgument), err)

	got, _, err = h.join(ev.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, db.EventReady, got.Status)

	// Ready events keep accepting participants up to the maximum.
	got, _, err = h.join(ev.ID, "dave")
	require.NoError(t, err)
	require.EqualValues(t, 3, got.ActiveParticipants())

	_, _, err = h.join(ev.ID, "erin")
	require.True(t, errs.Is(err, errs.ErrEventFull), err)

	_, err = h.orch.CancelEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	_, _, err = h.join(ev.ID, "erin")
	require.True(t, errs.Is(err, errs.ErrEventFull), err)

	_, _, err = h.join("missing", "erin")
	require.True(t, errs.Is(err, errs.ErrNotFound), err)
}

// TestEntryFailureReleasesSlot fails an entry payment and checks the slot
// becomes available again.
func TestEntryFailureReleasesSlot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	req := chessNight()
	req.MaxParticipants = 2
	ev, _ := h.openEvent(req)

	_, alice, err := h.join(ev.ID, "alice")
	require.NoError(t, err)
	_, bob, err := h.join(ev.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, db.EventReady, h.event(ev.ID).Status)

	h.pay(alice, 3, 50000, 6)
	require.Equal(t, webhook.OutcomeAnomaly, h.pay(bob, 4, 40000, 1))

	got := h.event(ev.ID)
	require.Equal(t, db.EventOpen, got.Status)
	require.Equal(t, db.ParticipantPaid,
		findParticipant(got, "alice").Status)
	require.Equal(t, db.ParticipantReleased,
		findParticipant(got, "bob").Status)

	// Bob may try again.
	got, _, err = h.join(ev.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, db.EventReady, got.Status)
	require.Equal(t, db.ParticipantPending,
		findParticipant(got, "bob").Status)
}

func TestJoinUpstreamFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ev, _ := h.openEvent(chessNight())

	h.hooks.setFail(true)
	_, _, err := h.join(ev.ID, "alice")
	require.True(t, errs.Is(err, errs.ErrUpstream), err)

	got := h.event(ev.ID)
	require.Zero(t, got.ActiveParticipants())
	require.Equal(t, db.ParticipantReleased,
		findParticipant(got, "alice").Status)

	h.hooks.setFail(false)
	_, _, err = h.join(ev.ID, "alice")
	require.NoError(t, err)
}

// TestRefundParticipant refunds a paid entry of a cancelled event and
// settles the refund through its own notifications.
func TestRefundParticipant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 0)
	ev, _ := h.openEvent(chessNight())

	_, alice, err := h.join(ev.ID, "alice")
	require.NoError(t, err)
	to := h.recipient()

	_, err = h.orch.RefundParticipant(ctx, ev.ID, "alice", to)
	require.True(t, errs.Is(err, errs.ErrInvalidState), err)

	h.pay(alice, 5, 50000, 6)
	_, err = h.orch.RefundParticipant(ctx, ev.ID, "alice", to)
	require.True(t, errs.Is(err, errs.ErrInvalidState), err)

	_, err = h.orch.CancelEvent(ctx, ev.ID)
	require.NoError(t, err)

	_, err = h.orch.RefundParticipant(ctx, ev.ID, "alice", "notanaddress")
	require.True(t, errs.Is(err, errs.ErrInvalidArgument), err)

	res, err := h.orch.RefundParticipant(ctx, ev.ID, "alice", to)
	require.NoError(t, err)

	fee, err := feeest.Estimate(1, 2, 2)
	require.NoError(t, err)
	require.Equal(t, fee, res.Fee)
	require.NotEmpty(t, res.Packet)

	out := res.Transaction
	require.Equal(t, db.DirectionOutgoing, out.Direction)
	require.Equal(t, db.PurposeRefundUser, out.Purpose)
	require.Equal(t, db.StatusPending, out.Status)
	require.Equal(t, alice.Transaction.ID, out.RefundOf)
	require.Equal(t, 50000-fee, out.ExpectedAmount)
	require.Equal(t, to, res.Subscription.Address)

	var msgTx wire.MsgTx
	require.NoError(t, msgTx.Deserialize(bytes.NewReader(out.RawTx)))
	require.Equal(t, out.TxHash, msgTx.TxHash().String())
	require.Len(t, msgTx.TxIn, 1)
	require.Len(t, msgTx.TxOut, 1)
	require.EqualValues(t, 50000-fee, msgTx.TxOut[0].Value)

	unspent, err := h.utxos.ListUnspent(ctx, "alice", ev.ID)
	require.NoError(t, err)
	require.Empty(t, unspent)
	require.Equal(t, db.ParticipantRefunded,
		findParticipant(h.event(ev.ID), "alice").Status)

	_, err = h.orch.Refund(ctx, RefundRequest{
		TxRef:     alice.Transaction.ID,
		Recipient: to,
	})
	require.True(t, errs.Is(err, errs.ErrDuplicate), err)

	// The refund reaches finality at the recipient and drains the
	// deposit wallet.
	outcome, err := h.rec.HandleNotification(
		ctx, res.Subscription.URLID, &indexer.TxPayload{
			Hash:          out.TxHash,
			Confirmations: 6,
			BlockHeight:   210,
			Outputs: []indexer.TxOutput{{
				Value:     msgTx.TxOut[0].Value,
				Addresses: []string{to},
			}},
		},
	)
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeApplied, outcome)

	settled, err := h.ledger.Get(ctx, out.ID)
	require.NoError(t, err)
	require.Equal(t, db.StatusCompleted, settled.Status)

	w, err := h.store.GetWallet(ctx, alice.Wallet.ID)
	require.NoError(t, err)
	require.Zero(t, w.ConfirmedBalance)
	require.Zero(t, w.UnconfirmedBalance)
}

// TestRefundWithChange refunds an entry from a wallet holding more than the
// payment and checks the change returns to the wallet once the refund is
// final.
func TestRefundWithChange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 0)
	ev, _ := h.openEvent(chessNight())

	_, alice, err := h.join(ev.ID, "alice")
	require.NoError(t, err)
	h.pay(alice, 7, 50000, 6)

	addr, err := btcutil.DecodeAddress(alice.Address(), params)
	require.NoError(t, err)
	walletScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	// A larger output of the deposit wallet is selected first.
	topUp := dbtest.Hash(0x70)
	err = h.utxos.RecordUTXO(ctx, &db.UTXO{
		OutPoint:   *wire.NewOutPoint(&topUp, 0),
		Amount:     100000,
		Address:    alice.Address(),
		PkScript:   walletScript,
		ScriptType: txscript.WitnessV0PubKeyHashTy.String(),
		WalletRef:  alice.Wallet.ID,
		OwnerRef:   "alice",
		EventRef:   ev.ID,
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	_, _, err = h.store.ApplyBalanceDelta(ctx, db.BalanceDeltaParams{
		WalletID:       alice.Wallet.ID,
		CreditKey:      topUp.String() + ":confirmed",
		ConfirmedDelta: 100000,
	})
	require.NoError(t, err)

	_, err = h.orch.CancelEvent(ctx, ev.ID)
	require.NoError(t, err)

	to := h.recipient()
	res, err := h.orch.RefundParticipant(ctx, ev.ID, "alice", to)
	require.NoError(t, err)

	fee, err := feeest.Estimate(1, 2, 2)
	require.NoError(t, err)
	require.Equal(t, fee, res.Fee)

	var msgTx wire.MsgTx
	require.NoError(t, msgTx.Deserialize(
		bytes.NewReader(res.Transaction.RawTx),
	))
	require.Len(t, msgTx.TxIn, 1)
	require.Equal(t, topUp, msgTx.TxIn[0].PreviousOutPoint.Hash)
	require.Len(t, msgTx.TxOut, 2)

	var change int64
	for _, out := range msgTx.TxOut {
		if bytes.Equal(out.PkScript, walletScript) {
			change += out.Value
		}
	}
	require.EqualValues(t, 50000, change)

	outcome, err := h.rec.HandleNotification(
		ctx, res.Subscription.URLID, &indexer.TxPayload{
			Hash:          res.Transaction.TxHash,
			Confirmations: 6,
			BlockHeight:   220,
			Outputs: []indexer.TxOutput{{
				Value:     int64(res.Transaction.ExpectedAmount),
				Addresses: []string{to},
			}},
		},
	)
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeApplied, outcome)

	refundHash := msgTx.TxHash()
	unspent, err := h.utxos.ListUnspent(ctx, "alice", ev.ID)
	require.NoError(t, err)
	require.Len(t, unspent, 2)

	var changeOut *db.UTXO
	for i := range unspent {
		if unspent[i].OutPoint.Hash == refundHash {
			changeOut = unspent[i]
		}
	}
	require.NotNil(t, changeOut)
	require.Equal(t, btcutil.Amount(50000), changeOut.Amount)
	require.Equal(t, walletScript, changeOut.PkScript)
	require.Equal(t, alice.Wallet.ID, changeOut.WalletRef)

	w, err := h.store.GetWallet(ctx, alice.Wallet.ID)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(100000), w.ConfirmedBalance)
	require.Zero(t, w.UnconfirmedBalance)
}

// TestRefundCreatorDust refuses a prize pool refund the fee would reduce to
// dust and leaves the outputs unspent.
func TestRefundCreatorDust(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 0)
	req := chessNight()
	req.PrizePool = 600
	ev, _ := h.openEvent(req)

	_, err := h.orch.CancelEvent(ctx, ev.ID)
	require.NoError(t, err)

	_, err = h.orch.RefundCreator(ctx, ev.ID, h.recipient())
	require.True(t, errs.Is(err, errs.ErrInvalidArgument), err)

	unspent, err := h.utxos.ListUnspent(ctx, "carol", ev.ID)
	require.NoError(t, err)
	require.Len(t, unspent, 1)

	refunds, err := h.ledger.List(ctx, db.ListTxnsQuery{
		Status: fn.Some(db.StatusPending),
	})
	require.NoError(t, err)
	require.Empty(t, refunds)
}

func TestRefundCreator(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 0)
	ev, funding := h.openEvent(chessNight())

	_, err := h.orch.RefundCreator(ctx, ev.ID, h.recipient())
	require.True(t, errs.Is(err, errs.ErrInvalidState), err)

	_, err = h.orch.CancelEvent(ctx, ev.ID)
	require.NoError(t, err)

	res, err := h.orch.RefundCreator(ctx, ev.ID, h.recipient())
	require.NoError(t, err)
	require.Equal(t, db.PurposeRefundCreator, res.Transaction.Purpose)
	require.Equal(t, funding.Transaction.ID, res.Transaction.RefundOf)
	require.Equal(t, 100000-res.Fee, res.Transaction.ExpectedAmount)
}

// TestConcurrentRefunds races two refunds of one entry.  Exactly one of
// them may spend the deposit.
func TestConcurrentRefunds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 0)
	ev, _ := h.openEvent(chessNight())

	_, alice, err := h.join(ev.ID, "alice")
	require.NoError(t, err)
	h.pay(alice, 6, 50000, 6)
	_, err = h.orch.CancelEvent(ctx, ev.ID)
	require.NoError(t, err)

	to := h.recipient()
	errc := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := h.orch.Refund(ctx, RefundRequest{
				TxRef:     alice.Transaction.ID,
				Recipient: to,
			})
			errc <- err
		}()
	}
	wg.Wait()
	close(errc)

	var ok, dup int
	for err := range errc {
		switch {
		case err == nil:
			ok++
		case errs.Is(err, errs.ErrDuplicate):
			dup++
		default:
			t.Fatalf("unexpected refund error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, dup)
}

func TestRefundIncomplete(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	_, d, err := h.orch.FundEvent(context.Background(), chessNight())
	require.NoError(t, err)

	_, err = h.orch.Refund(context.Background(), RefundRequest{
		TxRef:     d.Transaction.ID,
		Recipient: h.recipient(),
	})
	require.True(t, errs.Is(err, errs.ErrInvalidState), err)
}
