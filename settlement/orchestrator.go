// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package settlement composes the wallet registry, the ledger, the webhook
// reconciler and the UTXO index into the event use cases: funding an event,
// joining it, cancelling it and refunding deposits.
//
// Workflows that register monitors at the indexer compensate on failure:
// whatever was created before the failing step is unsubscribed or failed, so
// no half created event or participant is reachable afterwards.
package settlement

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
	"github.com/eventwallet/eventwallet/feeest"
	"github.com/eventwallet/eventwallet/internal/locker"
	"github.com/eventwallet/eventwallet/ledger"
	"github.com/eventwallet/eventwallet/txbuilder"
	"github.com/eventwallet/eventwallet/walletmgr"
	"github.com/google/uuid"
)

// Wallets is the part of the wallet registry the orchestrator uses.
type Wallets interface {
	CreateWallet(ctx context.Context,
		params walletmgr.CreateWalletParams) (*db.Wallet, error)
	Get(ctx context.Context, id string) (*db.Wallet, error)
}

// TxLedger is the part of the ledger the orchestrator uses.
type TxLedger interface {
	CreateExpected(ctx context.Context, walletRef, userRef string,
		direction db.Direction, purpose db.TxPurpose,
		expected btcutil.Amount) (*db.Transaction, error)
	CreateOutgoing(ctx context.Context,
		params ledger.OutgoingParams) (*db.Transaction, error)
	Get(ctx context.Context, id string) (*db.Transaction, error)
	List(ctx context.Context, q db.ListTxnsQuery) ([]db.Transaction, error)
	Fail(ctx context.Context, id, reason string) (*ledger.Transition, error)
}

// Monitor registers payment monitors.  It is implemented by
// webhook.Reconciler.
type Monitor interface {
	Subscribe(ctx context.Context, address, txRef string,
		threshold int32) (*db.Subscription, error)
	Unsubscribe(ctx context.Context, urlID string) error
}

// Coins selects and spends custodial outputs.  It is implemented by
// utxoindex.Index.
type Coins interface {
	LockOwner(ctx context.Context, ownerRef, eventRef string) (func(),
		error)
	SelectForAmount(ctx context.Context, ownerRef, eventRef string,
		target btcutil.Amount) ([]*db.UTXO, error)
	MarkSpentAll(ctx context.Context, ops []wire.OutPoint,
		spendingTx chainhash.Hash) error
}

// FeeRates reports the current network fee rates.  It is implemented by
// feeest.Estimator.
type FeeRates interface {
	CurrentRates(ctx context.Context) (*feeest.Rates, error)
}

// Config holds the dependencies and policy of an Orchestrator.
type Config struct {
	Events  db.EventStore
	Wallets Wallets
	Ledger  TxLedger
	Monitor Monitor
	Coins   Coins
	Fees    FeeRates
	Signer  txbuilder.Signer

	// ChainParams is the network refund addresses must belong to.
	ChainParams *chaincfg.Params

	// WalletType is the type of the deposit wallets created.
	WalletType db.WalletType

	// CreationFee is charged to the creator on top of the prize pool.
	CreationFee btcutil.Amount

	// FeePriority is the fee tier refunds are built with.
	FeePriority feeest.Priority
}

// Orchestrator runs the settlement use cases.
type Orchestrator struct {
	cfg Config

	// events serializes read-modify-write cycles on one event.
	events locker.Locker
}

// New returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Events == nil || cfg.Wallets == nil || cfg.Ledger == nil:
		return nil, errs.Errorf(errs.ErrConfiguration,
			"orchestrator requires events, wallets and ledger")

	case cfg.Monitor == nil || cfg.Coins == nil || cfg.Fees == nil ||
		cfg.Signer == nil:

		return nil, errs.Errorf(errs.ErrConfiguration,
			"orchestrator requires monitor, coins, fees and signer")

	case cfg.ChainParams == nil:
		return nil, errs.Errorf(errs.ErrConfiguration,
			"orchestrator requires chain parameters")

	case cfg.CreationFee < 0:
		return nil, errs.Errorf(errs.ErrConfiguration,
			"negative creation fee %v", cfg.CreationFee)
	}

	return &Orchestrator{cfg: cfg}, nil
}

// Deposit is an expected payment into a fresh custodial wallet together
// with the monitor watching for it.
type Deposit struct {
	Wallet       *db.Wallet
	Transaction  *db.Transaction
	Subscription *db.Subscription
}

// Address is where the payment must be sent.
func (d *Deposit) Address() string {
	return d.Wallet.Address
}

// Amount is the exact amount that must be paid.
func (d *Deposit) Amount() btcutil.Amount {
	return d.Transaction.ExpectedAmount
}

// openDeposit creates a wallet, the expected incoming payment into it and
// the monitor for it.  On failure the steps that succeeded are undone.
func (o *Orchestrator) openDeposit(ctx context.Context,
	params walletmgr.CreateWalletParams, purpose db.TxPurpose,
	amount btcutil.Amount) (*Deposit, error) {

	wallet, err := o.cfg.Wallets.CreateWallet(ctx, params)
	if err != nil {
		return nil, err
	}

	tx, err := o.cfg.Ledger.CreateExpected(
		ctx, wallet.ID, params.OwnerRef, db.DirectionIncoming, purpose,
		amount,
	)
	if err != nil {
		return nil, err
	}

	sub, err := o.cfg.Monitor.Subscribe(ctx, wallet.Address, tx.ID, 0)
	if err != nil {
		o.failTx(ctx, tx.ID, "monitor registration failed")
		return nil, err
	}

	return &Deposit{Wallet: wallet, Transaction: tx, Subscription: sub}, nil
}

// closeDeposit undoes openDeposit.
func (o *Orchestrator) closeDeposit(ctx context.Context, d *Deposit,
	reason string) {

	if err := o.cfg.Monitor.Unsubscribe(ctx, d.Subscription.URLID); err != nil {
		log.Errorf("Unable to unsubscribe %s: %v", d.Subscription.URLID,
			err)
	}
	o.failTx(ctx, d.Transaction.ID, reason)
}

func (o *Orchestrator) failTx(ctx context.Context, id, reason string) {
	if _, err := o.cfg.Ledger.Fail(ctx, id, reason); err != nil {
		log.Errorf("Unable to fail transaction %s: %v", id, err)
	}
}

// lockEvent runs f on the current state of an event while holding its
// lock, and stores the event if f returns without error.
func (o *Orchestrator) lockEvent(ctx context.Context, id string,
	f func(ev *db.Event) error) (*db.Event, error) {

	release, err := o.events.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	ev, err := o.cfg.Events.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := f(ev); err != nil {
		return nil, err
	}

	ev.UpdatedAt = time.Now().UTC()
	if err := o.cfg.Events.UpdateEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// GetEvent returns an event.
func (o *Orchestrator) GetEvent(ctx context.Context,
	id string) (*db.Event, error) {

	return o.cfg.Events.GetEvent(ctx, id)
}

// FundEventRequest describes a new event.
type FundEventRequest struct {
	CreatorRef string
	Title      string

	EntryFee  btcutil.Amount
	PrizePool btcutil.Amount

	MinParticipants uint32
	MaxParticipants uint32
}

func (r *FundEventRequest) validate() error {
	switch {
	case r.CreatorRef == "" || r.Title == "":
		return errs.Errorf(errs.ErrInvalidArgument,
			"event needs a creator and a title")

	case r.EntryFee <= 0 || r.PrizePool <= 0:
		return errs.Errorf(errs.ErrInvalidArgument,
			"entry fee %v and prize pool %v must be positive",
			r.EntryFee, r.PrizePool)

	case r.MinParticipants == 0 ||
		r.MaxParticipants < r.MinParticipants:

		return errs.Errorf(errs.ErrInvalidArgument,
			"invalid participant range %d..%d",
			r.MinParticipants, r.MaxParticipants)
	}
	return nil
}

// FundEvent creates an event waiting for its prize pool.  The returned
// deposit tells the creator where to pay the prize pool plus the creation
// fee.  The event opens once that payment is final.
func (o *Orchestrator) FundEvent(ctx context.Context,
	req FundEventRequest) (*db.Event, *Deposit, error) {

	if err := req.validate(); err != nil {
		return nil, nil, err
	}

	id := uuid.NewString()
	deposit, err := o.openDeposit(ctx, walletmgr.CreateWalletParams{
		Type:     o.cfg.WalletType,
		Purpose:  db.PurposePrizePool,
		OwnerRef: req.CreatorRef,
		EventRef: id,
	}, db.PurposePayFeeAndFundPool, req.PrizePool+o.cfg.CreationFee)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	ev := &db.Event{
		ID:              id,
		CreatorRef:      req.CreatorRef,
		Title:           req.Title,
		EntryFee:        req.EntryFee,
		PrizePool:       req.PrizePool,
		MinParticipants: req.MinParticipants,
		MaxParticipants: req.MaxParticipants,
		Status:          db.EventPendingFunding,
		WalletRef:       deposit.Wallet.ID,
		FundingTxRef:    deposit.Transaction.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.cfg.Events.CreateEvent(ctx, ev); err != nil {
		o.closeDeposit(ctx, deposit, "event creation failed")
		return nil, nil, err
	}

	log.Infof("Event %s created by %s, awaiting %v at %s", ev.ID,
		ev.CreatorRef, deposit.Amount(), deposit.Address())
	return ev, deposit, nil
}

// JoinEventRequest describes a participant joining an event.
type JoinEventRequest struct {
	EventID string
	UserRef string
}

// JoinEvent reserves a slot for a participant and returns the deposit the
// entry fee must be paid into.  It fails with errs.ErrEventFull when the
// event is at capacity or does not accept participants.
//
// The slot is reserved under the event lock before any monitor is
// registered, and the lock is not held while the indexer is called.  A
// failed registration gives the slot back.
func (o *Orchestrator) JoinEvent(ctx context.Context,
	req JoinEventRequest) (*db.Event, *Deposit, error) {

	if req.EventID == "" || req.UserRef == "" {
		return nil, nil, errs.Errorf(errs.ErrInvalidArgument,
			"join needs an event and a user")
	}

	ev, err := o.lockEvent(ctx, req.EventID, func(ev *db.Event) error {
		switch {
		case ev.CreatorRef == req.UserRef:
			return errs.Errorf(errs.ErrInvalidArgument,
				"creator can not join event %s", ev.ID)

		case !ev.Status.AcceptsParticipants():
			return errs.Errorf(errs.ErrEventFull,
				"event %s is %s", ev.ID, ev.Status)

		case ev.ActiveParticipants() >= ev.MaxParticipants:
			return errs.Errorf(errs.ErrEventFull,
				"event %s has %d of %d participants", ev.ID,
				ev.ActiveParticipants(), ev.MaxParticipants)
		}
		if participant(ev, req.UserRef) != nil {
			return errs.Errorf(errs.ErrDuplicate,
				"%s already joined event %s", req.UserRef,
				ev.ID)
		}

		ev.Participants = append(ev.Participants, db.Participant{
			UserRef:  req.UserRef,
			Status:   db.ParticipantPending,
			JoinedAt: time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	deposit, err := o.openDeposit(ctx, walletmgr.CreateWalletParams{
		Type:     o.cfg.WalletType,
		Purpose:  db.PurposeEntryDeposit,
		OwnerRef: req.UserRef,
		EventRef: ev.ID,
	}, db.PurposeEntryFeePayment, ev.EntryFee)
	if err != nil {
		o.releaseSlot(ctx, ev.ID, req.UserRef)
		return nil, nil, err
	}

	ev, err = o.lockEvent(ctx, ev.ID, func(ev *db.Event) error {
		p := participant(ev, req.UserRef)
		if p == nil {
			return errs.Errorf(errs.ErrInvalidState,
				"slot of %s in event %s vanished", req.UserRef,
				ev.ID)
		}
		p.WalletRef = deposit.Wallet.ID
		p.TxRef = deposit.Transaction.ID

		if ev.Status == db.EventOpen &&
			ev.ActiveParticipants() >= ev.MinParticipants {

			log.Infof("Event %s reached %d participants and is "+
				"ready", ev.ID, ev.MinParticipants)
			ev.Status = db.EventReady
		}
		return nil
	})
	if err != nil {
		o.closeDeposit(ctx, deposit, "participant update failed")
		o.releaseSlot(ctx, req.EventID, req.UserRef)
		return nil, nil, err
	}

	log.Infof("%s joined event %s, awaiting %v at %s", req.UserRef, ev.ID,
		deposit.Amount(), deposit.Address())
	return ev, deposit, nil
}

// releaseSlot gives a reserved slot back.
func (o *Orchestrator) releaseSlot(ctx context.Context, eventID,
	userRef string) {

	_, err := o.lockEvent(ctx, eventID, func(ev *db.Event) error {
		if p := participant(ev, userRef); p != nil {
			p.Status = db.ParticipantReleased
		}
		reopen(ev)
		return nil
	})
	if err != nil {
		log.Errorf("Unable to release slot of %s in event %s: %v",
			userRef, eventID, err)
	}
}

// participant returns the participant record of userRef that holds a slot,
// or nil.
func participant(ev *db.Event, userRef string) *db.Participant {
	for i := range ev.Participants {
		p := &ev.Participants[i]
		if p.UserRef == userRef && p.Status.HoldsSlot() {
			return p
		}
	}
	return nil
}

// reopen moves a ready event that dropped below its minimum back to open.
func reopen(ev *db.Event) {
	if ev.Status == db.EventReady &&
		ev.ActiveParticipants() < ev.MinParticipants {

		ev.Status = db.EventOpen
	}
}

// CancelEvent calls an event off.  Joins are refused afterwards and the
// deposits become refundable.  Cancelling twice is a no-op.
func (o *Orchestrator) CancelEvent(ctx context.Context,
	eventID string) (*db.Event, error) {

	return o.lockEvent(ctx, eventID, func(ev *db.Event) error {
		switch ev.Status {
		case db.EventCancelled:
			return nil

		case db.EventFailed:
			return errs.Errorf(errs.ErrInvalidState,
				"event %s already failed", ev.ID)
		}

		log.Infof("Event %s cancelled (was %s)", ev.ID, ev.Status)
		ev.Status = db.EventCancelled
		return nil
	})
}
