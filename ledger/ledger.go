// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ledger records expected payments and refunds and moves them
// through their confirmation states.
//
// Status only moves forward along pending, mempool, confirming and
// completed.  Failed is reachable from every non-terminal status.
// Completed and failed records are never changed again, and the recorded
// confirmation count never decreases.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
	"github.com/google/uuid"
)

// Ledger owns the ledger transactions.
type Ledger struct {
	store db.TxStore
}

// New returns a Ledger persisting to store.
func New(store db.TxStore) *Ledger {
	return &Ledger{store: store}
}

// CreateExpected records a payment that is expected to arrive or leave.
// The record starts out pending.
func (l *Ledger) CreateExpected(ctx context.Context, walletRef,
	userRef string, direction db.Direction, purpose db.TxPurpose,
	expected btcutil.Amount) (*db.Transaction, error) {

	if expected <= 0 {
		return nil, errs.Errorf(errs.ErrInvalidArgument,
			"expected amount %v is not positive", expected)
	}

	now := time.Now().UTC()
	tx := &db.Transaction{
		ID:             uuid.NewString(),
		WalletRef:      walletRef,
		UserRef:        userRef,
		Direction:      direction,
		Purpose:        purpose,
		ExpectedAmount: expected,
		Status:         db.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.store.CreateTx(ctx, tx); err != nil {
		return nil, err
	}

	log.Infof("Expecting %v %s %s for wallet %s (tx %s)", expected,
		direction, purpose, walletRef, tx.ID)
	return tx, nil
}

// OutgoingParams describes a built refund.
type OutgoingParams struct {
	WalletRef string
	UserRef   string
	Purpose   db.TxPurpose
	RefundOf  string

	// Amount is what the recipient receives after fees.
	Amount btcutil.Amount

	TxHash string
	RawTx  []byte
}

// CreateOutgoing records a signed refund.  Its confirmations are tracked
// like those of an incoming payment.
func (l *Ledger) CreateOutgoing(ctx context.Context,
	params OutgoingParams) (*db.Transaction, error) {

	if params.Amount <= 0 {
		return nil, errs.Errorf(errs.ErrInvalidArgument,
			"refund amount %v is not positive", params.Amount)
	}
	if params.TxHash == "" || len(params.RawTx) == 0 {
		return nil, errs.Errorf(errs.ErrInvalidArgument,
			"refund is missing its transaction")
	}

	now := time.Now().UTC()
	tx := &db.Transaction{
		ID:             uuid.NewString(),
		WalletRef:      params.WalletRef,
		UserRef:        params.UserRef,
		Direction:      db.DirectionOutgoing,
		Purpose:        params.Purpose,
		ExpectedAmount: params.Amount,
		Status:         db.StatusPending,
		TxHash:         params.TxHash,
		RefundOf:       params.RefundOf,
		RawTx:          params.RawTx,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.store.CreateTx(ctx, tx); err != nil {
		return nil, err
	}

	log.Infof("Recorded %s %s of %v (tx %s)", params.Purpose,
		params.TxHash, params.Amount, tx.ID)
	return tx, nil
}

// Get returns a ledger transaction.
func (l *Ledger) Get(ctx context.Context, id string) (*db.Transaction, error) {
	return l.store.GetTx(ctx, id)
}

// List returns the ledger transactions matching q.
func (l *Ledger) List(ctx context.Context,
	q db.ListTxnsQuery) ([]db.Transaction, error) {

	return l.store.ListTxns(ctx, q)
}

// Fail moves a non-terminal transaction to failed.  Failing a failed
// transaction is a no-op, failing a completed one is an error.
func (l *Ledger) Fail(ctx context.Context, id,
	reason string) (*Transition, error) {

	tx, err := l.store.GetTx(ctx, id)
	if err != nil {
		return nil, err
	}

	switch tx.Status {
	case db.StatusFailed:
		return &Transition{Prev: *tx, Next: *tx}, nil

	case db.StatusCompleted:
		return nil, errs.Errorf(errs.ErrInvalidState,
			"transaction %s is already completed", id)
	}

	tr := &Transition{Prev: *tx, Next: *tx}
	tr.Next.Status = db.StatusFailed
	tr.Next.FailureReason = reason
	if err := l.Commit(ctx, tr); err != nil {
		return nil, err
	}
	return tr, nil
}

// Commit persists a planned transition.  The update only applies if the
// record still has the status and confirmations the plan was made from,
// otherwise errs.ErrConflict is returned.  Unchanged transitions are not
// written.
func (l *Ledger) Commit(ctx context.Context, tr *Transition) error {
	if !tr.Changed() {
		return nil
	}

	tr.Next.UpdatedAt = time.Now().UTC()
	err := l.store.UpdateTx(ctx, db.UpdateTxParams{
		ID:                tr.Next.ID,
		PrevStatus:        tr.Prev.Status,
		PrevConfirmations: tr.Prev.Confirmations,
		Status:            tr.Next.Status,
		Confirmations:     tr.Next.Confirmations,
		UnconfirmedAmount: tr.Next.UnconfirmedAmount,
		ConfirmedAmount:   tr.Next.ConfirmedAmount,
		TxHash:            tr.Next.TxHash,
		FailureReason:     tr.Next.FailureReason,
		UpdatedAt:         tr.Next.UpdatedAt,
	})
	if err != nil {
		return err
	}

	if tr.StatusChanged() {
		log.Infof("Transaction %s: %s -> %s (%d confirmations)",
			tr.Next.ID, tr.Prev.Status, tr.Next.Status,
			tr.Next.Confirmations)
	}
	return nil
}

func mismatchReason(expected, observed btcutil.Amount) string {
	return fmt.Sprintf("amount mismatch: expected %v, observed %v",
		expected, observed)
}
