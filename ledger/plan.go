// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
)

// Observation is what one notification reports about a transaction.
type Observation struct {
	TxHash        string
	Confirmations int32

	// Amount is the sum of the outputs paying the tracked address.
	Amount btcutil.Amount
}

// Transition is a planned change of one ledger transaction.
type Transition struct {
	Prev db.Transaction
	Next db.Transaction

	// Mismatch is set when an incoming payment was failed because the
	// observed amount differs from the expected one.
	Mismatch bool

	// Observed is the amount the plan was made from.
	Observed btcutil.Amount
}

// Changed returns whether the transition modifies the record.
func (t *Transition) Changed() bool {
	return t.Prev.Status != t.Next.Status ||
		t.Prev.Confirmations != t.Next.Confirmations ||
		t.Prev.UnconfirmedAmount != t.Next.UnconfirmedAmount ||
		t.Prev.ConfirmedAmount != t.Next.ConfirmedAmount ||
		t.Prev.TxHash != t.Next.TxHash ||
		t.Prev.FailureReason != t.Next.FailureReason
}

// StatusChanged returns whether the transition moves the status.
func (t *Transition) StatusChanged() bool {
	return t.Prev.Status != t.Next.Status
}

// Completed returns whether the transition completes the transaction.
func (t *Transition) Completed() bool {
	return t.StatusChanged() && t.Next.Status == db.StatusCompleted
}

// Failed returns whether the transition fails the transaction.
func (t *Transition) Failed() bool {
	return t.StatusChanged() && t.Next.Status == db.StatusFailed
}

// StatusFor maps a confirmation count to a status: zero is mempool, fewer
// than threshold is confirming, and threshold or more is completed.
func StatusFor(confirmations, threshold int32) db.TxStatus {
	switch {
	case confirmations >= threshold:
		return db.StatusCompleted
	case confirmations > 0:
		return db.StatusConfirming
	default:
		return db.StatusMempool
	}
}

// Plan computes the effect of obs on tx without touching storage.
//
// Terminal transactions are returned unchanged.  An incoming payment whose
// observed amount differs from the expected amount is failed and flagged
// as a mismatch.  Otherwise the status advances to the one implied by the
// highest confirmation count seen, never backwards.  A notification about
// a different on-chain transaction than the one already tracked fails
// with errs.ErrReconciliationAnomaly.
func Plan(tx *db.Transaction, obs Observation,
	threshold int32) (*Transition, error) {

	tr := &Transition{Prev: *tx, Next: *tx, Observed: obs.Amount}
	if tx.Status.IsTerminal() {
		return tr, nil
	}

	if tx.TxHash != "" && obs.TxHash != "" && tx.TxHash != obs.TxHash {
		return nil, errs.Errorf(errs.ErrReconciliationAnomaly,
			"transaction %s tracks %s, notified about %s", tx.ID,
			tx.TxHash, obs.TxHash)
	}

	next := &tr.Next
	if obs.TxHash != "" {
		next.TxHash = obs.TxHash
	}
	if obs.Confirmations > next.Confirmations {
		next.Confirmations = obs.Confirmations
	}

	if tx.Direction == db.DirectionIncoming &&
		obs.Amount != tx.ExpectedAmount {

		next.Status = db.StatusFailed
		next.FailureReason = mismatchReason(
			tx.ExpectedAmount, obs.Amount,
		)
		tr.Mismatch = true
		return tr, nil
	}
	if obs.Amount != tx.ExpectedAmount {
		log.Warnf("Refund %s: recipient received %v, expected %v",
			tx.ID, obs.Amount, tx.ExpectedAmount)
	}

	status := StatusFor(next.Confirmations, threshold)
	if status.Rank() > next.Status.Rank() {
		next.Status = status
	}

	if next.Status == db.StatusCompleted {
		next.ConfirmedAmount = obs.Amount
		next.UnconfirmedAmount = 0
	} else {
		next.UnconfirmedAmount = obs.Amount
	}
	return tr, nil
}
