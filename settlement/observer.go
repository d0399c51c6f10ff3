// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settlement

import (
	"context"

	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/ledger"
)

// HandleTransition advances events on ledger status changes.  It is
// registered with webhook.Reconciler.Observe.
func (o *Orchestrator) HandleTransition(ctx context.Context,
	tr *ledger.Transition) error {

	if !tr.StatusChanged() || !tr.Next.Status.IsTerminal() {
		return nil
	}

	tx := &tr.Next
	if tx.Direction == db.DirectionOutgoing {
		log.Infof("Refund %s (%s) is %s", tx.ID, tx.TxHash, tx.Status)
		return nil
	}

	wallet, err := o.cfg.Wallets.Get(ctx, tx.WalletRef)
	if err != nil {
		return err
	}

	_, err = o.lockEvent(ctx, wallet.EventRef, func(ev *db.Event) error {
		if tx.Purpose == db.PurposePayFeeAndFundPool {
			fundingSettled(ev, tx)
			return nil
		}
		entrySettled(ev, tx)
		return nil
	})
	return err
}

func fundingSettled(ev *db.Event, tx *db.Transaction) {
	if ev.FundingTxRef != tx.ID || ev.Status != db.EventPendingFunding {
		return
	}

	if tx.Status == db.StatusCompleted {
		log.Infof("Event %s funded, open for participants", ev.ID)
		ev.Status = db.EventOpen
		return
	}

	log.Warnf("Funding of event %s failed: %s", ev.ID, tx.FailureReason)
	ev.Status = db.EventFailed
}

func entrySettled(ev *db.Event, tx *db.Transaction) {
	for i := range ev.Participants {
		p := &ev.Participants[i]
		if p.UserRef != tx.UserRef || p.Status != db.ParticipantPending {
			continue
		}
		if p.TxRef != "" && p.TxRef != tx.ID {
			continue
		}

		if tx.Status == db.StatusCompleted {
			log.Infof("%s paid the entry fee of event %s",
				p.UserRef, ev.ID)
			p.Status = db.ParticipantPaid
			return
		}

		log.Warnf("Entry of %s in event %s failed, slot released: %s",
			p.UserRef, ev.ID, tx.FailureReason)
		p.Status = db.ParticipantReleased
		reopen(ev)
		return
	}
}
