// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package webhook

import (
	"context"

	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/internal/metrics"
	"github.com/lightningnetwork/lnd/ticker"
)

// RunCleanup removes the hooks of subscriptions whose transaction reached a
// terminal status every time t ticks, until ctx is done.  Hooks cost quota
// at the indexer and keep delivering after finality otherwise.
func (r *Reconciler) RunCleanup(ctx context.Context, t ticker.Ticker) {
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			if err := r.Sweep(ctx); err != nil {
				log.Errorf("Subscription sweep failed: %v", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one cleanup pass.
func (r *Reconciler) Sweep(ctx context.Context) error {
	subs, err := r.cfg.Subscriptions.ListSubscriptions(
		ctx, db.ListSubscriptionsQuery{},
	)
	if err != nil {
		return err
	}

	live := len(subs)
	for _, sub := range subs {
		tx, err := r.cfg.Ledger.Get(ctx, sub.TransactionRef)
		if err != nil {
			log.Warnf("Subscription %s: transaction %s: %v",
				sub.URLID, sub.TransactionRef, err)
			continue
		}
		if !tx.Status.IsTerminal() {
			continue
		}

		if err := r.Unsubscribe(ctx, sub.URLID); err != nil {
			log.Warnf("Unable to unsubscribe %s: %v", sub.URLID,
				err)
			continue
		}
		live--
	}

	metrics.SubscriptionsActive.Set(float64(live))
	return nil
}
