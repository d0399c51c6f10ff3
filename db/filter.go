// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import "github.com/lightningnetwork/lnd/fn/v2"

// optionMatches returns whether v satisfies the optional filter opt.
func optionMatches[T comparable](opt fn.Option[T], v T) bool {
	return opt.UnwrapOr(v) == v
}

// Matches returns whether tx satisfies the query.
func (q ListTxnsQuery) Matches(tx *Transaction) bool {
	return optionMatches(q.WalletRef, tx.WalletRef) &&
		optionMatches(q.RefundOf, tx.RefundOf) &&
		optionMatches(q.Status, tx.Status)
}

// Matches returns whether u satisfies the query.
func (q ListUtxosQuery) Matches(u *UTXO) bool {
	if q.UnspentOnly && u.Spent {
		return false
	}
	return optionMatches(q.OwnerRef, u.OwnerRef) &&
		optionMatches(q.EventRef, u.EventRef) &&
		optionMatches(q.WalletRef, u.WalletRef)
}

// Matches returns whether s satisfies the query.
func (q ListSubscriptionsQuery) Matches(s *Subscription) bool {
	if s.IsDeleted {
		return false
	}
	return optionMatches(q.Status, s.Status) &&
		optionMatches(q.TransactionRef, s.TransactionRef)
}

// Matches returns whether a satisfies the query.
func (q ListAnomaliesQuery) Matches(a *Anomaly) bool {
	return optionMatches(q.TransactionRef, a.TransactionRef) &&
		optionMatches(q.Kind, a.Kind)
}

// ClampAmount returns a, or zero when a is negative.
func ClampAmount[T ~int64](a T) T {
	if a < 0 {
		return 0
	}
	return a
}
