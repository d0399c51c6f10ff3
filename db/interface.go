// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"context"

	"github.com/btcsuite/btcd/wire"
)

// WalletStore defines the database actions for custodial wallets.
type WalletStore interface {
	// CreateWallet persists a new wallet with zero balances. It returns
	// errs.ErrDuplicate if the id or the address is already taken.
	CreateWallet(ctx context.Context, params CreateWalletParams) (
		*Wallet, error)

	// GetWallet retrieves a wallet by id. It returns errs.ErrNotFound if
	// the wallet does not exist.
	GetWallet(ctx context.Context, id string) (*Wallet, error)

	// GetWalletByAddress retrieves a wallet by its receive address. It
	// returns errs.ErrNotFound if no wallet owns the address.
	GetWalletByAddress(ctx context.Context, address string) (*Wallet, error)

	// ApplyBalanceDelta atomically adds the deltas to the wallet balances,
	// clamping each at zero, and records the credit key. If the credit key
	// was recorded before nothing changes and applied is false. The
	// returned wallet reflects the stored balances after the call.
	ApplyBalanceDelta(ctx context.Context, params BalanceDeltaParams) (
		w *Wallet, applied bool, err error)
}

// TxStore defines the database actions for ledger transactions.
type TxStore interface {
	// CreateTx persists a new ledger transaction. It returns
	// errs.ErrDuplicate if the id is already taken.
	CreateTx(ctx context.Context, tx *Transaction) error

	// GetTx retrieves a ledger transaction by id. It returns
	// errs.ErrNotFound if it does not exist.
	GetTx(ctx context.Context, id string) (*Transaction, error)

	// UpdateTx applies a conditional update. It returns errs.ErrConflict
	// when the stored status or confirmation count no longer matches the
	// previous values in params, which means another writer won the race.
	UpdateTx(ctx context.Context, params UpdateTxParams) error

	// ListTxns returns the ledger transactions matching the query ordered
	// by creation time.
	ListTxns(ctx context.Context, query ListTxnsQuery) ([]Transaction, error)
}

// UTXOStore defines the database actions for custodial outputs.
type UTXOStore interface {
	// InsertUtxo persists a new unspent output. It returns
	// errs.ErrDuplicate if the outpoint is already known.
	InsertUtxo(ctx context.Context, utxo *UTXO) error

	// GetUtxo retrieves an output by outpoint, spent or not. It returns
	// errs.ErrNotFound if the outpoint is unknown.
	GetUtxo(ctx context.Context, op wire.OutPoint) (*UTXO, error)

	// ListUTXOs returns the outputs matching the query.
	ListUTXOs(ctx context.Context, query ListUtxosQuery) ([]UTXO, error)

	// MarkSpent flips every outpoint in params from unspent to spent in a
	// single atomic step. If any outpoint is unknown (errs.ErrNotFound) or
	// already spent (errs.ErrAlreadySpent) nothing is changed.
	MarkSpent(ctx context.Context, params MarkSpentParams) error
}

// SubscriptionStore defines the database actions for webhook
// subscriptions.
type SubscriptionStore interface {
	// CreateSubscription persists a new subscription. It returns
	// errs.ErrDuplicate if the url id is already taken.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// GetSubscription retrieves a subscription by url id, including
	// soft-deleted ones. It returns errs.ErrNotFound if the url id is
	// unknown.
	GetSubscription(ctx context.Context, urlID string) (*Subscription, error)

	// UpdateSubscription stores the processing state of a subscription.
	UpdateSubscription(ctx context.Context,
		params UpdateSubscriptionParams) error

	// AppendDelivery appends a raw notification to the audit log.
	AppendDelivery(ctx context.Context, urlID string, d Delivery) error

	// DeleteSubscription soft-deletes a subscription.
	DeleteSubscription(ctx context.Context, urlID string) error

	// ListSubscriptions returns the live subscriptions matching the
	// query.
	ListSubscriptions(ctx context.Context, query ListSubscriptionsQuery) (
		[]Subscription, error)
}

// EventStore defines the database actions for events.
type EventStore interface {
	// CreateEvent persists a new event. It returns errs.ErrDuplicate if the
	// id is already taken.
	CreateEvent(ctx context.Context, ev *Event) error

	// GetEvent retrieves an event by id. It returns errs.ErrNotFound if the
	// event does not exist.
	GetEvent(ctx context.Context, id string) (*Event, error)

	// UpdateEvent replaces the stored event with ev.
	UpdateEvent(ctx context.Context, ev *Event) error
}

// AnomalyStore defines the database actions for reconciliation anomalies.
type AnomalyStore interface {
	// RecordAnomaly persists a new anomaly. It returns errs.ErrDuplicate
	// when an anomaly with the same id was recorded before.
	RecordAnomaly(ctx context.Context, a *Anomaly) error

	// ListAnomalies returns the anomalies matching the query ordered by
	// creation time.
	ListAnomalies(ctx context.Context, query ListAnomaliesQuery) (
		[]Anomaly, error)
}

// Store is implemented by every backend.
type Store interface {
	WalletStore
	TxStore
	UTXOStore
	SubscriptionStore
	EventStore
	AnomalyStore

	// Close releases the backend's resources.
	Close() error
}
