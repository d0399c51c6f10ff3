// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package utxoindex tracks the outputs paid to custodial wallets and selects
// them to fund refunds.
package utxoindex

import (
	"bytes"
	"context"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
	"github.com/eventwallet/eventwallet/internal/locker"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Index is the UTXO index.  Selection and spend marking for one owner must
// happen under LockOwner so two refunds never pick the same outputs.
type Index struct {
	store  db.UTXOStore
	owners locker.Locker
}

// New returns an Index backed by store.
func New(store db.UTXOStore) *Index {
	return &Index{store: store}
}

// RecordUTXO inserts a new unspent output.  It fails with errs.ErrDuplicate
// when the outpoint is already known.
func (i *Index) RecordUTXO(ctx context.Context, u *db.UTXO) error {
	if u.Amount <= 0 {
		return errs.Errorf(errs.ErrInvalidArgument,
			"output %v has non-positive amount %v", u.OutPoint,
			u.Amount)
	}
	if u.Spent {
		return errs.Errorf(errs.ErrInvalidArgument,
			"output %v recorded as spent", u.OutPoint)
	}

	if err := i.store.InsertUtxo(ctx, u); err != nil {
		return err
	}

	log.Debugf("Recorded output %v of %v for wallet %s", u.OutPoint,
		u.Amount, u.WalletRef)
	return nil
}

// LockOwner serializes selection and spend marking for one owner within one
// event.  The returned function releases the lock.
func (i *Index) LockOwner(ctx context.Context, ownerRef,
	eventRef string) (func(), error) {

	return i.owners.Lock(ctx, ownerRef+"/"+eventRef)
}

// ListUnspent returns the unspent outputs of an owner.  An empty eventRef
// matches outputs of every event.
func (i *Index) ListUnspent(ctx context.Context, ownerRef,
	eventRef string) ([]*db.UTXO, error) {

	query := db.ListUtxosQuery{
		OwnerRef:    fn.Some(ownerRef),
		UnspentOnly: true,
	}
	if eventRef != "" {
		query.EventRef = fn.Some(eventRef)
	}

	utxos, err := i.store.ListUTXOs(ctx, query)
	if err != nil {
		return nil, err
	}

	unspent := make([]*db.UTXO, len(utxos))
	for n := range utxos {
		unspent[n] = &utxos[n]
	}
	return unspent, nil
}

// SelectForAmount picks unspent outputs of the owner, largest first, until
// their sum reaches target.  Nothing is marked spent.  It fails with
// errs.ErrInsufficientFunds when all unspent outputs together fall short.
func (i *Index) SelectForAmount(ctx context.Context, ownerRef,
	eventRef string, target btcutil.Amount) ([]*db.UTXO, error) {

	utxos, err := i.ListUnspent(ctx, ownerRef, eventRef)
	if err != nil {
		return nil, err
	}

	selected, total, err := SelectLargestFirst(utxos, target)
	if err != nil {
		return nil, err
	}

	log.Debugf("Selected %d outputs totalling %v for %v owned by %s",
		len(selected), total, target, ownerRef)
	return selected, nil
}

// SelectLargestFirst sorts utxos by descending amount and returns the
// shortest prefix whose sum reaches target, along with that sum.  Ties are
// broken by outpoint so selection is deterministic.
func SelectLargestFirst(utxos []*db.UTXO,
	target btcutil.Amount) ([]*db.UTXO, btcutil.Amount, error) {

	if target <= 0 {
		return nil, 0, errs.Errorf(errs.ErrInvalidArgument,
			"selection target %v is not positive", target)
	}

	sorted := make([]*db.UTXO, 0, len(utxos))
	for _, u := range utxos {
		if !u.Spent {
			sorted = append(sorted, u)
		}
	}
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Amount != sorted[b].Amount {
			return sorted[a].Amount > sorted[b].Amount
		}
		return outPointLess(sorted[a].OutPoint, sorted[b].OutPoint)
	})

	var total btcutil.Amount
	for n, u := range sorted {
		total += u.Amount
		if total >= target {
			return sorted[:n+1], total, nil
		}
	}

	return nil, total, errs.Errorf(errs.ErrInsufficientFunds,
		"unspent total %v is below target %v", total, target)
}

func outPointLess(a, b wire.OutPoint) bool {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c < 0
	}
	return a.Index < b.Index
}

// MarkSpent flags one output as spent by spendingTx.  It fails with
// errs.ErrNotFound for an unknown output and errs.ErrAlreadySpent when the
// output was spent before.
func (i *Index) MarkSpent(ctx context.Context, op wire.OutPoint,
	spendingTx chainhash.Hash) error {

	return i.MarkSpentAll(ctx, []wire.OutPoint{op}, spendingTx)
}

// MarkSpentAll flags all outputs as spent by spendingTx, or none of them.
func (i *Index) MarkSpentAll(ctx context.Context, ops []wire.OutPoint,
	spendingTx chainhash.Hash) error {

	if len(ops) == 0 {
		return errs.Errorf(errs.ErrInvalidArgument,
			"no outputs to mark spent")
	}

	err := i.store.MarkSpent(ctx, db.MarkSpentParams{
		OutPoints:      ops,
		SpendingTxHash: spendingTx,
	})
	if err != nil {
		if errs.Is(err, errs.ErrAlreadySpent) {
			log.Errorf("Double spend rejected for tx %v: %v",
				spendingTx, err)
		}
		return err
	}

	log.Infof("Marked %d outputs spent by %v", len(ops), spendingTx)
	return nil
}

// SpentBy returns the outputs of a wallet that spendingTx consumed.
func (i *Index) SpentBy(ctx context.Context, walletRef string,
	spendingTx chainhash.Hash) ([]*db.UTXO, error) {

	utxos, err := i.store.ListUTXOs(ctx, db.ListUtxosQuery{
		WalletRef: fn.Some(walletRef),
	})
	if err != nil {
		return nil, err
	}

	var spent []*db.UTXO
	for n := range utxos {
		u := &utxos[n]
		if u.Spent && u.SpendingTxHash != nil &&
			*u.SpendingTxHash == spendingTx {

			spent = append(spent, u)
		}
	}
	return spent, nil
}

// Sum returns the total amount of utxos.
func Sum(utxos []*db.UTXO) btcutil.Amount {
	var total btcutil.Amount
	for _, u := range utxos {
		total += u.Amount
	}
	return total
}
