// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kvdb

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
)

// CreateTx persists a new ledger transaction.
func (s *Store) CreateTx(ctx context.Context, t *db.Transaction) error {
	return s.update(ctx, "create tx", func(tx walletdb.ReadWriteTx) error {
		b := tx.ReadWriteBucket(txnsBucket)
		if b.Get([]byte(t.ID)) != nil {
			return errs.Errorf(errs.ErrDuplicate,
				"transaction %s already exists", t.ID)
		}
		return putJSON(b, []byte(t.ID), t)
	})
}

func fetchTx(b walletdb.ReadBucket, id string) (*db.Transaction, error) {
	var t db.Transaction
	ok, err := getJSON(b, []byte(id), &t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Errorf(errs.ErrNotFound,
			"transaction %s not found", id)
	}
	return &t, nil
}

// GetTx retrieves a ledger transaction by id.
func (s *Store) GetTx(ctx context.Context, id string) (*db.Transaction, error) {
	var t *db.Transaction
	err := s.view(ctx, "get tx", func(tx walletdb.ReadTx) error {
		var err error
		t, err = fetchTx(tx.ReadBucket(txnsBucket), id)
		return err
	})
	return t, err
}

// UpdateTx applies a conditional update under the bolt writer lock.
func (s *Store) UpdateTx(ctx context.Context, params db.UpdateTxParams) error {
	return s.update(ctx, "update tx", func(tx walletdb.ReadWriteTx) error {
		b := tx.ReadWriteBucket(txnsBucket)
		t, err := fetchTx(b, params.ID)
		if err != nil {
			return err
		}

		if t.Status != params.PrevStatus ||
			t.Confirmations != params.PrevConfirmations {

			return errs.Errorf(errs.ErrConflict, "transaction %s "+
				"changed concurrently (%s/%d, expected %s/%d)",
				t.ID, t.Status, t.Confirmations,
				params.PrevStatus, params.PrevConfirmations)
		}

		t.Status = params.Status
		t.Confirmations = params.Confirmations
		t.UnconfirmedAmount = params.UnconfirmedAmount
		t.ConfirmedAmount = params.ConfirmedAmount
		t.TxHash = params.TxHash
		t.FailureReason = params.FailureReason
		t.UpdatedAt = params.UpdatedAt
		return putJSON(b, []byte(t.ID), t)
	})
}

// ListTxns scans the ledger for matching transactions.
func (s *Store) ListTxns(ctx context.Context,
	query db.ListTxnsQuery) ([]db.Transaction, error) {

	var txns []db.Transaction
	err := s.view(ctx, "list txns", func(tx walletdb.ReadTx) error {
		return tx.ReadBucket(txnsBucket).ForEach(func(_, v []byte) error {
			var t db.Transaction
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if query.Matches(&t) {
				txns = append(txns, t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(txns, func(i, j int) bool {
		if txns[i].CreatedAt.Equal(txns[j].CreatedAt) {
			return txns[i].ID < txns[j].ID
		}
		return txns[i].CreatedAt.Before(txns[j].CreatedAt)
	})
	return txns, nil
}
