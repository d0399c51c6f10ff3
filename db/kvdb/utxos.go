// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kvdb

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
)

// InsertUtxo persists a new unspent output keyed by outpoint.
func (s *Store) InsertUtxo(ctx context.Context, u *db.UTXO) error {
	return s.update(ctx, "insert utxo", func(tx walletdb.ReadWriteTx) error {
		b := tx.ReadWriteBucket(utxosBucket)
		k := outpointKey(u.OutPoint)
		if b.Get(k) != nil {
			return errs.Errorf(errs.ErrDuplicate,
				"output %v already recorded", u.OutPoint)
		}
		return putJSON(b, k, u)
	})
}

func fetchUtxo(b walletdb.ReadBucket, op wire.OutPoint) (*db.UTXO, error) {
	var u db.UTXO
	ok, err := getJSON(b, outpointKey(op), &u)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Errorf(errs.ErrNotFound, "output %v not found",
			op)
	}
	return &u, nil
}

// GetUtxo retrieves an output by outpoint.
func (s *Store) GetUtxo(ctx context.Context, op wire.OutPoint) (*db.UTXO,
	error) {

	var u *db.UTXO
	err := s.view(ctx, "get utxo", func(tx walletdb.ReadTx) error {
		var err error
		u, err = fetchUtxo(tx.ReadBucket(utxosBucket), op)
		return err
	})
	return u, err
}

// ListUTXOs scans the output set.  Results are ordered by outpoint.
func (s *Store) ListUTXOs(ctx context.Context,
	query db.ListUtxosQuery) ([]db.UTXO, error) {

	var utxos []db.UTXO
	err := s.view(ctx, "list utxos", func(tx walletdb.ReadTx) error {
		return tx.ReadBucket(utxosBucket).ForEach(func(_, v []byte) error {
			var u db.UTXO
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			if query.Matches(&u) {
				utxos = append(utxos, u)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(utxos, func(i, j int) bool {
		return bytes.Compare(
			outpointKey(utxos[i].OutPoint),
			outpointKey(utxos[j].OutPoint),
		) < 0
	})
	return utxos, nil
}

// MarkSpent validates every outpoint before writing any of them, so a
// failing batch leaves the set untouched.
func (s *Store) MarkSpent(ctx context.Context, params db.MarkSpentParams) error {
	return s.update(ctx, "mark spent", func(tx walletdb.ReadWriteTx) error {
		b := tx.ReadWriteBucket(utxosBucket)

		utxos := make([]*db.UTXO, 0, len(params.OutPoints))
		seen := make(map[wire.OutPoint]struct{}, len(params.OutPoints))
		for _, op := range params.OutPoints {
			u, err := fetchUtxo(b, op)
			if err != nil {
				return err
			}
			if _, dup := seen[op]; dup || u.Spent {
				return errs.Errorf(errs.ErrAlreadySpent,
					"output %v already spent", op)
			}
			seen[op] = struct{}{}
			utxos = append(utxos, u)
		}

		spendingHash := params.SpendingTxHash
		for _, u := range utxos {
			u.Spent = true
			u.SpendingTxHash = &spendingHash
			if err := putJSON(b, outpointKey(u.OutPoint), u); err != nil {
				return err
			}
		}
		return nil
	})
}
