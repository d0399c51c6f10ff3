// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sqldb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
)

const utxoColumns = `tx_hash, output_index, amount, address, pk_script,
	script_type, spent, spending_tx_hash, wallet_ref, owner_ref, event_ref,
	block_height, created_at`

// InsertUtxo persists a new unspent output.
func (s *Store) InsertUtxo(ctx context.Context, u *db.UTXO) error {
	ok, err := insertUnique(ctx, s.db, `INSERT INTO utxos (`+utxoColumns+
		`) VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8, $9, $10, $11,
		$12) ON CONFLICT DO NOTHING`,
		u.OutPoint.Hash.String(), int64(u.OutPoint.Index),
		int64(u.Amount), u.Address, u.PkScript, u.ScriptType, false,
		u.WalletRef, u.OwnerRef, u.EventRef, u.BlockHeight,
		toUnix(u.CreatedAt),
	)
	if err != nil {
		return errs.E(errs.ErrDatabase, "insert utxo", err)
	}
	if !ok {
		return errs.Errorf(errs.ErrDuplicate,
			"output %v already recorded", u.OutPoint)
	}
	return nil
}

func scanUtxo(row scanner) (*db.UTXO, error) {
	var (
		u              db.UTXO
		txHash         string
		index, amount  int64
		spendingTxHash sql.NullString
		createdAt      int64
	)
	err := row.Scan(&txHash, &index, &amount, &u.Address, &u.PkScript,
		&u.ScriptType, &u.Spent, &spendingTxHash, &u.WalletRef,
		&u.OwnerRef, &u.EventRef, &u.BlockHeight, &createdAt)
	if err != nil {
		return nil, err
	}

	hash, err := chainhash.NewHashFromStr(txHash)
	if err != nil {
		return nil, err
	}
	u.OutPoint = wire.OutPoint{Hash: *hash, Index: uint32(index)}
	u.Amount = btcutil.Amount(amount)
	u.CreatedAt = fromUnix(createdAt)

	if spendingTxHash.Valid {
		u.SpendingTxHash, err = chainhash.NewHashFromStr(
			spendingTxHash.String,
		)
		if err != nil {
			return nil, err
		}
	}
	return &u, nil
}

func getUtxo(ctx context.Context, q querier, op wire.OutPoint) (*db.UTXO,
	error) {

	u, err := scanUtxo(q.QueryRowContext(ctx, `SELECT `+utxoColumns+
		` FROM utxos WHERE tx_hash = $1 AND output_index = $2`,
		op.Hash.String(), int64(op.Index)))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, errs.Errorf(errs.ErrNotFound, "output %v not found",
			op)
	case err != nil:
		return nil, errs.E(errs.ErrDatabase, "get utxo", err)
	}
	return u, nil
}

// GetUtxo retrieves an output by outpoint.
func (s *Store) GetUtxo(ctx context.Context, op wire.OutPoint) (*db.UTXO,
	error) {

	return getUtxo(ctx, s.db, op)
}

// ListUTXOs returns the matching outputs ordered by outpoint.
func (s *Store) ListUTXOs(ctx context.Context,
	query db.ListUtxosQuery) ([]db.UTXO, error) {

	var where filter
	query.OwnerRef.WhenSome(func(v string) {
		where.add("owner_ref", v)
	})
	query.EventRef.WhenSome(func(v string) {
		where.add("event_ref", v)
	})
	query.WalletRef.WhenSome(func(v string) {
		where.add("wallet_ref", v)
	})
	if query.UnspentOnly {
		where.add("spent", false)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+utxoColumns+
		` FROM utxos`+where.sql()+` ORDER BY tx_hash, output_index`,
		where.args...)
	if err != nil {
		return nil, errs.E(errs.ErrDatabase, "list utxos", err)
	}
	defer rows.Close()

	var utxos []db.UTXO
	for rows.Next() {
		u, err := scanUtxo(rows)
		if err != nil {
			return nil, errs.E(errs.ErrDatabase, "list utxos", err)
		}
		utxos = append(utxos, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(errs.ErrDatabase, "list utxos", err)
	}
	return utxos, nil
}

// MarkSpent flips the batch in one transaction.  Each UPDATE is guarded by
// spent = false so that of two racing writers exactly one succeeds.
func (s *Store) MarkSpent(ctx context.Context, params db.MarkSpentParams) error {
	spendingHash := params.SpendingTxHash.String()
	return s.withTx(ctx, "mark spent", func(tx *sql.Tx) error {
		for _, op := range params.OutPoints {
			res, err := tx.ExecContext(ctx, `UPDATE utxos SET
				spent = $1, spending_tx_hash = $2
				WHERE tx_hash = $3 AND output_index = $4
				AND spent = $5`,
				true, spendingHash, op.Hash.String(),
				int64(op.Index), false,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 1 {
				continue
			}

			if _, err := getUtxo(ctx, tx, op); err != nil {
				return err
			}
			return errs.Errorf(errs.ErrAlreadySpent,
				"output %v already spent", op)
		}
		return nil
	})
}
