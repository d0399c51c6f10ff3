// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sqldb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
)

const txColumns = `id, wallet_ref, user_ref, direction, purpose,
	expected_amount, unconfirmed_amount, confirmed_amount, status,
	confirmations, tx_hash, refund_of, raw_tx, failure_reason, created_at,
	updated_at`

// CreateTx persists a new ledger transaction.
func (s *Store) CreateTx(ctx context.Context, t *db.Transaction) error {
	ok, err := insertUnique(ctx, s.db, `INSERT INTO transactions (`+
		txColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		$11, $12, $13, $14, $15, $16) ON CONFLICT DO NOTHING`,
		t.ID, t.WalletRef, t.UserRef, string(t.Direction),
		string(t.Purpose), int64(t.ExpectedAmount),
		int64(t.UnconfirmedAmount), int64(t.ConfirmedAmount),
		string(t.Status), t.Confirmations, t.TxHash, t.RefundOf, t.RawTx,
		t.FailureReason, toUnix(t.CreatedAt), toUnix(t.UpdatedAt),
	)
	if err != nil {
		return errs.E(errs.ErrDatabase, "create tx", err)
	}
	if !ok {
		return errs.Errorf(errs.ErrDuplicate,
			"transaction %s already exists", t.ID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTx(row scanner) (*db.Transaction, error) {
	var (
		t                              db.Transaction
		direction, purpose, status     string
		expected, unconfirmed, confirm int64
		createdAt, updatedAt           int64
	)
	err := row.Scan(&t.ID, &t.WalletRef, &t.UserRef, &direction, &purpose,
		&expected, &unconfirmed, &confirm, &status, &t.Confirmations,
		&t.TxHash, &t.RefundOf, &t.RawTx, &t.FailureReason, &createdAt,
		&updatedAt)
	if err != nil {
		return nil, err
	}

	t.Direction = db.Direction(direction)
	t.Purpose = db.TxPurpose(purpose)
	t.Status = db.TxStatus(status)
	t.ExpectedAmount = btcutil.Amount(expected)
	t.UnconfirmedAmount = btcutil.Amount(unconfirmed)
	t.ConfirmedAmount = btcutil.Amount(confirm)
	t.CreatedAt = fromUnix(createdAt)
	t.UpdatedAt = fromUnix(updatedAt)
	return &t, nil
}

// GetTx retrieves a ledger transaction by id.
func (s *Store) GetTx(ctx context.Context, id string) (*db.Transaction, error) {
	t, err := scanTx(s.db.QueryRowContext(ctx, `SELECT `+txColumns+
		` FROM transactions WHERE id = $1`, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, errs.Errorf(errs.ErrNotFound,
			"transaction %s not found", id)
	case err != nil:
		return nil, errs.E(errs.ErrDatabase, "get tx", err)
	}
	return t, nil
}

// UpdateTx applies the update only when the stored status and confirmation
// count still equal the previous values.
func (s *Store) UpdateTx(ctx context.Context, params db.UpdateTxParams) error {
	res, err := s.db.ExecContext(ctx, `UPDATE transactions SET
		status = $1, confirmations = $2, unconfirmed_amount = $3,
		confirmed_amount = $4, tx_hash = $5, failure_reason = $6,
		updated_at = $7
		WHERE id = $8 AND status = $9 AND confirmations = $10`,
		string(params.Status), params.Confirmations,
		int64(params.UnconfirmedAmount), int64(params.ConfirmedAmount),
		params.TxHash, params.FailureReason, toUnix(params.UpdatedAt),
		params.ID, string(params.PrevStatus), params.PrevConfirmations,
	)
	if err != nil {
		return errs.E(errs.ErrDatabase, "update tx", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.E(errs.ErrDatabase, "update tx", err)
	}
	if n == 1 {
		return nil
	}

	// Tell a missing record apart from a lost race.
	if _, err := s.GetTx(ctx, params.ID); err != nil {
		return err
	}
	return errs.Errorf(errs.ErrConflict, "transaction %s changed "+
		"concurrently", params.ID)
}

// ListTxns returns the matching ledger transactions.
func (s *Store) ListTxns(ctx context.Context,
	query db.ListTxnsQuery) ([]db.Transaction, error) {

	var where filter
	query.WalletRef.WhenSome(func(v string) {
		where.add("wallet_ref", v)
	})
	query.RefundOf.WhenSome(func(v string) {
		where.add("refund_of", v)
	})
	query.Status.WhenSome(func(v db.TxStatus) {
		where.add("status", string(v))
	})

	rows, err := s.db.QueryContext(ctx, `SELECT `+txColumns+
		` FROM transactions`+where.sql()+` ORDER BY created_at, id`,
		where.args...)
	if err != nil {
		return nil, errs.E(errs.ErrDatabase, "list txns", err)
	}
	defer rows.Close()

	var txns []db.Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, errs.E(errs.ErrDatabase, "list txns", err)
		}
		txns = append(txns, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(errs.ErrDatabase, "list txns", err)
	}
	return txns, nil
}
