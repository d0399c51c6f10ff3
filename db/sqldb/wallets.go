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

const walletColumns = `id, address, encrypted_key, wallet_type, purpose,
	owner_ref, event_ref, confirmed_balance, unconfirmed_balance, created_at`

// CreateWallet persists a new wallet.  Both the id and the address are
// unique in the schema.
func (s *Store) CreateWallet(ctx context.Context,
	params db.CreateWalletParams) (*db.Wallet, error) {

	keyBlob, err := db.EncodeKey(params.Key)
	if err != nil {
		return nil, errs.E(errs.ErrDatabase, "encode key", err)
	}

	ok, err := insertUnique(ctx, s.db, `INSERT INTO wallets (`+
		walletColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8)
		ON CONFLICT DO NOTHING`,
		params.ID, params.Address, keyBlob, int16(params.Type),
		string(params.Purpose), params.OwnerRef, params.EventRef,
		toUnix(params.CreatedAt),
	)
	if err != nil {
		return nil, errs.E(errs.ErrDatabase, "create wallet", err)
	}
	if !ok {
		return nil, errs.Errorf(errs.ErrDuplicate,
			"wallet %s or address %s already exists", params.ID,
			params.Address)
	}

	return &db.Wallet{
		ID:        params.ID,
		Address:   params.Address,
		Key:       params.Key,
		Type:      params.Type,
		Purpose:   params.Purpose,
		OwnerRef:  params.OwnerRef,
		EventRef:  params.EventRef,
		CreatedAt: params.CreatedAt,
	}, nil
}

func scanWallet(row scanner) (*db.Wallet, error) {
	var (
		w                    db.Wallet
		keyBlob              []byte
		walletType           int16
		purpose              string
		confirmed, unconfirm int64
		createdAt            int64
	)
	err := row.Scan(&w.ID, &w.Address, &keyBlob, &walletType, &purpose,
		&w.OwnerRef, &w.EventRef, &confirmed, &unconfirm, &createdAt)
	if err != nil {
		return nil, err
	}

	w.Key, err = db.DecodeKey(keyBlob)
	if err != nil {
		return nil, err
	}
	w.Type = db.WalletType(walletType)
	w.Purpose = db.WalletPurpose(purpose)
	w.ConfirmedBalance = btcutil.Amount(confirmed)
	w.UnconfirmedBalance = btcutil.Amount(unconfirm)
	w.CreatedAt = fromUnix(createdAt)
	return &w, nil
}

func getWallet(ctx context.Context, q querier, where string,
	arg string) (*db.Wallet, error) {

	w, err := scanWallet(q.QueryRowContext(ctx, `SELECT `+walletColumns+
		` FROM wallets WHERE `+where+` = $1`, arg))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, errs.Errorf(errs.ErrNotFound, "wallet %s=%s not "+
			"found", where, arg)
	case err != nil:
		return nil, errs.E(errs.ErrDatabase, "get wallet", err)
	}
	return w, nil
}

// GetWallet retrieves a wallet by id.
func (s *Store) GetWallet(ctx context.Context, id string) (*db.Wallet, error) {
	return getWallet(ctx, s.db, "id", id)
}

// GetWalletByAddress retrieves a wallet by receive address.
func (s *Store) GetWalletByAddress(ctx context.Context,
	address string) (*db.Wallet, error) {

	return getWallet(ctx, s.db, "address", address)
}

// ApplyBalanceDelta records the credit key and mutates the balances in one
// transaction.  The credit key insert is the idempotence guard.
func (s *Store) ApplyBalanceDelta(ctx context.Context,
	params db.BalanceDeltaParams) (*db.Wallet, bool, error) {

	var (
		w       *db.Wallet
		applied bool
	)
	err := s.withTx(ctx, "apply balance", func(tx *sql.Tx) error {
		// Fail with not found before touching the credits table.
		if _, err := getWallet(ctx, tx, "id", params.WalletID); err != nil {
			return err
		}

		var err error
		applied, err = insertUnique(ctx, tx, `INSERT INTO wallet_credits
			(wallet_id, credit_key) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`,
			params.WalletID, params.CreditKey,
		)
		if err != nil {
			return err
		}

		if applied {
			_, err = tx.ExecContext(ctx, `UPDATE wallets SET
				confirmed_balance = CASE
					WHEN confirmed_balance + $2 < 0 THEN 0
					ELSE confirmed_balance + $2 END,
				unconfirmed_balance = CASE
					WHEN unconfirmed_balance + $3 < 0 THEN 0
					ELSE unconfirmed_balance + $3 END
				WHERE id = $1`,
				params.WalletID, int64(params.ConfirmedDelta),
				int64(params.UnconfirmedDelta),
			)
			if err != nil {
				return err
			}
		}

		w, err = getWallet(ctx, tx, "id", params.WalletID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return w, applied, nil
}
