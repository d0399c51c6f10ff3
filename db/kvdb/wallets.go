// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kvdb

import (
	"context"

	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
)

// CreateWallet persists a new wallet with zero balances.  The encrypted key
// is kept apart from the wallet record as a TLV blob.
func (s *Store) CreateWallet(ctx context.Context,
	params db.CreateWalletParams) (*db.Wallet, error) {

	w := &db.Wallet{
		ID:        params.ID,
		Address:   params.Address,
		Key:       params.Key,
		Type:      params.Type,
		Purpose:   params.Purpose,
		OwnerRef:  params.OwnerRef,
		EventRef:  params.EventRef,
		CreatedAt: params.CreatedAt,
	}

	err := s.update(ctx, "create wallet", func(tx walletdb.ReadWriteTx) error {
		wallets := tx.ReadWriteBucket(walletsBucket)
		addrIdx := tx.ReadWriteBucket(walletAddrBucket)

		if wallets.Get([]byte(w.ID)) != nil {
			return errs.Errorf(errs.ErrDuplicate,
				"wallet %s already exists", w.ID)
		}
		if addrIdx.Get([]byte(w.Address)) != nil {
			return errs.Errorf(errs.ErrDuplicate,
				"address %s already assigned", w.Address)
		}

		keyBlob, err := db.EncodeKey(w.Key)
		if err != nil {
			return err
		}
		err = tx.ReadWriteBucket(walletKeysBucket).Put(
			[]byte(w.ID), keyBlob,
		)
		if err != nil {
			return err
		}

		record := *w
		record.Key = db.EncryptedKey{}
		if err := putJSON(wallets, []byte(w.ID), &record); err != nil {
			return err
		}
		return addrIdx.Put([]byte(w.Address), []byte(w.ID))
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func fetchWallet(tx walletdb.ReadTx, id string) (*db.Wallet, error) {
	var w db.Wallet
	ok, err := getJSON(tx.ReadBucket(walletsBucket), []byte(id), &w)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Errorf(errs.ErrNotFound, "wallet %s not found", id)
	}

	keyBlob := tx.ReadBucket(walletKeysBucket).Get([]byte(id))
	if keyBlob != nil {
		w.Key, err = db.DecodeKey(keyBlob)
		if err != nil {
			return nil, err
		}
	}
	return &w, nil
}

// GetWallet retrieves a wallet by id.
func (s *Store) GetWallet(ctx context.Context, id string) (*db.Wallet, error) {
	var w *db.Wallet
	err := s.view(ctx, "get wallet", func(tx walletdb.ReadTx) error {
		var err error
		w, err = fetchWallet(tx, id)
		return err
	})
	return w, err
}

// GetWalletByAddress retrieves a wallet through the address index.
func (s *Store) GetWalletByAddress(ctx context.Context,
	address string) (*db.Wallet, error) {

	var w *db.Wallet
	err := s.view(ctx, "get wallet by address", func(tx walletdb.ReadTx) error {
		id := tx.ReadBucket(walletAddrBucket).Get([]byte(address))
		if id == nil {
			return errs.Errorf(errs.ErrNotFound,
				"no wallet for address %s", address)
		}

		var err error
		w, err = fetchWallet(tx, string(id))
		return err
	})
	return w, err
}

// ApplyBalanceDelta mutates the balances and records the credit key in the
// same transaction.
func (s *Store) ApplyBalanceDelta(ctx context.Context,
	params db.BalanceDeltaParams) (*db.Wallet, bool, error) {

	var (
		w       *db.Wallet
		applied bool
	)
	err := s.update(ctx, "apply balance", func(tx walletdb.ReadWriteTx) error {
		var err error
		w, err = fetchWallet(tx, params.WalletID)
		if err != nil {
			return err
		}

		credits := tx.ReadWriteBucket(walletCreditBucket)
		creditKey := []byte(params.WalletID + "|" + params.CreditKey)
		if credits.Get(creditKey) != nil {
			return nil
		}

		w.ConfirmedBalance = db.ClampAmount(
			w.ConfirmedBalance + params.ConfirmedDelta,
		)
		w.UnconfirmedBalance = db.ClampAmount(
			w.UnconfirmedBalance + params.UnconfirmedDelta,
		)

		record := *w
		record.Key = db.EncryptedKey{}
		err = putJSON(
			tx.ReadWriteBucket(walletsBucket), []byte(w.ID), &record,
		)
		if err != nil {
			return err
		}
		applied = true
		return credits.Put(creditKey, []byte{1})
	})
	if err != nil {
		return nil, false, err
	}
	return w, applied, nil
}
