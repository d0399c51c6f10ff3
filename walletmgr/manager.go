// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package walletmgr is the registry of custodial wallets.  It pairs every
// wallet with its sealed key and keeps the running confirmed and unconfirmed
// balances.
package walletmgr

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
	"github.com/google/uuid"
)

// DefaultFinalityThreshold is the number of confirmations after which a
// payment is treated as final.
const DefaultFinalityThreshold = 6

// KeyGenerator creates custodial key pairs.  It is implemented by
// keyvault.Vault.
type KeyGenerator interface {
	GenerateKeyPair(walletType db.WalletType) (btcutil.Address,
		db.EncryptedKey, error)
}

// Config holds the dependencies of a Manager.
type Config struct {
	Store db.WalletStore
	Keys  KeyGenerator

	// FinalityThreshold defaults to DefaultFinalityThreshold.
	FinalityThreshold int32
}

// Manager is the wallet registry.
type Manager struct {
	store     db.WalletStore
	keys      KeyGenerator
	threshold int32
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Keys == nil {
		return nil, errs.Errorf(errs.ErrConfiguration,
			"wallet manager requires a store and a key generator")
	}

	threshold := cfg.FinalityThreshold
	if threshold <= 0 {
		threshold = DefaultFinalityThreshold
	}

	return &Manager{
		store:     cfg.Store,
		keys:      cfg.Keys,
		threshold: threshold,
	}, nil
}

// FinalityThreshold returns the confirmation count at which payments are
// final.
func (m *Manager) FinalityThreshold() int32 {
	return m.threshold
}

// CreateWalletParams describes a wallet to create.
type CreateWalletParams struct {
	Type     db.WalletType
	Purpose  db.WalletPurpose
	OwnerRef string
	EventRef string
}

// CreateWallet generates a key pair and persists a wallet with zero
// balances around it.
func (m *Manager) CreateWallet(ctx context.Context,
	params CreateWalletParams) (*db.Wallet, error) {

	addr, sealed, err := m.keys.GenerateKeyPair(params.Type)
	if err != nil {
		return nil, err
	}

	w, err := m.store.CreateWallet(ctx, db.CreateWalletParams{
		ID:        uuid.NewString(),
		Address:   addr.EncodeAddress(),
		Key:       sealed,
		Type:      params.Type,
		Purpose:   params.Purpose,
		OwnerRef:  params.OwnerRef,
		EventRef:  params.EventRef,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Created %v %s wallet %s (%s) for owner %s", w.Type,
		w.Purpose, w.ID, w.Address, w.OwnerRef)
	return w, nil
}

// Get returns the wallet with the given id.
func (m *Manager) Get(ctx context.Context, id string) (*db.Wallet, error) {
	return m.store.GetWallet(ctx, id)
}

// GetByAddress returns the wallet receiving on address.
func (m *Manager) GetByAddress(ctx context.Context,
	address string) (*db.Wallet, error) {

	return m.store.GetWalletByAddress(ctx, address)
}

// ApplyIncomingAmount credits an incoming payment observed with the given
// number of confirmations.
//
// Below the finality threshold the amount is added to the unconfirmed
// balance.  At or above it the amount is moved from unconfirmed to
// confirmed.  Each stage is applied at most once per transaction hash, so a
// repeated observation never counts the amount twice.  A payment first seen
// already final passes through both stages, which keeps the unconfirmed
// balance of the wallet exact.
func (m *Manager) ApplyIncomingAmount(ctx context.Context, walletID,
	txHash string, amount btcutil.Amount,
	confirmations int32) (*db.Wallet, error) {

	if amount < 0 {
		return nil, errs.Errorf(errs.ErrInvalidArgument,
			"negative incoming amount %v", amount)
	}

	w, applied, err := m.store.ApplyBalanceDelta(ctx, db.BalanceDeltaParams{
		WalletID:         walletID,
		CreditKey:        txHash + ":unconfirmed",
		UnconfirmedDelta: amount,
	})
	if err != nil {
		return nil, err
	}
	if applied {
		log.Debugf("Wallet %s: %v unconfirmed from %s", walletID,
			amount, txHash)
	}

	if confirmations < m.threshold {
		return w, nil
	}

	w, applied, err = m.store.ApplyBalanceDelta(ctx, db.BalanceDeltaParams{
		WalletID:         walletID,
		CreditKey:        txHash + ":confirmed",
		ConfirmedDelta:   amount,
		UnconfirmedDelta: -amount,
	})
	if err != nil {
		return nil, err
	}
	if applied {
		log.Infof("Wallet %s: %v from %s confirmed (balance %v)",
			walletID, amount, txHash, w.ConfirmedBalance)
	}
	return w, nil
}

// ReleaseUnconfirmed removes an earlier unconfirmed credit of a payment
// that failed before finality.
func (m *Manager) ReleaseUnconfirmed(ctx context.Context, walletID,
	txHash string, amount btcutil.Amount) (*db.Wallet, error) {

	w, applied, err := m.store.ApplyBalanceDelta(ctx, db.BalanceDeltaParams{
		WalletID:         walletID,
		CreditKey:        txHash + ":released",
		UnconfirmedDelta: -amount,
	})
	if err != nil {
		return nil, err
	}
	if applied {
		log.Infof("Wallet %s: released %v unconfirmed from %s",
			walletID, amount, txHash)
	}
	return w, nil
}

// ApplySettledSpend drains the inputs a final outgoing transaction spent
// from the confirmed balance and credits its change back.
func (m *Manager) ApplySettledSpend(ctx context.Context, walletID,
	txHash string, spent, change btcutil.Amount) (*db.Wallet, error) {

	w, applied, err := m.store.ApplyBalanceDelta(ctx, db.BalanceDeltaParams{
		WalletID:       walletID,
		CreditKey:      txHash + ":spent",
		ConfirmedDelta: change - spent,
	})
	if err != nil {
		return nil, err
	}
	if applied {
		log.Infof("Wallet %s: spent %v with %v change in %s", walletID,
			spent, change, txHash)
	}
	return w, nil
}
