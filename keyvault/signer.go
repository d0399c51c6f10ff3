// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyvault

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/eventwallet/eventwallet/db"
)

// secretSource is a txauthor.SecretsSource over keys unsealed for one
// signing operation.
type secretSource struct {
	params *chaincfg.Params
	keys   map[string]*btcec.PrivateKey
}

// A compile-time assertion to ensure secretSource meets the
// txauthor.SecretsSource interface.
var _ txauthor.SecretsSource = (*secretSource)(nil)

func (s *secretSource) GetKey(addr btcutil.Address) (*btcec.PrivateKey, bool,
	error) {

	priv, ok := s.keys[addr.EncodeAddress()]
	if !ok {
		return nil, false, fmt.Errorf("no key for address %v", addr)
	}
	return priv, true, nil
}

func (s *secretSource) GetScript(addr btcutil.Address) ([]byte, error) {
	return nil, fmt.Errorf("no redeem script for address %v", addr)
}

func (s *secretSource) ChainParams() *chaincfg.Params {
	return s.params
}

// SignTx adds the witness of every input of tx.  prevPkScripts and
// inputValues describe the outputs being spent in input order, and keys maps
// each receive address being spent from to its sealed key.  All unsealed
// keys are zeroed before SignTx returns.
func (v *Vault) SignTx(tx *wire.MsgTx, prevPkScripts [][]byte,
	inputValues []btcutil.Amount, keys map[string]db.EncryptedKey) error {

	secrets := &secretSource{
		params: v.params,
		keys:   make(map[string]*btcec.PrivateKey, len(keys)),
	}
	defer func() {
		for _, priv := range secrets.keys {
			priv.Zero()
		}
	}()

	for addr, sealed := range keys {
		priv, err := v.Decrypt(sealed)
		if err != nil {
			return err
		}
		secrets.keys[addr] = priv
	}

	return txauthor.AddAllInputScripts(
		tx, prevPkScripts, inputValues, secrets,
	)
}
