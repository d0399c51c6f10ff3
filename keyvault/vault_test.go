// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyvault

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T, secret string) *Vault {
	t.Helper()

	v, err := New(Config{
		Secret:      []byte(secret),
		ChainParams: &chaincfg.RegressionNetParams,
	})
	require.NoError(t, err)
	return v
}

func TestNewRequiresSecret(t *testing.T) {
	t.Parallel()

	_, err := New(Config{ChainParams: &chaincfg.MainNetParams})
	require.True(t, errs.Is(err, errs.ErrConfiguration), err)

	_, err = New(Config{Secret: []byte("s")})
	require.True(t, errs.Is(err, errs.ErrConfiguration), err)
}

func TestGenerateKeyPair(t *testing.T) {
	t.Parallel()

	v := newTestVault(t, "correct horse")

	tests := []struct {
		name       string
		walletType db.WalletType
		class      txscript.ScriptClass
	}{
		{"segwit", db.SegWit, txscript.WitnessV0PubKeyHashTy},
		{"taproot", db.Taproot, txscript.WitnessV1TaprootTy},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			addr, sealed, err := v.GenerateKeyPair(tc.walletType)
			require.NoError(t, err)
			require.True(t, addr.IsForNet(&chaincfg.RegressionNetParams))

			pkScript, err := txscript.PayToAddrScript(addr)
			require.NoError(t, err)
			require.Equal(t, tc.class, txscript.GetScriptClass(pkScript))

			require.Len(t, sealed.IV, 24)
			require.Len(t, sealed.AuthTag, 16)
			require.Len(t, sealed.Ciphertext, 32)

			// The unsealed key controls the returned address.
			err = v.WithKey(sealed, func(priv *btcec.PrivateKey) error {
				got, err := AddressForKey(
					priv.PubKey(), tc.walletType,
					&chaincfg.RegressionNetParams,
				)
				require.NoError(t, err)
				require.Equal(t, addr.EncodeAddress(),
					got.EncodeAddress())
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestDecryptTampered(t *testing.T) {
	t.Parallel()

	v := newTestVault(t, "correct horse")
	_, sealed, err := v.GenerateKeyPair(db.SegWit)
	require.NoError(t, err)

	tampered := sealed
	tampered.Ciphertext = append([]byte(nil), sealed.Ciphertext...)
	tampered.Ciphertext[0] ^= 0x01
	_, err = v.Decrypt(tampered)
	require.True(t, errs.Is(err, errs.ErrCrypto), err)

	tampered = sealed
	tampered.AuthTag = sealed.AuthTag[:8]
	_, err = v.Decrypt(tampered)
	require.True(t, errs.Is(err, errs.ErrCrypto), err)

	// A vault with another secret can not unseal the key.
	other := newTestVault(t, "battery staple")
	_, err = other.Decrypt(sealed)
	require.True(t, errs.Is(err, errs.ErrCrypto), err)

	// The same secret unseals it again after a restart.
	again := newTestVault(t, "correct horse")
	_, err = again.Decrypt(sealed)
	require.NoError(t, err)
}

// TestSignTx signs a transaction spending one output of each wallet type and
// runs the script engine over both inputs.
func TestSignTx(t *testing.T) {
	t.Parallel()

	v := newTestVault(t, "correct horse")

	var (
		tx       = wire.NewMsgTx(wire.TxVersion)
		scripts  [][]byte
		values   []btcutil.Amount
		keys     = make(map[string]db.EncryptedKey)
		prevOuts = txscript.NewMultiPrevOutFetcher(
			make(map[wire.OutPoint]*wire.TxOut),
		)
	)
	var addrs []string
	for i, wt := range []db.WalletType{db.SegWit, db.Taproot} {
		addr, sealed, err := v.GenerateKeyPair(wt)
		require.NoError(t, err)
		pkScript, err := txscript.PayToAddrScript(addr)
		require.NoError(t, err)

		op := wire.OutPoint{Hash: chainhash.Hash{byte(i + 1)}, Index: 0}
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		scripts = append(scripts, pkScript)
		values = append(values, 50000)
		keys[addr.EncodeAddress()] = sealed
		addrs = append(addrs, addr.EncodeAddress())
		prevOuts.AddPrevOut(op, wire.NewTxOut(50000, pkScript))
	}
	tx.AddTxOut(wire.NewTxOut(90000, scripts[0]))

	require.NoError(t, v.SignTx(tx, scripts, values, keys))

	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)
	for i := range tx.TxIn {
		vm, err := txscript.NewEngine(
			scripts[i], tx, i, txscript.StandardVerifyFlags, nil,
			sigHashes, int64(values[i]), prevOuts,
		)
		require.NoError(t, err)
		require.NoError(t, vm.Execute(), "input %d", i)
	}

	// Missing keys make signing fail.
	delete(keys, addrs[1])
	tx.TxIn[0].Witness = nil
	tx.TxIn[1].Witness = nil
	require.Error(t, v.SignTx(tx, scripts, values, keys))
}
