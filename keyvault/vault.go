// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keyvault generates custodial keys and keeps them sealed.
//
// Private keys leave the vault only as XChaCha20-Poly1305 ciphertext under a
// key derived with argon2id from the process secret.  Plaintext keys exist
// for the duration of a single signing operation and are zeroed afterwards.
package keyvault

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
	"github.com/eventwallet/eventwallet/internal/zero"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// argon2id parameters for deriving the sealing key.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4

	// KeySize is the size of the sealing key.
	KeySize = chacha20poly1305.KeySize
)

// DefaultSalt is the argon2id salt used when none is configured.  The salt
// must stay the same for the lifetime of a database.
var DefaultSalt = []byte("eventwallet/keyvault/v1")

// Config holds the construction parameters of a Vault.
type Config struct {
	// Secret is the process-wide secret.  It is required.
	Secret []byte

	// Salt is the key derivation salt.  DefaultSalt is used when empty.
	Salt []byte

	// ChainParams selects the network addresses are encoded for.
	ChainParams *chaincfg.Params
}

// Vault seals and unseals custodial private keys.
type Vault struct {
	aead   cipher.AEAD
	params *chaincfg.Params
}

// New derives the sealing key from cfg.Secret.  It fails with
// errs.ErrConfiguration when the secret or the chain parameters are
// missing.
func New(cfg Config) (*Vault, error) {
	if len(cfg.Secret) == 0 {
		return nil, errs.Errorf(errs.ErrConfiguration,
			"key vault secret is not configured")
	}
	if cfg.ChainParams == nil {
		return nil, errs.Errorf(errs.ErrConfiguration,
			"key vault chain parameters are not configured")
	}

	salt := cfg.Salt
	if len(salt) == 0 {
		salt = DefaultSalt
	}

	key := argon2.IDKey(
		cfg.Secret, salt, argonTime, argonMemory, argonThreads, KeySize,
	)
	defer zero.Bytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errs.E(errs.ErrConfiguration, "create cipher", err)
	}

	return &Vault{aead: aead, params: cfg.ChainParams}, nil
}

// ChainParams returns the network the vault encodes addresses for.
func (v *Vault) ChainParams() *chaincfg.Params {
	return v.params
}

// GenerateKeyPair creates a fresh key for a wallet of the given type and
// returns its receive address and the sealed private key.
func (v *Vault) GenerateKeyPair(walletType db.WalletType) (btcutil.Address,
	db.EncryptedKey, error) {

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, db.EncryptedKey{}, err
	}
	defer priv.Zero()

	addr, err := AddressForKey(priv.PubKey(), walletType, v.params)
	if err != nil {
		return nil, db.EncryptedKey{}, err
	}

	sealed, err := v.seal(priv)
	if err != nil {
		return nil, db.EncryptedKey{}, err
	}

	log.Debugf("Generated %v key for address %v", walletType, addr)
	return addr, sealed, nil
}

// AddressForKey returns the receive address of pub for a wallet type.
// Taproot wallets use the BIP-0086 key path only output key.
func AddressForKey(pub *btcec.PublicKey, walletType db.WalletType,
	params *chaincfg.Params) (btcutil.Address, error) {

	switch walletType {
	case db.SegWit:
		return btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(pub.SerializeCompressed()), params,
		)

	case db.Taproot:
		outputKey := txscript.ComputeTaprootKeyNoScript(pub)
		return btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(outputKey), params,
		)

	default:
		return nil, errs.Errorf(errs.ErrInvalidArgument,
			"unsupported wallet type %v", walletType)
	}
}

func (v *Vault) seal(priv *btcec.PrivateKey) (db.EncryptedKey, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return db.EncryptedKey{}, fmt.Errorf("nonce generation: %w", err)
	}

	plaintext := priv.Serialize()
	defer zero.Bytes(plaintext)

	sealed := v.aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - v.aead.Overhead()

	return db.EncryptedKey{
		IV:         nonce,
		Ciphertext: sealed[:split],
		AuthTag:    sealed[split:],
	}, nil
}

// Decrypt unseals a private key.  It fails with errs.ErrCrypto when the
// ciphertext does not authenticate, which means it was tampered with or
// sealed under a different secret.  The caller must call Zero on the
// returned key once done; WithKey does that automatically.
func (v *Vault) Decrypt(k db.EncryptedKey) (*btcec.PrivateKey, error) {
	if len(k.IV) != v.aead.NonceSize() ||
		len(k.AuthTag) != v.aead.Overhead() {

		return nil, errs.Errorf(errs.ErrCrypto, "malformed sealed key")
	}

	sealed := make([]byte, 0, len(k.Ciphertext)+len(k.AuthTag))
	sealed = append(sealed, k.Ciphertext...)
	sealed = append(sealed, k.AuthTag...)

	plaintext, err := v.aead.Open(nil, k.IV, sealed, nil)
	if err != nil {
		return nil, errs.E(errs.ErrCrypto, "unseal key", err)
	}
	defer zero.Bytes(plaintext)

	if len(plaintext) != btcec.PrivKeyBytesLen {
		return nil, errs.Errorf(errs.ErrCrypto, "unsealed key has "+
			"length %d", len(plaintext))
	}

	priv, _ := btcec.PrivKeyFromBytes(plaintext)
	return priv, nil
}

// WithKey unseals k, passes the key to f and zeroes it when f returns.
func (v *Vault) WithKey(k db.EncryptedKey,
	f func(priv *btcec.PrivateKey) error) error {

	priv, err := v.Decrypt(k)
	if err != nil {
		return err
	}
	defer priv.Zero()

	return f(priv)
}
