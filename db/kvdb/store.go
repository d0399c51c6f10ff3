// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package kvdb implements the settlement stores on top of walletdb, using the
// bbolt backed "bdb" driver.
//
// Every record is a JSON value in a top-level bucket keyed by its primary
// key.  Unique constraints are enforced with index buckets that map the
// unique field back to the primary key, and every conditional update runs
// inside a single read-write transaction so it is atomic with respect to
// concurrent writers.
package kvdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // Register bdb driver.
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
)

const (
	// DBName is the file name of the database inside the data directory.
	DBName = "eventwallet.db"

	// DefaultDBTimeout is how long opening the database waits for the
	// file lock.
	DefaultDBTimeout = 60 * time.Second
)

var (
	walletsBucket      = []byte("wallets")
	walletAddrBucket   = []byte("wallet-addr-idx")
	walletKeysBucket   = []byte("wallet-keys")
	walletCreditBucket = []byte("wallet-credits")
	txnsBucket         = []byte("txns")
	utxosBucket        = []byte("utxos")
	subsBucket         = []byte("subscriptions")
	eventsBucket       = []byte("events")
	anomaliesBucket    = []byte("anomalies")

	topLevelBuckets = [][]byte{
		walletsBucket, walletAddrBucket, walletKeysBucket,
		walletCreditBucket, txnsBucket, utxosBucket, subsBucket,
		eventsBucket, anomaliesBucket,
	}
)

// Store implements db.Store with walletdb.
type Store struct {
	db walletdb.DB
}

// Compile time check to ensure Store satisfies db.Store.
var _ db.Store = (*Store)(nil)

// Open opens the database at dbDir, creating it and its buckets if it does
// not exist yet.
func Open(dbDir string, timeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dbDir, DBName)
	var (
		wdb walletdb.DB
		err error
	)
	if _, statErr := os.Stat(dbPath); os.IsNotExist(statErr) {
		log.Infof("Creating database %s", dbPath)
		wdb, err = walletdb.Create("bdb", dbPath, true, timeout)
	} else {
		wdb, err = walletdb.Open("bdb", dbPath, true, timeout)
	}
	if err != nil {
		return nil, errs.E(errs.ErrDatabase, "open database", err)
	}

	err = walletdb.Update(wdb, func(tx walletdb.ReadWriteTx) error {
		for _, b := range topLevelBuckets {
			if _, err := tx.CreateTopLevelBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = wdb.Close()
		return nil, errs.E(errs.ErrDatabase, "create buckets", err)
	}

	return &Store{db: wdb}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// update runs f in a read-write transaction, classifying untyped failures as
// database errors.
func (s *Store) update(ctx context.Context, desc string,
	f func(tx walletdb.ReadWriteTx) error) error {

	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(desc, walletdb.Update(s.db, f))
}

// view runs f in a read-only transaction.
func (s *Store) view(ctx context.Context, desc string,
	f func(tx walletdb.ReadTx) error) error {

	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(desc, walletdb.View(s.db, f))
}

func classify(desc string, err error) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	return errs.E(errs.ErrDatabase, desc, err)
}

func getJSON(b walletdb.ReadBucket, key []byte, v interface{}) (bool, error) {
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func putJSON(b walletdb.ReadWriteBucket, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

// outpointKey is the 36 byte big endian key of an outpoint.
func outpointKey(op wire.OutPoint) []byte {
	k := make([]byte, 36)
	copy(k, op.Hash[:])
	binary.BigEndian.PutUint32(k[32:], op.Index)
	return k
}
