// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kvdb

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
)

// CreateEvent persists a new event.
func (s *Store) CreateEvent(ctx context.Context, ev *db.Event) error {
	return s.update(ctx, "create event", func(tx walletdb.ReadWriteTx) error {
		b := tx.ReadWriteBucket(eventsBucket)
		if b.Get([]byte(ev.ID)) != nil {
			return errs.Errorf(errs.ErrDuplicate,
				"event %s already exists", ev.ID)
		}
		return putJSON(b, []byte(ev.ID), ev)
	})
}

// GetEvent retrieves an event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*db.Event, error) {
	var ev db.Event
	err := s.view(ctx, "get event", func(tx walletdb.ReadTx) error {
		ok, err := getJSON(tx.ReadBucket(eventsBucket), []byte(id), &ev)
		if err != nil {
			return err
		}
		if !ok {
			return errs.Errorf(errs.ErrNotFound, "event %s not found",
				id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// UpdateEvent replaces a stored event.
func (s *Store) UpdateEvent(ctx context.Context, ev *db.Event) error {
	return s.update(ctx, "update event", func(tx walletdb.ReadWriteTx) error {
		b := tx.ReadWriteBucket(eventsBucket)
		if b.Get([]byte(ev.ID)) == nil {
			return errs.Errorf(errs.ErrNotFound, "event %s not found",
				ev.ID)
		}
		return putJSON(b, []byte(ev.ID), ev)
	})
}

// RecordAnomaly persists a new anomaly keyed by its id.
func (s *Store) RecordAnomaly(ctx context.Context, a *db.Anomaly) error {
	return s.update(ctx, "record anomaly", func(tx walletdb.ReadWriteTx) error {
		b := tx.ReadWriteBucket(anomaliesBucket)
		if b.Get([]byte(a.ID)) != nil {
			return errs.Errorf(errs.ErrDuplicate,
				"anomaly %s already recorded", a.ID)
		}
		return putJSON(b, []byte(a.ID), a)
	})
}

// ListAnomalies returns matching anomalies in insertion order.
func (s *Store) ListAnomalies(ctx context.Context,
	query db.ListAnomaliesQuery) ([]db.Anomaly, error) {

	var anomalies []db.Anomaly
	err := s.view(ctx, "list anomalies", func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(anomaliesBucket)
		return b.ForEach(func(_, v []byte) error {
			var a db.Anomaly
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if query.Matches(&a) {
				anomalies = append(anomalies, a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(anomalies, func(i, j int) bool {
		return anomalies[i].CreatedAt.Before(anomalies[j].CreatedAt)
	})
	return anomalies, nil
}
