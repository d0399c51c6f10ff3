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

// CreateSubscription persists a new subscription keyed by url id.
func (s *Store) CreateSubscription(ctx context.Context,
	sub *db.Subscription) error {

	return s.update(ctx, "create subscription",
		func(tx walletdb.ReadWriteTx) error {
			b := tx.ReadWriteBucket(subsBucket)
			if b.Get([]byte(sub.URLID)) != nil {
				return errs.Errorf(errs.ErrDuplicate,
					"subscription %s already exists", sub.URLID)
			}
			return putJSON(b, []byte(sub.URLID), sub)
		})
}

func fetchSub(b walletdb.ReadBucket, urlID string) (*db.Subscription, error) {
	var sub db.Subscription
	ok, err := getJSON(b, []byte(urlID), &sub)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Errorf(errs.ErrNotFound,
			"subscription %s not found", urlID)
	}
	return &sub, nil
}

// GetSubscription retrieves a subscription by url id.
func (s *Store) GetSubscription(ctx context.Context,
	urlID string) (*db.Subscription, error) {

	var sub *db.Subscription
	err := s.view(ctx, "get subscription", func(tx walletdb.ReadTx) error {
		var err error
		sub, err = fetchSub(tx.ReadBucket(subsBucket), urlID)
		return err
	})
	return sub, err
}

// modifySub loads, mutates and stores a subscription in one transaction.
func (s *Store) modifySub(ctx context.Context, desc, urlID string,
	f func(sub *db.Subscription)) error {

	return s.update(ctx, desc, func(tx walletdb.ReadWriteTx) error {
		b := tx.ReadWriteBucket(subsBucket)
		sub, err := fetchSub(b, urlID)
		if err != nil {
			return err
		}
		f(sub)
		return putJSON(b, []byte(urlID), sub)
	})
}

// UpdateSubscription stores the processing state of a subscription.
func (s *Store) UpdateSubscription(ctx context.Context,
	params db.UpdateSubscriptionParams) error {

	return s.modifySub(ctx, "update subscription", params.URLID,
		func(sub *db.Subscription) {
			sub.Status = params.Status
			sub.TxHash = params.TxHash
			sub.LastProcessedConfirmation =
				params.LastProcessedConfirmation
			sub.CurrentConfirmation = params.CurrentConfirmation
			sub.UpdatedAt = params.UpdatedAt
		})
}

// AppendDelivery appends to the audit log of a subscription.
func (s *Store) AppendDelivery(ctx context.Context, urlID string,
	d db.Delivery) error {

	return s.modifySub(ctx, "append delivery", urlID,
		func(sub *db.Subscription) {
			sub.Deliveries = append(sub.Deliveries, d)
		})
}

// DeleteSubscription soft-deletes a subscription.
func (s *Store) DeleteSubscription(ctx context.Context, urlID string) error {
	return s.modifySub(ctx, "delete subscription", urlID,
		func(sub *db.Subscription) {
			sub.IsDeleted = true
		})
}

// ListSubscriptions scans the live subscriptions ordered by creation time.
func (s *Store) ListSubscriptions(ctx context.Context,
	query db.ListSubscriptionsQuery) ([]db.Subscription, error) {

	var subs []db.Subscription
	err := s.view(ctx, "list subscriptions", func(tx walletdb.ReadTx) error {
		return tx.ReadBucket(subsBucket).ForEach(func(_, v []byte) error {
			var sub db.Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			if query.Matches(&sub) {
				subs = append(subs, sub)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs, nil
}
