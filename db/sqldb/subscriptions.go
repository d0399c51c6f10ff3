// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sqldb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
)

const subColumns = `url_id, hook_id, address, transaction_ref,
	finality_threshold, status, tx_hash, last_processed_confirmation,
	current_confirmation, is_deleted, created_at, updated_at`

// CreateSubscription persists a new subscription.
func (s *Store) CreateSubscription(ctx context.Context,
	sub *db.Subscription) error {

	return s.withTx(ctx, "create subscription", func(tx *sql.Tx) error {
		ok, err := insertUnique(ctx, tx, `INSERT INTO subscriptions (`+
			subColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
			$10, $11, $12) ON CONFLICT DO NOTHING`,
			sub.URLID, sub.HookID, sub.Address, sub.TransactionRef,
			sub.FinalityThreshold, string(sub.Status), sub.TxHash,
			sub.LastProcessedConfirmation, sub.CurrentConfirmation,
			sub.IsDeleted, toUnix(sub.CreatedAt), toUnix(sub.UpdatedAt),
		)
		if err != nil {
			return err
		}
		if !ok {
			return errs.Errorf(errs.ErrDuplicate,
				"subscription %s already exists", sub.URLID)
		}

		for _, d := range sub.Deliveries {
			if err := appendDelivery(ctx, tx, sub.URLID, d); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanSub(row scanner) (*db.Subscription, error) {
	var (
		sub                  db.Subscription
		status               string
		createdAt, updatedAt int64
	)
	err := row.Scan(&sub.URLID, &sub.HookID, &sub.Address,
		&sub.TransactionRef, &sub.FinalityThreshold, &status, &sub.TxHash,
		&sub.LastProcessedConfirmation, &sub.CurrentConfirmation,
		&sub.IsDeleted, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sub.Status = db.SubscriptionStatus(status)
	sub.CreatedAt = fromUnix(createdAt)
	sub.UpdatedAt = fromUnix(updatedAt)
	return &sub, nil
}

func (s *Store) loadDeliveries(ctx context.Context,
	sub *db.Subscription) error {

	rows, err := s.db.QueryContext(ctx, `SELECT confirmations, tx_hash,
		received_at FROM subscription_deliveries WHERE url_id = $1
		ORDER BY seq`, sub.URLID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			d          db.Delivery
			receivedAt int64
		)
		err := rows.Scan(&d.Confirmations, &d.TxHash, &receivedAt)
		if err != nil {
			return err
		}
		d.ReceivedAt = fromUnix(receivedAt)
		sub.Deliveries = append(sub.Deliveries, d)
	}
	return rows.Err()
}

// GetSubscription retrieves a subscription and its audit log.
func (s *Store) GetSubscription(ctx context.Context,
	urlID string) (*db.Subscription, error) {

	sub, err := scanSub(s.db.QueryRowContext(ctx, `SELECT `+subColumns+
		` FROM subscriptions WHERE url_id = $1`, urlID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, errs.Errorf(errs.ErrNotFound,
			"subscription %s not found", urlID)
	case err != nil:
		return nil, errs.E(errs.ErrDatabase, "get subscription", err)
	}

	if err := s.loadDeliveries(ctx, sub); err != nil {
		return nil, errs.E(errs.ErrDatabase, "get deliveries", err)
	}
	return sub, nil
}

// execOne runs an UPDATE that must hit exactly one subscription.
func (s *Store) execOne(ctx context.Context, desc, urlID, query string,
	args ...interface{}) error {

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errs.E(errs.ErrDatabase, desc, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.E(errs.ErrDatabase, desc, err)
	}
	if n == 0 {
		return errs.Errorf(errs.ErrNotFound,
			"subscription %s not found", urlID)
	}
	return nil
}

// UpdateSubscription stores the processing state of a subscription.
func (s *Store) UpdateSubscription(ctx context.Context,
	params db.UpdateSubscriptionParams) error {

	return s.execOne(ctx, "update subscription", params.URLID,
		`UPDATE subscriptions SET status = $1, tx_hash = $2,
		last_processed_confirmation = $3, current_confirmation = $4,
		updated_at = $5 WHERE url_id = $6`,
		string(params.Status), params.TxHash,
		params.LastProcessedConfirmation, params.CurrentConfirmation,
		toUnix(params.UpdatedAt), params.URLID,
	)
}

func appendDelivery(ctx context.Context, tx *sql.Tx, urlID string,
	d db.Delivery) error {

	var exists int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions
		WHERE url_id = $1`, urlID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return errs.Errorf(errs.ErrNotFound,
			"subscription %s not found", urlID)
	}

	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM
		subscription_deliveries WHERE url_id = $1`, urlID).Scan(&seq)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO subscription_deliveries
		(url_id, seq, confirmations, tx_hash, received_at)
		VALUES ($1, $2, $3, $4, $5)`,
		urlID, seq+1, d.Confirmations, d.TxHash, toUnix(d.ReceivedAt),
	)
	return err
}

// AppendDelivery appends a delivery under the next sequence number.
func (s *Store) AppendDelivery(ctx context.Context, urlID string,
	d db.Delivery) error {

	return s.withTx(ctx, "append delivery", func(tx *sql.Tx) error {
		return appendDelivery(ctx, tx, urlID, d)
	})
}

// DeleteSubscription soft-deletes a subscription.
func (s *Store) DeleteSubscription(ctx context.Context, urlID string) error {
	return s.execOne(ctx, "delete subscription", urlID,
		`UPDATE subscriptions SET is_deleted = $1 WHERE url_id = $2`,
		true, urlID,
	)
}

// ListSubscriptions returns the live matching subscriptions without their
// audit logs.
func (s *Store) ListSubscriptions(ctx context.Context,
	query db.ListSubscriptionsQuery) ([]db.Subscription, error) {

	var where filter
	where.add("is_deleted", false)
	query.Status.WhenSome(func(v db.SubscriptionStatus) {
		where.add("status", string(v))
	})
	query.TransactionRef.WhenSome(func(v string) {
		where.add("transaction_ref", v)
	})

	rows, err := s.db.QueryContext(ctx, `SELECT `+subColumns+
		` FROM subscriptions`+where.sql()+` ORDER BY created_at, url_id`,
		where.args...)
	if err != nil {
		return nil, errs.E(errs.ErrDatabase, "list subscriptions", err)
	}
	defer rows.Close()

	var subs []db.Subscription
	for rows.Next() {
		sub, err := scanSub(rows)
		if err != nil {
			return nil, errs.E(errs.ErrDatabase,
				"list subscriptions", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(errs.ErrDatabase, "list subscriptions", err)
	}
	return subs, nil
}
