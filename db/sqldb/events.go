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

const eventColumns = `id, creator_ref, title, entry_fee, prize_pool,
	min_participants, max_participants, status, wallet_ref, funding_tx_ref,
	created_at, updated_at`

func eventArgs(ev *db.Event) []interface{} {
	return []interface{}{
		ev.ID, ev.CreatorRef, ev.Title, int64(ev.EntryFee),
		int64(ev.PrizePool), int64(ev.MinParticipants),
		int64(ev.MaxParticipants), string(ev.Status), ev.WalletRef,
		ev.FundingTxRef, toUnix(ev.CreatedAt), toUnix(ev.UpdatedAt),
	}
}

func insertParticipants(ctx context.Context, tx *sql.Tx, ev *db.Event) error {
	for i, p := range ev.Participants {
		_, err := tx.ExecContext(ctx, `INSERT INTO event_participants
			(event_id, slot, user_ref, wallet_ref, tx_ref, status,
			joined_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.ID, i, p.UserRef, p.WalletRef, p.TxRef,
			string(p.Status), toUnix(p.JoinedAt),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// CreateEvent persists a new event and its participants.
func (s *Store) CreateEvent(ctx context.Context, ev *db.Event) error {
	return s.withTx(ctx, "create event", func(tx *sql.Tx) error {
		ok, err := insertUnique(ctx, tx, `INSERT INTO events (`+
			eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
			$10, $11, $12) ON CONFLICT DO NOTHING`, eventArgs(ev)...)
		if err != nil {
			return err
		}
		if !ok {
			return errs.Errorf(errs.ErrDuplicate,
				"event %s already exists", ev.ID)
		}
		return insertParticipants(ctx, tx, ev)
	})
}

// GetEvent retrieves an event with its participants in join order.
func (s *Store) GetEvent(ctx context.Context, id string) (*db.Event, error) {
	var (
		ev                   db.Event
		entryFee, prizePool  int64
		minP, maxP           int64
		status               string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+
		` FROM events WHERE id = $1`, id).Scan(&ev.ID, &ev.CreatorRef,
		&ev.Title, &entryFee, &prizePool, &minP, &maxP, &status,
		&ev.WalletRef, &ev.FundingTxRef, &createdAt, &updatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, errs.Errorf(errs.ErrNotFound, "event %s not found",
			id)
	case err != nil:
		return nil, errs.E(errs.ErrDatabase, "get event", err)
	}
	ev.EntryFee = btcutil.Amount(entryFee)
	ev.PrizePool = btcutil.Amount(prizePool)
	ev.MinParticipants = uint32(minP)
	ev.MaxParticipants = uint32(maxP)
	ev.Status = db.EventStatus(status)
	ev.CreatedAt = fromUnix(createdAt)
	ev.UpdatedAt = fromUnix(updatedAt)

	rows, err := s.db.QueryContext(ctx, `SELECT user_ref, wallet_ref,
		tx_ref, status, joined_at FROM event_participants
		WHERE event_id = $1 ORDER BY slot`, id)
	if err != nil {
		return nil, errs.E(errs.ErrDatabase, "get participants", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p        db.Participant
			pStatus  string
			joinedAt int64
		)
		err := rows.Scan(&p.UserRef, &p.WalletRef, &p.TxRef, &pStatus,
			&joinedAt)
		if err != nil {
			return nil, errs.E(errs.ErrDatabase,
				"get participants", err)
		}
		p.Status = db.ParticipantStatus(pStatus)
		p.JoinedAt = fromUnix(joinedAt)
		ev.Participants = append(ev.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(errs.ErrDatabase, "get participants", err)
	}
	return &ev, nil
}

// UpdateEvent replaces the event row and rewrites its participants.
func (s *Store) UpdateEvent(ctx context.Context, ev *db.Event) error {
	return s.withTx(ctx, "update event", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE events SET
			creator_ref = $2, title = $3, entry_fee = $4,
			prize_pool = $5, min_participants = $6,
			max_participants = $7, status = $8, wallet_ref = $9,
			funding_tx_ref = $10, created_at = $11, updated_at = $12
			WHERE id = $1`, eventArgs(ev)...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.Errorf(errs.ErrNotFound, "event %s not found",
				ev.ID)
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM event_participants
			WHERE event_id = $1`, ev.ID)
		if err != nil {
			return err
		}
		return insertParticipants(ctx, tx, ev)
	})
}

const anomalyColumns = `id, transaction_ref, url_id, tx_hash, kind,
	expected, observed, confirmations, detail, created_at`

// RecordAnomaly persists a new anomaly.
func (s *Store) RecordAnomaly(ctx context.Context, a *db.Anomaly) error {
	ok, err := insertUnique(ctx, s.db, `INSERT INTO anomalies (`+
		anomalyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
		$10) ON CONFLICT DO NOTHING`,
		a.ID, a.TransactionRef, a.URLID, a.TxHash, string(a.Kind),
		int64(a.Expected), int64(a.Observed), a.Confirmations, a.Detail,
		toUnix(a.CreatedAt),
	)
	if err != nil {
		return errs.E(errs.ErrDatabase, "record anomaly", err)
	}
	if !ok {
		return errs.Errorf(errs.ErrDuplicate,
			"anomaly %s already recorded", a.ID)
	}
	return nil
}

// ListAnomalies returns the matching anomalies oldest first.
func (s *Store) ListAnomalies(ctx context.Context,
	query db.ListAnomaliesQuery) ([]db.Anomaly, error) {

	var where filter
	query.TransactionRef.WhenSome(func(v string) {
		where.add("transaction_ref", v)
	})
	query.Kind.WhenSome(func(v db.AnomalyKind) {
		where.add("kind", string(v))
	})

	rows, err := s.db.QueryContext(ctx, `SELECT `+anomalyColumns+
		` FROM anomalies`+where.sql()+` ORDER BY created_at, id`,
		where.args...)
	if err != nil {
		return nil, errs.E(errs.ErrDatabase, "list anomalies", err)
	}
	defer rows.Close()

	var anomalies []db.Anomaly
	for rows.Next() {
		var (
			a                  db.Anomaly
			kind               string
			expected, observed int64
			createdAt          int64
		)
		err := rows.Scan(&a.ID, &a.TransactionRef, &a.URLID, &a.TxHash,
			&kind, &expected, &observed, &a.Confirmations, &a.Detail,
			&createdAt)
		if err != nil {
			return nil, errs.E(errs.ErrDatabase, "list anomalies", err)
		}
		a.Kind = db.AnomalyKind(kind)
		a.Expected = btcutil.Amount(expected)
		a.Observed = btcutil.Amount(observed)
		a.CreatedAt = fromUnix(createdAt)
		anomalies = append(anomalies, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(errs.ErrDatabase, "list anomalies", err)
	}
	return anomalies, nil
}
