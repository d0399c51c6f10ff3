// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package webhook

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/eventwallet/eventwallet/db"
	"github.com/redis/go-redis/v9"
)

// DefaultAnomalyStream is the Redis stream anomalies are appended to.
const DefaultAnomalyStream = "eventwallet:anomalies"

// maxStreamLen caps the stream length.  Trimming is approximate.
const maxStreamLen = 100000

// RedisPublisher appends anomalies to a Redis stream for operator tooling.
type RedisPublisher struct {
	client *redis.Client
	stream string
}

// NewRedisPublisher connects to the Redis server at url.
func NewRedisPublisher(ctx context.Context, url,
	stream string) (*RedisPublisher, error) {

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if stream == "" {
		stream = DefaultAnomalyStream
	}
	return &RedisPublisher{client: client, stream: stream}, nil
}

// PublishAnomaly appends a to the stream.
func (p *RedisPublisher) PublishAnomaly(ctx context.Context,
	a *db.Anomaly) error {

	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: anomalyFields(a),
	}).Err()
}

// Close closes the connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func anomalyFields(a *db.Anomaly) map[string]interface{} {
	return map[string]interface{}{
		"id":             a.ID,
		"kind":           string(a.Kind),
		"transaction":    a.TransactionRef,
		"url_id":         a.URLID,
		"tx_hash":        a.TxHash,
		"expected_sats":  strconv.FormatInt(int64(a.Expected), 10),
		"observed_sats":  strconv.FormatInt(int64(a.Observed), 10),
		"confirmations":  strconv.FormatInt(int64(a.Confirmations), 10),
		"detail":         a.Detail,
		"created_at_utc": a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
