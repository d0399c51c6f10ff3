// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package metrics holds the Prometheus collectors of the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eventwallet"

var (
	// Webhook reconciliation.
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Notifications received, by outcome",
	}, []string{"outcome"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "transitions_total",
		Help:      "Ledger status transitions, by direction and new status",
	}, []string{"direction", "status"})

	AnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "anomalies_total",
		Help:      "Reconciliation anomalies recorded, by kind",
	}, []string{"kind"})

	ReconcileLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "reconcile_duration_seconds",
		Help:      "Time spent reconciling one notification",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "subscriptions_active",
		Help:      "Live upstream subscriptions as of the last sweep",
	})

	// Settlement.
	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "refunds_total",
		Help:      "Refunds built, by purpose and outcome",
	}, []string{"purpose", "outcome"})

	RefundFeesSats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "refund_fees_sats_total",
		Help:      "Network fees deducted from refunds, in satoshis",
	})

	// Ingress.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Webhook requests answered, by response status",
	}, []string{"status"})

	// Indexer.
	IndexerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "indexer",
		Name:      "errors_total",
		Help:      "Failed indexer calls, by operation",
	}, []string{"op"})
)
