// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestCounters(t *testing.T) {
	DeliveriesTotal.WithLabelValues("duplicate").Inc()
	DeliveriesTotal.WithLabelValues("duplicate").Inc()
	require.Equal(t, float64(2), counterValue(
		t, DeliveriesTotal.WithLabelValues("duplicate"),
	))

	RefundFeesSats.Add(1220)
	require.Equal(t, float64(1220), counterValue(t, RefundFeesSats))
}
