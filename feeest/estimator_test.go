// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package feeest

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/eventwallet/eventwallet/errs"
	"github.com/eventwallet/eventwallet/indexer"
	"github.com/stretchr/testify/require"
)

type mockTierSource struct {
	calls int
	tiers indexer.FeeTiers
	err   error
}

func (m *mockTierSource) FeeTiers(context.Context) (*indexer.FeeTiers, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	tiers := m.tiers
	return &tiers, nil
}

func TestCurrentRates(t *testing.T) {
	t.Parallel()

	source := &mockTierSource{
		tiers: indexer.FeeTiers{
			LowPerKB:    1000,
			MediumPerKB: 12345,
			HighPerKB:   50000,
		},
	}
	e := New(source)

	rates, err := e.CurrentRates(context.Background())
	require.NoError(t, err)
	require.Equal(t, &Rates{Low: 1, Medium: 13, High: 50}, rates)
	require.Equal(t, SatPerVByte(13), rates.For(PriorityMedium))
	require.Equal(t, SatPerVByte(50), rates.For(PriorityHigh))

	// Every call reaches the source.
	source.tiers.MediumPerKB = 20000
	rates, err = e.CurrentRates(context.Background())
	require.NoError(t, err)
	require.Equal(t, SatPerVByte(20), rates.Medium)
	require.Equal(t, 2, source.calls)

	source.err = errors.New("unreachable")
	_, err = e.CurrentRates(context.Background())
	require.Error(t, err)
}

func TestEstimateVSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		inputs  int
		outputs int
		want    VByte
	}{
		{1, 1, 122},
		{1, 2, 165},
		{2, 1, 191},
	}
	for _, test := range tests {
		got := EstimateVSize(test.inputs, test.outputs)
		require.Equal(t, test.want, got, "%d in %d out",
			test.inputs, test.outputs)
	}
}

// TestEstimateMonotonic ensures adding an input or an output never lowers
// the fee.
func TestEstimateMonotonic(t *testing.T) {
	t.Parallel()

	for _, rate := range []SatPerVByte{1, 7, 150} {
		for in := 1; in <= 20; in++ {
			for out := 1; out <= 5; out++ {
				fee, err := Estimate(in, out, rate)
				require.NoError(t, err)

				moreIn, err := Estimate(in+1, out, rate)
				require.NoError(t, err)
				require.Greater(t, moreIn, fee)

				moreOut, err := Estimate(in, out+1, rate)
				require.NoError(t, err)
				require.Greater(t, moreOut, fee)
			}
		}
	}

	_, err := Estimate(0, 1, 1)
	require.True(t, errs.Is(err, errs.ErrInvalidArgument), err)
	_, err = Estimate(1, 1, -1)
	require.True(t, errs.Is(err, errs.ErrInvalidArgument), err)
}

func TestAdjustForFee(t *testing.T) {
	t.Parallel()

	tests := []struct {
		amount, fee, want btcutil.Amount
	}{
		{50000, 1220, 48780},
		{1000, 1000, 0},
		{500, 1220, 0},
		{0, 0, 0},
	}
	for _, test := range tests {
		require.Equal(t, test.want, AdjustForFee(test.amount, test.fee))
	}
}

func TestUnits(t *testing.T) {
	t.Parallel()

	require.Equal(t, VByte(169), WeightUnit(674).ToVB())
	require.Equal(t, VByte(168), WeightUnit(672).ToVB())
	require.Equal(t, WeightUnit(400), VByte(100).ToWU())
	require.Equal(t, "674 wu", WeightUnit(674).String())
	require.Equal(t, "5 sat/vb", SatPerVByte(5).String())
	require.Equal(t, SatPerVByte(0), SatPerKVByteToVByte(-5))
	require.Equal(t, SatPerVByte(1), SatPerKVByteToVByte(1))
	require.Equal(t, btcutil.Amount(610), SatPerVByte(5).FeeForVSize(122))
}
