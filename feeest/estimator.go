// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package feeest estimates the network fee of refund transactions.
package feeest

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/eventwallet/eventwallet/errs"
	"github.com/eventwallet/eventwallet/indexer"
)

// worstCaseOutput stands in for every output when sizing a transaction.  A
// P2TR output is the largest standard output a refund pays to.
var worstCaseOutput = &wire.TxOut{
	PkScript: make([]byte, txsizes.P2TRPkScriptSize),
}

// Priority selects a fee tier.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// Rates holds the current network fee tiers.
type Rates struct {
	Low    SatPerVByte
	Medium SatPerVByte
	High   SatPerVByte
}

// For returns the rate of the given tier.
func (r *Rates) For(p Priority) SatPerVByte {
	switch p {
	case PriorityLow:
		return r.Low
	case PriorityHigh:
		return r.High
	default:
		return r.Medium
	}
}

// TierSource reports the network fee tiers per 1000 bytes.  It is
// implemented by indexer.Client.
type TierSource interface {
	FeeTiers(ctx context.Context) (*indexer.FeeTiers, error)
}

// Estimator fetches fee rates and prices transactions.
type Estimator struct {
	source TierSource
}

// New returns an Estimator reading rates from source.
func New(source TierSource) *Estimator {
	return &Estimator{source: source}
}

// CurrentRates fetches the fee tiers.  Rates are never cached, every call
// reaches the source.
func (e *Estimator) CurrentRates(ctx context.Context) (*Rates, error) {
	tiers, err := e.source.FeeTiers(ctx)
	if err != nil {
		return nil, err
	}

	rates := &Rates{
		Low:    SatPerKVByteToVByte(tiers.LowPerKB),
		Medium: SatPerKVByteToVByte(tiers.MediumPerKB),
		High:   SatPerKVByteToVByte(tiers.HighPerKB),
	}
	log.Debugf("Fee rates: low %v, medium %v, high %v", rates.Low,
		rates.Medium, rates.High)
	return rates, nil
}

// EstimateVSize returns the worst case virtual size of a transaction
// spending numInputs P2WPKH outputs into numOutputs outputs.  A P2WPKH
// witness is larger than a key path P2TR witness, so the estimate covers
// both wallet types.
func EstimateVSize(numInputs, numOutputs int) VByte {
	outs := make([]*wire.TxOut, numOutputs)
	for i := range outs {
		outs[i] = worstCaseOutput
	}
	return VByte(txsizes.EstimateVirtualSize(0, 0, numInputs, 0, outs, 0))
}

// Estimate returns the fee of a transaction with the given shape at rate.
// The fee grows strictly with the number of inputs and outputs for any
// positive rate.
func Estimate(numInputs, numOutputs int,
	rate SatPerVByte) (btcutil.Amount, error) {

	switch {
	case numInputs < 1 || numOutputs < 1:
		return 0, errs.Errorf(errs.ErrInvalidArgument,
			"transaction needs inputs and outputs, got %d/%d",
			numInputs, numOutputs)

	case rate < 0:
		return 0, errs.Errorf(errs.ErrInvalidArgument,
			"negative fee rate %v", rate)
	}

	return rate.FeeForVSize(EstimateVSize(numInputs, numOutputs)), nil
}

// AdjustForFee returns the amount left for the recipient once the fee is
// deducted.  It never goes below zero.
func AdjustForFee(amount, fee btcutil.Amount) btcutil.Amount {
	if fee >= amount {
		return 0
	}
	return amount - fee
}
