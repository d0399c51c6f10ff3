// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexer

import (
	"encoding/json"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// HookEvent is the hook type used to follow a payment to finality.  The
// indexer posts the transaction on every new confirmation up to the
// requested count.
const HookEvent = "tx-confirmation"

// HookRequest registers a hook.
type HookRequest struct {
	Event         string `json:"event"`
	Address       string `json:"address"`
	URL           string `json:"url"`
	Confirmations int32  `json:"confirmations,omitempty"`
}

// Hook is a registered hook as returned by the indexer.
type Hook struct {
	ID            string `json:"id"`
	Event         string `json:"event"`
	Address       string `json:"address"`
	URL           string `json:"url"`
	Confirmations int32  `json:"confirmations,omitempty"`
}

// FeeTiers are the network fee estimates the indexer publishes, in
// satoshis per 1000 bytes.
type FeeTiers struct {
	LowPerKB    btcutil.Amount `json:"low_fee_per_kb"`
	MediumPerKB btcutil.Amount `json:"medium_fee_per_kb"`
	HighPerKB   btcutil.Amount `json:"high_fee_per_kb"`
}

// UnmarshalJSON decodes the tiers.  Some deployments report fractional
// rates, which are rounded up to whole satoshis.
func (f *FeeTiers) UnmarshalJSON(b []byte) error {
	var raw struct {
		Low    decimal.Decimal `json:"low_fee_per_kb"`
		Medium decimal.Decimal `json:"medium_fee_per_kb"`
		High   decimal.Decimal `json:"high_fee_per_kb"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	f.LowPerKB = btcutil.Amount(raw.Low.Ceil().IntPart())
	f.MediumPerKB = btcutil.Amount(raw.Medium.Ceil().IntPart())
	f.HighPerKB = btcutil.Amount(raw.High.Ceil().IntPart())
	return nil
}

// TxOutput is one output of a notified transaction.
type TxOutput struct {
	Value      int64    `json:"value"`
	Addresses  []string `json:"addresses"`
	Script     string   `json:"script"`
	ScriptType string   `json:"script_type"`
}

// TxPayload is the transaction body the indexer posts to a hook URL.
type TxPayload struct {
	Hash          string     `json:"hash"`
	Confirmations int32      `json:"confirmations"`
	BlockHeight   int32      `json:"block_height"`
	Outputs       []TxOutput `json:"outputs"`
}

// PaidTo returns the outputs of p paying address.
func (p *TxPayload) PaidTo(address string) []int {
	var idx []int
	for i, out := range p.Outputs {
		for _, a := range out.Addresses {
			if a == address {
				idx = append(idx, i)
				break
			}
		}
	}
	return idx
}
