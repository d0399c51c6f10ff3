// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// AmountFlag embeds a btcutil.Amount and implements the flags.Marshaler and
// Unmarshaler interfaces so it can be used as a config struct field.  Values
// are given in BTC and parsed exactly.
type AmountFlag struct {
	btcutil.Amount
}

// NewAmountFlag creates an AmountFlag with a default btcutil.Amount.
func NewAmountFlag(defaultValue btcutil.Amount) *AmountFlag {
	return &AmountFlag{defaultValue}
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (a *AmountFlag) MarshalFlag() (string, error) {
	return a.Amount.String(), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (a *AmountFlag) UnmarshalFlag(value string) error {
	value = strings.TrimSpace(strings.TrimSuffix(value, " BTC"))
	btc, err := decimal.NewFromString(value)
	if err != nil {
		return err
	}

	sats := btc.Shift(8)
	switch {
	case !sats.IsInteger():
		return fmt.Errorf("amount %s has more than 8 decimals", value)
	case sats.IsNegative():
		return fmt.Errorf("amount %s is negative", value)
	case sats.GreaterThan(decimal.NewFromInt(btcutil.MaxSatoshi)):
		return fmt.Errorf("amount %s exceeds the supply", value)
	}

	a.Amount = btcutil.Amount(sats.IntPart())
	return nil
}
