// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package feeest

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

// WeightUnit expresses a transaction size in weight units.  The weight is
// `base size * 3 + total size`, where the base size excludes witness data.
type WeightUnit uint64

// ToVB converts w to virtual bytes, rounding up as BIP141 requires.
func (w WeightUnit) ToVB() VByte {
	return VByte((uint64(w) + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor)
}

// String returns the string representation of the weight unit.
func (w WeightUnit) String() string {
	return fmt.Sprintf("%d wu", uint64(w))
}

// VByte expresses a transaction size in virtual bytes.
type VByte uint64

// ToWU converts v to weight units.
func (v VByte) ToWU() WeightUnit {
	return WeightUnit(uint64(v) * blockchain.WitnessScaleFactor)
}

// String returns the string representation of the virtual byte.
func (v VByte) String() string {
	return fmt.Sprintf("%d vb", uint64(v))
}

// SatPerVByte is a fee rate in whole satoshis per virtual byte.
type SatPerVByte btcutil.Amount

// SatPerKVByteToVByte converts a rate per 1000 virtual bytes to a rate per
// virtual byte, rounding up so a converted rate never underpays.
func SatPerKVByteToVByte(perKB btcutil.Amount) SatPerVByte {
	if perKB <= 0 {
		return 0
	}
	return SatPerVByte((perKB + 999) / 1000)
}

// FeeForVSize returns the fee for a transaction of the given size.
func (r SatPerVByte) FeeForVSize(size VByte) btcutil.Amount {
	return btcutil.Amount(r) * btcutil.Amount(size)
}

// String returns a human-readable string of the fee rate.
func (r SatPerVByte) String() string {
	return fmt.Sprintf("%d sat/vb", int64(r))
}
