// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package netparams groups the chain parameters of each supported network
// with the daemon's network specific defaults.
package netparams

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Params is used to group parameters for various networks such as the main
// network and test networks.
type Params struct {
	*chaincfg.Params

	// WebhookPort is the default port of the webhook listener.
	WebhookPort string
}

// MainNetParams contains parameters specific to the main network
// (wire.MainNet).
var MainNetParams = Params{
	Params:      &chaincfg.MainNetParams,
	WebhookPort: "8650",
}

// TestNet3Params contains parameters specific to the test network
// (version 3) (wire.TestNet3).
var TestNet3Params = Params{
	Params:      &chaincfg.TestNet3Params,
	WebhookPort: "18650",
}

// RegressionNetParams contains parameters specific to the regression test
// network (wire.TestNet).
var RegressionNetParams = Params{
	Params:      &chaincfg.RegressionNetParams,
	WebhookPort: "18651",
}

// SimNetParams contains parameters specific to the simulation test network
// (wire.SimNet).
var SimNetParams = Params{
	Params:      &chaincfg.SimNetParams,
	WebhookPort: "18652",
}

// ByName returns the parameters of the network with the given chaincfg
// name.
func ByName(name string) (*Params, error) {
	for _, p := range []*Params{
		&MainNetParams, &TestNet3Params, &RegressionNetParams,
		&SimNetParams,
	} {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown network %q", name)
}
