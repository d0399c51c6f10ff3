// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func TestByName(t *testing.T) {
	t.Parallel()

	p, err := ByName("regtest")
	require.NoError(t, err)
	require.Same(t, &chaincfg.RegressionNetParams, p.Params)
	require.Equal(t, "18651", p.WebhookPort)

	p, err = ByName("mainnet")
	require.NoError(t, err)
	require.Equal(t, &MainNetParams, p)

	_, err = ByName("ctindigonet")
	require.Error(t, err)
}
