// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package zero

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytes(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 31, 32, 33, 64, 127, 128, 129, 1000} {
		b := bytes.Repeat([]byte{0xff}, n)
		Bytes(b)
		require.Equal(t, make([]byte, n), b, "length %d", n)
	}
}
