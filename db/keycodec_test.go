// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyCodec(t *testing.T) {
	t.Parallel()

	k := EncryptedKey{
		IV:         bytes.Repeat([]byte{0x01}, 24),
		Ciphertext: bytes.Repeat([]byte{0x02}, 32),
		AuthTag:    bytes.Repeat([]byte{0x03}, 16),
	}

	b, err := EncodeKey(k)
	require.NoError(t, err)

	got, err := DecodeKey(b)
	require.NoError(t, err)
	require.Equal(t, k, got)

	_, err = DecodeKey(b[:len(b)-3])
	require.Error(t, err)
}
