// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package prompt

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPassPrompt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		secret string
		err    error
	}{
		{"first line", "hunter2\n", "hunter2", nil},
		{"skips blank lines", "\n   \n  s3cret \n", "s3cret", nil},
		{"no trailing newline", "last", "last", nil},
		{"empty input", "", "", ErrNoSecret},
		{"only blanks", "\n\n", "", ErrNoSecret},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var out bytes.Buffer
			r := bufio.NewReader(strings.NewReader(tc.input))
			secret, err := passPrompt(&out, "Secret", lineReader(r))
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.secret, string(secret))
			require.True(t, strings.HasPrefix(out.String(),
				"Secret: "))
		})
	}
}

func TestPassPromptReadError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := passPrompt(&bytes.Buffer{}, "Secret", func() ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
}
