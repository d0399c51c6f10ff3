// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package prompt reads secrets interactively.
package prompt

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrNoSecret is returned when the input ends before a secret was entered.
var ErrNoSecret = errors.New("no secret entered")

// readFunc reads one secret candidate.
type readFunc func() ([]byte, error)

// VaultSecret prompts for the key vault secret.  When stdin is a terminal
// the secret is read without echo, otherwise it is read as one line from
// reader.
func VaultSecret(reader *bufio.Reader) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		return passPrompt(os.Stdout, "Enter the key vault secret",
			func() ([]byte, error) {
				pass, err := term.ReadPassword(fd)
				fmt.Print("\n")
				return pass, err
			})
	}
	return passPrompt(io.Discard, "Enter the key vault secret",
		lineReader(reader))
}

// passPrompt prompts with the given prefix until a non-empty secret is
// read.
func passPrompt(w io.Writer, prefix string, read readFunc) ([]byte, error) {
	for {
		fmt.Fprintf(w, "%s: ", prefix)
		pass, err := read()
		pass = bytes.TrimSpace(pass)
		switch {
		case len(pass) > 0:
			return pass, nil

		case errors.Is(err, io.EOF):
			return nil, ErrNoSecret

		case err != nil:
			return nil, err
		}
	}
}

// lineReader returns a readFunc yielding the lines of reader.
func lineReader(reader *bufio.Reader) readFunc {
	return func() ([]byte, error) {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF && len(line) > 0 {
			err = nil
		}
		return line, err
	}
}
