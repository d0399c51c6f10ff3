// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package errs defines the error taxonomy shared by the settlement core.
//
// Every failure that a caller is expected to react to is reported as an
// *Error carrying an ErrorCode.  Callers test for a code with Is rather than
// comparing error values, so the code survives any amount of %w wrapping.
package errs

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific Error.
const (
	// ErrDatabase indicates an error with the underlying store.  When this
	// code is set, the Err field of the Error is the error returned from
	// the store driver.
	ErrDatabase ErrorCode = iota

	// ErrConfiguration indicates a required secret or setting is absent.
	// It is fatal at startup.
	ErrConfiguration

	// ErrCrypto indicates ciphertext authentication failed.  The key
	// material was tampered with or the process secret is wrong, so the
	// operation must never be retried.
	ErrCrypto

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound

	// ErrDuplicate indicates a unique key (outpoint, address, url id)
	// already exists.
	ErrDuplicate

	// ErrAlreadySpent indicates an attempt to spend an output a second
	// time.
	ErrAlreadySpent

	// ErrInsufficientFunds indicates the unspent outputs of an owner do
	// not cover the requested amount.
	ErrInsufficientFunds

	// ErrReconciliationAnomaly indicates an observed payment did not match
	// the expected payment and needs operator review.
	ErrReconciliationAnomaly

	// ErrEventFull indicates an event does not accept more participants.
	ErrEventFull

	// ErrConflict indicates a conditional update lost against a
	// concurrent writer.
	ErrConflict

	// ErrInvalidArgument indicates the caller passed malformed input.
	ErrInvalidArgument

	// ErrUpstream indicates the blockchain indexer rejected or failed a
	// request.
	ErrUpstream

	// ErrInvalidState indicates the entity is in a state that does not
	// allow the requested operation.
	ErrInvalidState
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:              "ErrDatabase",
	ErrConfiguration:         "ErrConfiguration",
	ErrCrypto:                "ErrCrypto",
	ErrNotFound:              "ErrNotFound",
	ErrDuplicate:             "ErrDuplicate",
	ErrAlreadySpent:          "ErrAlreadySpent",
	ErrInsufficientFunds:     "ErrInsufficientFunds",
	ErrReconciliationAnomaly: "ErrReconciliationAnomaly",
	ErrEventFull:             "ErrEventFull",
	ErrConflict:              "ErrConflict",
	ErrInvalidArgument:       "ErrInvalidArgument",
	ErrUpstream:              "ErrUpstream",
	ErrInvalidState:          "ErrInvalidState",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error provides a single type for errors that can happen anywhere in the
// settlement core.  It is similar to wtxmgr.TxStoreError.
type Error struct {
	Code        ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// E creates an Error given a set of arguments.
func E(c ErrorCode, desc string, err error) *Error {
	return &Error{Code: c, Description: desc, Err: err}
}

// Errorf creates an Error with a formatted description and no underlying
// error.
func Errorf(c ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: c, Description: fmt.Sprintf(format, args...)}
}

// Is returns whether err, or any error it wraps, is an *Error with the
// given code.
func Is(err error, c ErrorCode) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == c {
			return true
		}
		err = e.Err
	}
	return false
}

// Code returns the code of the outermost *Error in the chain of err and
// whether one was found.
func Code(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}
