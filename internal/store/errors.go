// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
	"fmt"

	"github.com/carabiner-dev/sdprotect/internal/medium"
)

// Code classifies a salt store failure.
type Code int

const (
	// ReadFailed means the card could not be powered, mounted or read.
	ReadFailed Code = iota

	// WriteFailed means the card could not be written or a rename failed.
	WriteFailed

	// CardMismatch means no salt record on the card authenticates with the
	// device auth key: a foreign card or corrupted data.
	CardMismatch
)

func (c Code) String() string {
	switch c {
	case ReadFailed:
		return "read failed"
	case WriteFailed:
		return "write failed"
	case CardMismatch:
		return "card mismatch"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error is the only error type returned by Store operations.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "sd salt: " + e.Code.String()
	}
	return fmt.Sprintf("sd salt: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code, so callers can test
// against ErrReadFailed, ErrWriteFailed and ErrCardMismatch.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Code == e.Code
}

var (
	ErrReadFailed   = &Error{Code: ReadFailed}
	ErrWriteFailed  = &Error{Code: WriteFailed}
	ErrCardMismatch = &Error{Code: CardMismatch}
)

func newError(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// IsMediumAbsent reports whether err was caused by a card that could not
// be powered on.
func IsMediumAbsent(err error) bool {
	return errors.Is(err, medium.ErrAbsent)
}
