// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package prompt defines the user interaction collaborator of the device:
// PIN entry, confirmation dialogs and retry/abort prompts.
package prompt

import (
	"context"
	"errors"
	"strings"
)

// ErrCancelled is returned when the user declines a prompt.
var ErrCancelled = errors.New("cancelled by user")

// Decision is the answer to a retry/abort prompt.
type Decision int

const (
	Abort Decision = iota
	Retry
)

func (d Decision) String() string {
	if d == Retry {
		return "retry"
	}
	return "abort"
}

// Kind classifies a dialog so remote renderers can tell them apart.
type Kind int

const (
	KindConfirm Kind = iota
	KindWrongCard
	KindInsertCard
	KindCardError
	KindSuccess
	KindPinInvalid
)

var kindNames = map[Kind]string{
	KindConfirm:    "confirm",
	KindWrongCard:  "wrong_card",
	KindInsertCard: "insert_card",
	KindCardError:  "card_error",
	KindSuccess:    "success",
	KindPinInvalid: "pin_invalid",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParseKind returns the kind named s.
func ParseKind(s string) (Kind, bool) {
	for k, n := range kindNames {
		if n == s {
			return k, true
		}
	}
	return 0, false
}

// Dialog is a screen shown to the user. An empty Confirm means the dialog
// only offers the Cancel button.
type Dialog struct {
	Kind    Kind
	Title   string
	Bold    string
	Lines   []string
	Confirm string
	Cancel  string
}

// Text renders the dialog body as plain text.
func (d *Dialog) Text() string {
	var b strings.Builder
	if d.Title != "" {
		b.WriteString(d.Title)
		b.WriteString("\n\n")
	}
	if d.Bold != "" {
		b.WriteString(d.Bold)
		b.WriteString("\n")
	}
	b.WriteString(strings.Join(d.Lines, " "))
	return b.String()
}

// Prompter talks to the user.
type Prompter interface {
	// RequestPin asks for the PIN, showing the remaining attempts.
	RequestPin(ctx context.Context, prompt string, retries int) (string, error)

	// Confirm shows d and reports whether the user accepted it.
	Confirm(ctx context.Context, d Dialog) (bool, error)

	// Ask shows d as a retry/abort prompt.
	Ask(ctx context.Context, d Dialog) (Decision, error)

	// Notify shows an informational dialog.
	Notify(ctx context.Context, d Dialog) error
}
