// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/carabiner-dev/sdprotect"
)

// kindConfirm is the dialog kind of operation confirmations.
const kindConfirm = "confirm"

var _ sdprotect.Responder = &terminalResponder{}

// terminalResponder shows device dialogs on the terminal and reads the
// answers line by line.
type terminalResponder struct {
	in  *bufio.Reader
	out io.Writer

	// pin answers every PIN request when set
	pin string
	// yes accepts operation confirmations, retry prompts are still asked
	yes bool
}

func newTerminalResponder(in io.Reader, out io.Writer, pin string, yes bool) *terminalResponder {
	return &terminalResponder{
		in:  bufio.NewReader(in),
		out: out,
		pin: pin,
		yes: yes,
	}
}

func (t *terminalResponder) readLine() (string, error) {
	line, err := t.in.ReadString('\n')
	if errors.Is(err, io.EOF) && line == "" {
		return "", sdprotect.ErrCancelled
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading terminal: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (t *terminalResponder) Pin(_ context.Context, prompt string, retries int) (string, error) {
	if t.pin != "" {
		return t.pin, nil
	}
	fmt.Fprintf(t.out, "%s (%d attempts left): ", prompt, retries)
	return t.readLine()
}

func (t *terminalResponder) Button(_ context.Context, d *sdprotect.Dialog) (bool, error) {
	fmt.Fprintln(t.out)
	if d.Title != "" {
		fmt.Fprintf(t.out, "== %s ==\n", d.Title)
	}
	if d.Bold != "" {
		fmt.Fprintln(t.out, strings.ToUpper(d.Bold))
	}
	fmt.Fprintln(t.out, strings.Join(d.Lines, " "))

	switch {
	case d.Confirm == "":
		label := d.Cancel
		if label == "" {
			label = "OK"
		}
		fmt.Fprintf(t.out, "[Enter] %s ", label)
		if _, err := t.readLine(); err != nil {
			return false, err
		}
		return false, nil
	case d.Cancel == "", t.yes && d.Kind == kindConfirm:
		return true, nil
	}

	fmt.Fprintf(t.out, "%s / %s [y/N]: ", d.Confirm, d.Cancel)
	answer, err := t.readLine()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes", strings.ToLower(d.Confirm):
		return true, nil
	default:
		return false, nil
	}
}
