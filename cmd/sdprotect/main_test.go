// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/carabiner-dev/sdprotect"
	"github.com/carabiner-dev/sdprotect/internal/medium"
	isecrets "github.com/carabiner-dev/sdprotect/internal/secrets"
	"github.com/carabiner-dev/sdprotect/internal/server"
	"github.com/carabiner-dev/sdprotect/options"
)

func TestResponderPin(t *testing.T) {
	var out bytes.Buffer
	r := newTerminalResponder(strings.NewReader("4321\n"), &out, "", false)
	pin, err := r.Pin(context.Background(), "Enter PIN", 3)
	require.NoError(t, err)
	require.Equal(t, "4321", pin)
	require.Contains(t, out.String(), "3 attempts left")

	r = newTerminalResponder(strings.NewReader(""), &out, "1111", false)
	pin, err = r.Pin(context.Background(), "Enter PIN", 3)
	require.NoError(t, err)
	require.Equal(t, "1111", pin)
}

func TestResponderButton(t *testing.T) {
	confirm := &sdprotect.Dialog{Kind: "confirm", Title: "SD card protection", Lines: []string{"Do you", "agree?"}, Confirm: "Confirm", Cancel: "Cancel"}
	closeOnly := &sdprotect.Dialog{Bold: "Wrong SD card.", Lines: []string{"Unplug it."}, Cancel: "Close"}
	notice := &sdprotect.Dialog{Kind: "success", Lines: []string{"Done."}, Confirm: "Continue"}
	wrongCard := &sdprotect.Dialog{Kind: "wrong_card", Bold: "Wrong SD card.", Lines: []string{"Insert the correct card."}, Confirm: "Retry", Cancel: "Abort"}

	for _, tc := range []struct {
		name  string
		input string
		yes   bool
		d     *sdprotect.Dialog
		want  bool
		err   error
	}{
		{"accepted", "y\n", false, confirm, true, nil},
		{"button label", "confirm\n", false, confirm, true, nil},
		{"declined", "\n", false, confirm, false, nil},
		{"yes flag", "", true, confirm, true, nil},
		{"eof", "", false, confirm, false, sdprotect.ErrCancelled},
		{"close only", "\n", true, closeOnly, false, nil},
		{"notice", "", false, notice, true, nil},
		{"retry is asked under yes", "y\n", true, wrongCard, true, nil},
		{"retry declined under yes", "n\n", true, wrongCard, false, nil},
		{"retry without input", "", true, wrongCard, false, sdprotect.ErrCancelled},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			r := newTerminalResponder(strings.NewReader(tc.input), &out, "", tc.yes)
			ok, err := r.Button(context.Background(), tc.d)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, ok)
		})
	}
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	opts := *options.DefaultDevice
	opts.SocketPath = filepath.Join(dir, "sd.sock")
	opts.StateDir = dir
	opts.KDFIterations = 1000
	opts.RestrictPeerUID = false

	card := medium.NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := server.NewServer(ctx, &opts,
		server.WithStorage(isecrets.NewMemoryStorage()),
		server.WithMedium(card),
	)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	run := func(input string, args ...string) (string, error) {
		var out bytes.Buffer
		cmd := rootCommand(strings.NewReader(input), &out)
		cmd.SetArgs(append([]string{"--socket", opts.SocketPath}, args...))
		err := cmd.Execute()
		return out.String(), err
	}

	c := sdprotect.NewClient(&options.Client{Common: options.Common{SocketPath: opts.SocketPath}})
	require.Eventually(t, func() bool { return c.IsDeviceRunning(ctx) }, 5*time.Second, 20*time.Millisecond)

	out, err := run("", "ping")
	require.NoError(t, err)
	require.Contains(t, out, "Device is running")

	out, err = run("", "init", "--pin", "1234")
	require.NoError(t, err)
	require.Contains(t, out, "Device initialized")

	out, err = run("y\n1234\n", "enable")
	require.NoError(t, err)
	require.Contains(t, out, "SD card protection enabled")

	out, err = run("", "status")
	require.NoError(t, err)
	require.Contains(t, out, "SD protection:  true")

	_, err = run("n\n", "disable")
	require.ErrorIs(t, err, sdprotect.ErrCancelled)

	out, err = run("", "refresh", "--pin", "1234", "--yes")
	require.NoError(t, err)
	require.Contains(t, out, "SD card protection refreshed")

	// A foreign card is not retried on behalf of the user.
	card.Swap(afero.NewMemMapFs())
	out, err = run("", "disable", "--pin", "1234", "--yes")
	require.ErrorIs(t, err, sdprotect.ErrCancelled)
	require.Equal(t, 1, strings.Count(out, "WRONG SD CARD."))
}
