// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/carabiner-dev/sdprotect/options"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	opts, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, *options.DefaultDevice, *opts)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "sdprotect.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
socket_path: /run/from-file.sock
medium: memory
storage_backend: memory
hot_swappable: true
registry_namespace: 14
kdf_iterations: 500
inactivity_timeout: 90s
`), 0o600))

	t.Setenv("SDPROTECT_KDF_ITERATIONS", "700")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("socket-path", "", "")
	flags.Bool("debug", false, "")
	require.NoError(t, flags.Parse([]string{"--socket-path=/run/from-flag.sock"}))

	opts, err := Load(file, flags)
	require.NoError(t, err)
	require.Equal(t, "/run/from-flag.sock", opts.SocketPath)
	require.Equal(t, options.MediumMemory, opts.Medium)
	require.True(t, opts.HotSwappable)
	require.Equal(t, uint8(14), opts.RegistryNamespace)
	require.Equal(t, 700, opts.KDFIterations)
	require.Equal(t, 90*time.Second, opts.InactivityTimeout)
	require.False(t, opts.Debug, "unset flag keeps the default")
	require.Equal(t, "SDPROTECT_SOCKET_PATH", opts.EnvVarSocket)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(file, []byte("medium: floppy\n"), 0o600))
	_, err = Load(file, nil)
	require.Error(t, err)
}
