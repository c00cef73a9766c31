// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package secrets

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/carabiner-dev/sdprotect/secrets"
)

// Ensure the driver implements the storage interface
var _ secrets.Storage = &KeyringStorage{}

// KeyringStorage stores device values in the Linux kernel user keyring.
// The user keyring outlives the daemon process but not a reboot, so it
// suits development devices that should not leave state on disk.
type KeyringStorage struct {
	prefix string
}

// NewKeyringStorage checks the user keyring is reachable, creating it if
// needed. Key descriptions are prefixed with prefix.
func NewKeyringStorage(prefix string) (*KeyringStorage, error) {
	if _, err := unix.KeyctlGetKeyringID(unix.KEY_SPEC_USER_KEYRING, true); err != nil {
		return nil, fmt.Errorf("failed to access/create user keyring: %w", err)
	}

	return &KeyringStorage{prefix: prefix}, nil
}

func (k *KeyringStorage) description(key secrets.Key) string {
	return k.prefix + ":" + key.String()
}

// Store persists a value in the kernel keyring.
func (k *KeyringStorage) Store(_ context.Context, key secrets.Key, value []byte) error {
	desc := k.description(key)

	// Always create a fresh key so the permissions below apply
	if existingKeyID, err := unix.KeyctlSearch(unix.KEY_SPEC_USER_KEYRING, "user", desc, 0); err == nil {
		//nolint:errcheck // Don't err if key can't be removed it will be overwritten anyway.
		_, _ = unix.KeyctlInt(unix.KEYCTL_UNLINK, existingKeyID, unix.KEY_SPEC_USER_KEYRING, 0, 0)
	}

	keyID, err := unix.AddKey("user", desc, value, unix.KEY_SPEC_USER_KEYRING)
	if err != nil {
		return fmt.Errorf("adding key to keyring: %w", err)
	}

	// Possessor and owner get all permissions, nobody else any
	if err := unix.KeyctlSetperm(keyID, 0x3f3f0000); err != nil {
		return fmt.Errorf("setting key permissions: %w", err)
	}

	return nil
}

// Get retrieves a value from the kernel keyring.
func (k *KeyringStorage) Get(_ context.Context, key secrets.Key) ([]byte, error) {
	keyID, err := unix.KeyctlSearch(unix.KEY_SPEC_USER_KEYRING, "user", k.description(key), 0)
	if err != nil {
		return nil, secrets.ErrNotFound
	}

	size, err := unix.KeyctlBuffer(unix.KEYCTL_READ, keyID, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("getting key size: %w", err)
	}

	buf := make([]byte, size)
	n, err := unix.KeyctlBuffer(unix.KEYCTL_READ, keyID, buf, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read key from keyring: %w", err)
	}

	return buf[:n], nil
}

// Delete unlinks a value from the kernel keyring.
func (k *KeyringStorage) Delete(_ context.Context, key secrets.Key) error {
	keyID, err := unix.KeyctlSearch(unix.KEY_SPEC_USER_KEYRING, "user", k.description(key), 0)
	if err != nil {
		//nolint:nilerr // Key not found is not an error
		return nil
	}

	if _, err := unix.KeyctlInt(unix.KEYCTL_UNLINK, keyID, unix.KEY_SPEC_USER_KEYRING, 0, 0); err != nil {
		return fmt.Errorf("unlinking key from keyring: %w", err)
	}

	return nil
}
