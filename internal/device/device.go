// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package device holds the device-wide values kept in device storage: the
// device identity and the initialized flag.
package device

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/carabiner-dev/sdprotect/secrets"
)

const (
	// DefaultNamespace is the storage namespace of the device values.
	DefaultNamespace uint8 = 0x01

	slotIdentity    uint8 = 0x00
	slotInitialized uint8 = 0x01
)

// Device reads and writes the device values.
type Device struct {
	storage   secrets.Storage
	namespace uint8
}

// New returns a Device over storage using namespace.
func New(storage secrets.Storage, namespace uint8) *Device {
	return &Device{storage: storage, namespace: namespace}
}

func (d *Device) key(slot uint8) secrets.Key {
	return secrets.Key{Namespace: d.namespace, Slot: slot}
}

// Identity returns the device identity, an upper-case hex string. The
// identity is generated and stored on first use and never changes after.
func (d *Device) Identity(ctx context.Context) (string, error) {
	v, err := d.storage.Get(ctx, d.key(slotIdentity))
	if err == nil {
		return string(v), nil
	}
	if !errors.Is(err, secrets.ErrNotFound) {
		return "", fmt.Errorf("reading device identity: %w", err)
	}

	u := uuid.New()
	id := strings.ToUpper(hex.EncodeToString(u[:]))
	if err := d.storage.Store(ctx, d.key(slotIdentity), []byte(id)); err != nil {
		return "", fmt.Errorf("storing device identity: %w", err)
	}
	return id, nil
}

// Initialized reports whether the device has been set up.
func (d *Device) Initialized(ctx context.Context) (bool, error) {
	_, err := d.storage.Get(ctx, d.key(slotInitialized))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, secrets.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("reading initialized flag: %w", err)
	}
}

// SetInitialized records that the device has been set up.
func (d *Device) SetInitialized(ctx context.Context) error {
	if err := d.storage.Store(ctx, d.key(slotInitialized), []byte{1}); err != nil {
		return fmt.Errorf("storing initialized flag: %w", err)
	}
	return nil
}
