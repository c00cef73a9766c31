// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package secrets exposes the public interface for the device's own,
// non-removable secret storage. The device keeps small values there such
// as its identity, the unlock key verifier and the SD salt auth key.
// Values are addressed by an application namespace and a key within it.
package secrets

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("secrets: not found")

// Key addresses one storage slot.
type Key struct {
	Namespace uint8
	Slot      uint8
}

// String renders the key as "nn-ss" in hex.
func (k Key) String() string {
	return fmt.Sprintf("%02x-%02x", k.Namespace, k.Slot)
}

// Storage defines the interface of the device storage drivers.
type Storage interface {
	// Store persists value under key, replacing any previous value.
	Store(context.Context, Key, []byte) error

	// Get retrieves the value under key or ErrNotFound.
	Get(context.Context, Key) ([]byte, error)

	// Delete removes the value under key. Deleting a missing key is not an error.
	Delete(context.Context, Key) error
}
