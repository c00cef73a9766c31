// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package registry keeps the SD salt auth key in the device storage. The
// presence of the auth key is the only record of whether SD protection is
// enabled.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/carabiner-dev/sdprotect/salt"
	"github.com/carabiner-dev/sdprotect/secrets"
)

const (
	// DefaultNamespace is the storage namespace of the SD salt application.
	DefaultNamespace uint8 = 0x0d

	// DefaultKey is the slot of the auth key within the namespace.
	DefaultKey uint8 = 0x00
)

// ErrInvalidAuthKey is returned for auth keys that are not salt.AuthKeyLen long.
var ErrInvalidAuthKey = errors.New("invalid sd salt auth key length")

// Config selects the storage slot of the auth key.
type Config struct {
	Namespace uint8
	Key       uint8
}

// DefaultConfig returns the default auth key slot.
func DefaultConfig() Config {
	return Config{Namespace: DefaultNamespace, Key: DefaultKey}
}

// Registry reads and writes the auth key slot.
type Registry struct {
	storage secrets.Storage
	slot    secrets.Key
}

// New returns a registry over storage using the slot in cfg.
func New(storage secrets.Storage, cfg Config) *Registry {
	return &Registry{
		storage: storage,
		slot:    secrets.Key{Namespace: cfg.Namespace, Slot: cfg.Key},
	}
}

// AuthKey returns the stored auth key, or nil when protection is disabled.
func (r *Registry) AuthKey(ctx context.Context) ([]byte, error) {
	key, err := r.storage.Get(ctx, r.slot)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading auth key: %w", err)
	}
	if len(key) != salt.AuthKeyLen {
		return nil, ErrInvalidAuthKey
	}
	return key, nil
}

// SetAuthKey stores key. A nil key deletes the stored key, disabling protection.
func (r *Registry) SetAuthKey(ctx context.Context, key []byte) error {
	if key == nil {
		if err := r.storage.Delete(ctx, r.slot); err != nil {
			return fmt.Errorf("deleting auth key: %w", err)
		}
		return nil
	}

	if len(key) != salt.AuthKeyLen {
		return ErrInvalidAuthKey
	}
	if err := r.storage.Store(ctx, r.slot, key); err != nil {
		return fmt.Errorf("storing auth key: %w", err)
	}
	return nil
}

// Enabled reports whether SD protection is enabled.
func (r *Registry) Enabled(ctx context.Context) (bool, error) {
	key, err := r.AuthKey(ctx)
	if err != nil {
		return false, err
	}
	return key != nil, nil
}
