// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"bytes"
	"context"
	"sync"

	"github.com/carabiner-dev/sdprotect/secrets"
)

var _ secrets.Storage = &MemoryStorage{}

// MemoryStorage is an in-memory implementation of the secrets.Storage
// interface. Values do not survive the process, it is meant for tests and
// throwaway demo devices.
type MemoryStorage struct {
	data map[secrets.Key][]byte
	mu   sync.RWMutex
}

// NewMemoryStorage creates a new in-memory storage backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data: make(map[secrets.Key][]byte),
	}
}

// Store keeps a copy of value.
func (m *MemoryStorage) Store(_ context.Context, key secrets.Key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = bytes.Clone(value)
	return nil
}

// Get returns a copy of the value stored under key.
func (m *MemoryStorage) Get(_ context.Context, key secrets.Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return nil, secrets.ErrNotFound
	}

	return bytes.Clone(value), nil
}

// Delete removes the value under key.
func (m *MemoryStorage) Delete(_ context.Context, key secrets.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}
