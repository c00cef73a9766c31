// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package medium

import (
	"context"
	"sync"

	"github.com/spf13/afero"
)

var _ Medium = &Memory{}

// Memory is a card whose filesystem lives in memory. It tracks the power
// and mount state so tests can check that every access is bracketed.
type Memory struct {
	mu           sync.Mutex
	fs           afero.Fs
	present      bool
	hotSwappable bool
	powered      bool
	mounted      bool
	mountErr     error
	unmountErr   error
	powerOns     int
}

// NewMemory returns an inserted card backed by fs. A nil fs gets a fresh
// in-memory filesystem.
func NewMemory(fs afero.Fs) *Memory {
	if fs == nil {
		fs = afero.NewMemMapFs()
	}
	return &Memory{
		fs:           fs,
		present:      true,
		hotSwappable: true,
	}
}

// PowerOn powers the card if it is inserted.
func (m *Memory) PowerOn(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.present {
		return ErrAbsent
	}
	m.powered = true
	m.powerOns++
	return nil
}

// PowerOff cuts the power.
func (m *Memory) PowerOff(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.powered = false
	return nil
}

// Mount returns the card filesystem.
func (m *Memory) Mount(context.Context) (afero.Fs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.powered {
		return nil, ErrNotPowered
	}
	if m.mountErr != nil {
		return nil, m.mountErr
	}
	m.mounted = true
	return m.fs, nil
}

// Unmount marks the filesystem unmounted.
func (m *Memory) Unmount(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mounted = false
	return m.unmountErr
}

// HotSwappable reports the hot-swap capability, true unless changed.
func (m *Memory) HotSwappable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hotSwappable
}

// SetHotSwappable changes the hot-swap capability.
func (m *Memory) SetHotSwappable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hotSwappable = v
}

// SetPresent inserts or removes the card.
func (m *Memory) SetPresent(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present = v
}

// SetMountError makes subsequent mounts fail with err. nil clears it.
func (m *Memory) SetMountError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mountErr = err
}

// SetUnmountError makes subsequent unmounts report err, as a failed flush
// would. The card is still unmounted. nil clears it.
func (m *Memory) SetUnmountError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmountErr = err
}

// Swap replaces the card filesystem, as if a different card was inserted.
func (m *Memory) Swap(fs afero.Fs) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fs = fs
}

// Fs returns the card filesystem without going through the power bracket.
func (m *Memory) Fs() afero.Fs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fs
}

// Powered reports whether the card is currently powered.
func (m *Memory) Powered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.powered
}

// Mounted reports whether the card is currently mounted.
func (m *Memory) Mounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// PowerOns returns how many times the card was successfully powered on.
func (m *Memory) PowerOns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.powerOns
}
