// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package medium

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/afero"
)

var _ Medium = &Dir{}

// Dir is a card exposed as a host directory, typically the mount point of
// a real SD card reader. The card counts as inserted while the directory
// exists.
type Dir struct {
	path         string
	hotSwappable bool

	mu      sync.Mutex
	powered bool
	mounted bool
}

// NewDir returns a card rooted at path.
func NewDir(path string, hotSwappable bool) *Dir {
	return &Dir{
		path:         path,
		hotSwappable: hotSwappable,
	}
}

// PowerOn checks the card directory is there and marks the card powered.
func (d *Dir) PowerOn(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	info, err := os.Stat(d.path)
	if err != nil || !info.IsDir() {
		clog.FromContext(ctx).Debugf("card directory %s not available: %v", d.path, err)
		return ErrAbsent
	}

	d.powered = true
	return nil
}

// PowerOff marks the card unpowered.
func (d *Dir) PowerOff(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.powered = false
	return nil
}

// Mount returns a filesystem jailed to the card directory.
func (d *Dir) Mount(context.Context) (afero.Fs, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.powered {
		return nil, ErrNotPowered
	}

	d.mounted = true
	return afero.NewBasePathFs(afero.NewOsFs(), d.path), nil
}

// Unmount flushes the card filesystem to stable storage.
func (d *Dir) Unmount(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.mounted {
		return nil
	}
	d.mounted = false

	if err := syncDir(d.path); err != nil {
		return fmt.Errorf("flushing card filesystem: %w", err)
	}
	return nil
}

// HotSwappable reports the configured hot-swap capability.
func (d *Dir) HotSwappable() bool {
	return d.hotSwappable
}
