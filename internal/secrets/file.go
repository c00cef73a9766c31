// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/carabiner-dev/sdprotect/secrets"
)

const (
	fileDirPerms  = 0o700
	fileFilePerms = 0o600
)

var _ secrets.Storage = &FileStorage{}

// FileStorage keeps each value in its own file under a state directory,
// laid out as <dir>/<namespace>/<slot>. Values are replaced atomically by
// writing a temporary file and renaming it into place.
type FileStorage struct {
	fs  afero.Fs
	dir string
	mu  sync.RWMutex
}

// NewFileStorage creates the state directory if needed and returns the driver.
func NewFileStorage(fsys afero.Fs, dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("file storage: state directory cannot be empty")
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if err := fsys.MkdirAll(dir, fileDirPerms); err != nil {
		return nil, fmt.Errorf("file storage: creating state directory: %w", err)
	}
	return &FileStorage{fs: fsys, dir: dir}, nil
}

// Store writes value under key.
func (f *FileStorage) Store(_ context.Context, key secrets.Key, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.keyPath(key)
	dir := filepath.Dir(p)
	if err := f.fs.MkdirAll(dir, fileDirPerms); err != nil {
		return fmt.Errorf("file storage: creating directory for %s: %w", key, err)
	}

	tmpFile, err := afero.TempFile(f.fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("file storage: creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(value); err != nil {
		tmpFile.Close()      //nolint:errcheck,gosec
		f.fs.Remove(tmpPath) //nolint:errcheck,gosec
		return fmt.Errorf("file storage: writing %s: %w", key, err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()      //nolint:errcheck,gosec
		f.fs.Remove(tmpPath) //nolint:errcheck,gosec
		return fmt.Errorf("file storage: syncing %s: %w", key, err)
	}

	if err := tmpFile.Close(); err != nil {
		f.fs.Remove(tmpPath) //nolint:errcheck,gosec
		return fmt.Errorf("file storage: closing temp file: %w", err)
	}

	if err := f.fs.Chmod(tmpPath, fileFilePerms); err != nil {
		f.fs.Remove(tmpPath) //nolint:errcheck,gosec
		return fmt.Errorf("file storage: setting permissions: %w", err)
	}

	if err := f.fs.Rename(tmpPath, p); err != nil {
		f.fs.Remove(tmpPath) //nolint:errcheck,gosec
		return fmt.Errorf("file storage: renaming %s into place: %w", key, err)
	}

	return nil
}

// Get reads the value under key.
func (f *FileStorage) Get(_ context.Context, key secrets.Key) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := afero.ReadFile(f.fs, f.keyPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, secrets.ErrNotFound
		}
		return nil, fmt.Errorf("file storage: reading %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the file holding key.
func (f *FileStorage) Delete(_ context.Context, key secrets.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.fs.Remove(f.keyPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file storage: deleting %s: %w", key, err)
	}
	return nil
}

func (f *FileStorage) keyPath(key secrets.Key) string {
	return filepath.Join(f.dir, fmt.Sprintf("%02x", key.Namespace), fmt.Sprintf("%02x", key.Slot))
}
