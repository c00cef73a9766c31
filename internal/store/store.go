// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package store implements the salt record storage on the removable card.
//
// Each device owns one directory on the card holding the committed salt
// record and, while a refresh is in flight, a staging record next to it.
// Both files are exactly salt || tag. A staging record is only made
// authoritative by renaming it onto the committed path, either when the
// refresh is finalized or when LoadSalt finds the committed record stale.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/afero"

	"github.com/carabiner-dev/sdprotect/internal/medium"
	"github.com/carabiner-dev/sdprotect/internal/metrics"
	"github.com/carabiner-dev/sdprotect/salt"
)

const (
	// DefaultRoot is the directory on the card that holds all device directories.
	DefaultRoot = "/sdprotect"

	saltFile      = "salt"
	stagingSuffix = ".new"

	dirPerms  = 0o700
	filePerms = 0o600
)

var errInvalidRecord = errors.New("invalid salt record length")

// Config selects where on the card the records of a device live.
type Config struct {
	// Root is the top level directory on the card. Defaults to DefaultRoot.
	Root string

	// DeviceID is the identity of the device, used to name its directory.
	DeviceID string
}

// Store reads and writes the salt records of one device.
type Store struct {
	medium   medium.Medium
	root     string
	deviceID string
}

// New returns a store for the device in cfg on card m.
func New(m medium.Medium, cfg Config) (*Store, error) {
	if m == nil {
		return nil, fmt.Errorf("salt store needs a medium")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("salt store needs a device identity")
	}
	root := cfg.Root
	if root == "" {
		root = DefaultRoot
	}
	return &Store{
		medium:   m,
		root:     path.Clean("/" + root),
		deviceID: strings.ToLower(cfg.DeviceID),
	}, nil
}

// DeviceDir is the directory on the card holding this device's records.
func (s *Store) DeviceDir() string {
	return path.Join(s.root, "device_"+s.deviceID)
}

// SaltPath returns the committed record path, or the staging path when
// staged is true.
func (s *Store) SaltPath(staged bool) string {
	p := path.Join(s.DeviceDir(), saltFile)
	if staged {
		p += stagingSuffix
	}
	return p
}

// LoadSalt returns the salt authenticated by authKey. A nil authKey means
// protection is disabled: LoadSalt returns nil without touching the card.
//
// When only the staging record authenticates, a refresh was interrupted
// after the new salt was staged. The staging record is then renamed onto
// the committed path before the salt is returned.
func (s *Store) LoadSalt(ctx context.Context, authKey []byte) ([]byte, error) {
	if authKey == nil {
		return nil, nil
	}

	var result []byte
	err := s.withCard(ctx, ReadFailed, func(cardFs *card) error {
		committed := s.SaltPath(false)
		if v := readRecord(cardFs, committed, authKey); v != nil {
			result = v
			return nil
		}

		staged := s.SaltPath(true)
		v := readRecord(cardFs, staged, authKey)
		if v == nil {
			return newError(CardMismatch, nil)
		}

		clog.FromContext(ctx).Infof("completing interrupted salt refresh in %s", s.DeviceDir())
		cardFs.modified = true
		if err := removeIfExists(cardFs, committed); err != nil {
			salt.Zero(v)
			return newError(WriteFailed, err)
		}
		if err := cardFs.Rename(staged, committed); err != nil {
			salt.Zero(v)
			return newError(WriteFailed, fmt.Errorf("renaming staged salt: %w", err))
		}
		metrics.RecoveriesTotal.Inc()

		result = v
		return nil
	})
	metrics.RecordCardOperation(metrics.OpLoad, err)
	if err != nil {
		salt.Zero(result)
		return nil, err
	}
	return result, nil
}

// WriteSalt writes salt || tag to the committed path, or to the staging
// path when staged is true, creating the device directory as needed.
func (s *Store) WriteSalt(ctx context.Context, saltValue, tag []byte, staged bool) error {
	if len(saltValue) != salt.Len || len(tag) != salt.TagLen {
		return newError(WriteFailed, errInvalidRecord)
	}

	err := s.withCard(ctx, WriteFailed, func(cardFs *card) error {
		if err := cardFs.MkdirAll(s.DeviceDir(), dirPerms); err != nil {
			return fmt.Errorf("creating device directory: %w", err)
		}
		return writeRecord(cardFs, s.SaltPath(staged), saltValue, tag)
	})
	metrics.RecordCardOperation(metrics.OpWrite, err)
	return err
}

// CommitSalt makes the staging record authoritative by replacing the
// committed record with it.
func (s *Store) CommitSalt(ctx context.Context) error {
	err := s.withCard(ctx, WriteFailed, func(cardFs *card) error {
		staged := s.SaltPath(true)
		if _, err := cardFs.Stat(staged); err != nil {
			return fmt.Errorf("checking staged salt: %w", err)
		}

		committed := s.SaltPath(false)
		if err := removeIfExists(cardFs, committed); err != nil {
			return err
		}
		if err := cardFs.Rename(staged, committed); err != nil {
			return fmt.Errorf("renaming staged salt: %w", err)
		}
		return nil
	})
	metrics.RecordCardOperation(metrics.OpCommit, err)
	return err
}

// RemoveSalt deletes the committed record.
func (s *Store) RemoveSalt(ctx context.Context) error {
	err := s.withCard(ctx, WriteFailed, func(cardFs *card) error {
		if err := cardFs.Remove(s.SaltPath(false)); err != nil {
			return fmt.Errorf("removing salt: %w", err)
		}
		return nil
	})
	metrics.RecordCardOperation(metrics.OpRemove, err)
	return err
}

// card is the mounted filesystem handed to a withCard callback.
type card struct {
	afero.Fs

	// modified is set by read operations that changed the card.
	modified bool
}

// withCard powers and mounts the card, runs fn and always unmounts and
// powers the card off again. Errors from fn that are not already an *Error
// are classified with code. A failed unmount after a write, or after fn
// marked the card modified, is a WriteFailed error.
func (s *Store) withCard(ctx context.Context, code Code, fn func(*card) error) (err error) {
	log := clog.FromContext(ctx)

	if perr := s.medium.PowerOn(ctx); perr != nil {
		return newError(code, perr)
	}
	defer func() {
		if perr := s.medium.PowerOff(ctx); perr != nil {
			log.Warnf("powering off card: %v", perr)
		}
	}()

	mounted, merr := s.medium.Mount(ctx)
	if merr != nil {
		return newError(code, fmt.Errorf("mounting card: %w", merr))
	}
	c := &card{Fs: mounted}
	defer func() {
		uerr := s.medium.Unmount(ctx)
		if uerr == nil {
			return
		}
		log.Warnf("unmounting card: %v", uerr)
		// An unflushed write is not durable.
		if err == nil && (code == WriteFailed || c.modified) {
			err = newError(WriteFailed, uerr)
		}
	}()

	if ferr := fn(c); ferr != nil {
		var serr *Error
		if errors.As(ferr, &serr) {
			return serr
		}
		return newError(code, ferr)
	}
	return nil
}

// readRecord returns the salt in the record at p if the record exists and
// its tag verifies with authKey, nil otherwise.
func readRecord(cardFs afero.Fs, p string, authKey []byte) []byte {
	f, err := cardFs.Open(p)
	if err != nil {
		return nil
	}
	defer f.Close() //nolint:errcheck

	record := make([]byte, salt.RecordLen)
	if _, err := io.ReadFull(f, record); err != nil {
		return nil
	}

	value, tag := record[:salt.Len], record[salt.Len:]
	if !salt.VerifyTag(value, authKey, tag) {
		salt.Zero(record)
		return nil
	}
	return value
}

func writeRecord(cardFs afero.Fs, p string, saltValue, tag []byte) error {
	f, err := cardFs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerms)
	if err != nil {
		return fmt.Errorf("opening %s: %w", p, err)
	}

	record := make([]byte, 0, salt.RecordLen)
	record = append(record, saltValue...)
	record = append(record, tag...)
	defer salt.Zero(record)

	if _, err := f.Write(record); err != nil {
		f.Close() //nolint:errcheck,gosec
		return fmt.Errorf("writing %s: %w", p, err)
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck,gosec
		return fmt.Errorf("syncing %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", p, err)
	}
	return nil
}

func removeIfExists(cardFs afero.Fs, p string) error {
	if err := cardFs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", p, err)
	}
	return nil
}
