// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package unlock implements the PIN based unlock key of the device. The
// unlock key is derived from the PIN concatenated with the SD salt, when
// SD protection is enabled, so the device cannot be unlocked without the
// card.
package unlock

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/chainguard-dev/clog"
	"golang.org/x/crypto/pbkdf2"

	"github.com/carabiner-dev/sdprotect/secrets"
)

const (
	// DefaultNamespace is the storage namespace of the unlock key record.
	DefaultNamespace uint8 = 0x02

	// DefaultIterations is the PBKDF2 iteration count.
	DefaultIterations = 100000

	// DefaultMaxAttempts is the number of wrong PINs before the keystore locks.
	DefaultMaxAttempts = 16

	slotRecord  uint8 = 0x00
	kdfSaltLen        = 16
	verifierLen       = 32
)

var (
	// ErrNotProvisioned is returned before Provision was called.
	ErrNotProvisioned = errors.New("unlock key not provisioned")

	// ErrLocked is returned once all PIN attempts are used up.
	ErrLocked = errors.New("unlock key locked: no PIN attempts left")
)

// Changer changes the material the unlock key is derived from. It returns
// false when oldPin and oldSalt do not unlock the device.
type Changer interface {
	ChangeUnlockKey(ctx context.Context, oldPin, newPin string, oldSalt, newSalt []byte) (bool, error)
}

// Options tune the keystore.
type Options struct {
	Namespace   uint8
	Iterations  int
	MaxAttempts int

	// Rand is the entropy source for KDF salts. Defaults to crypto/rand.
	Rand io.Reader
}

// DefaultOptions returns the default keystore options.
func DefaultOptions() Options {
	return Options{
		Namespace:   DefaultNamespace,
		Iterations:  DefaultIterations,
		MaxAttempts: DefaultMaxAttempts,
	}
}

type record struct {
	HasPin   bool
	KDFSalt  []byte
	Verifier []byte
	Failures int
}

var _ Changer = &Keystore{}

// Keystore keeps a verifier of the unlock key in device storage.
type Keystore struct {
	storage     secrets.Storage
	key         secrets.Key
	iterations  int
	maxAttempts int
	rand        io.Reader

	mu sync.Mutex
}

// NewKeystore returns a keystore over storage.
func NewKeystore(storage secrets.Storage, opts Options) *Keystore {
	if opts.Iterations <= 0 {
		opts.Iterations = DefaultIterations
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Keystore{
		storage:     storage,
		key:         secrets.Key{Namespace: opts.Namespace, Slot: slotRecord},
		iterations:  opts.Iterations,
		maxAttempts: opts.MaxAttempts,
		rand:        opts.Rand,
	}
}

// Provision sets the initial PIN. An empty PIN means the device has no PIN.
func (k *Keystore) Provision(ctx context.Context, pin string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec, err := k.newRecord(pin, nil)
	if err != nil {
		return err
	}
	return k.save(ctx, rec)
}

// HasPin reports whether a non-empty PIN was set.
func (k *Keystore) HasPin(ctx context.Context) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec, err := k.load(ctx)
	if err != nil {
		return false, err
	}
	return rec.HasPin, nil
}

// RetriesRemaining returns how many wrong PINs are left before the
// keystore locks.
func (k *Keystore) RetriesRemaining(ctx context.Context) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec, err := k.load(ctx)
	if err != nil {
		return 0, err
	}
	return max(k.maxAttempts-rec.Failures, 0), nil
}

// Unlock checks pin and sdSalt against the stored verifier.
func (k *Keystore) Unlock(ctx context.Context, pin string, sdSalt []byte) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec, err := k.load(ctx)
	if err != nil {
		return false, err
	}
	return k.check(ctx, rec, pin, sdSalt)
}

// ChangeUnlockKey replaces the unlock material when oldPin and oldSalt
// unlock the device. A nil salt means no SD salt is mixed in.
func (k *Keystore) ChangeUnlockKey(ctx context.Context, oldPin, newPin string, oldSalt, newSalt []byte) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec, err := k.load(ctx)
	if err != nil {
		return false, err
	}

	ok, err := k.check(ctx, rec, oldPin, oldSalt)
	if err != nil || !ok {
		return false, err
	}

	next, err := k.newRecord(newPin, newSalt)
	if err != nil {
		return false, err
	}
	if err := k.save(ctx, next); err != nil {
		return false, err
	}
	clog.FromContext(ctx).Debugf("unlock key material changed")
	return true, nil
}

// check verifies the material and updates the failure counter.
func (k *Keystore) check(ctx context.Context, rec *record, pin string, sdSalt []byte) (bool, error) {
	if rec.Failures >= k.maxAttempts {
		return false, ErrLocked
	}

	candidate := k.derive(pin, sdSalt, rec.KDFSalt)
	if subtle.ConstantTimeCompare(candidate, rec.Verifier) == 1 {
		if rec.Failures > 0 {
			rec.Failures = 0
			if err := k.save(ctx, rec); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	rec.Failures++
	if err := k.save(ctx, rec); err != nil {
		return false, err
	}
	clog.FromContext(ctx).Infof("unlock attempt rejected, %d attempts left", k.maxAttempts-rec.Failures)
	return false, nil
}

func (k *Keystore) derive(pin string, sdSalt, kdfSalt []byte) []byte {
	material := make([]byte, 0, len(pin)+len(sdSalt))
	material = append(material, pin...)
	material = append(material, sdSalt...)
	return pbkdf2.Key(material, kdfSalt, k.iterations, verifierLen, sha256.New)
}

func (k *Keystore) newRecord(pin string, sdSalt []byte) (*record, error) {
	kdfSalt := make([]byte, kdfSaltLen)
	if _, err := io.ReadFull(k.rand, kdfSalt); err != nil {
		return nil, fmt.Errorf("generating kdf salt: %w", err)
	}
	return &record{
		HasPin:   pin != "",
		KDFSalt:  kdfSalt,
		Verifier: k.derive(pin, sdSalt, kdfSalt),
	}, nil
}

func (k *Keystore) load(ctx context.Context) (*record, error) {
	data, err := k.storage.Get(ctx, k.key)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return nil, ErrNotProvisioned
		}
		return nil, fmt.Errorf("reading unlock record: %w", err)
	}

	var rec record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decoding unlock record: %w", err)
	}
	return &rec, nil
}

func (k *Keystore) save(ctx context.Context, rec *record) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("encoding unlock record: %w", err)
	}
	if err := k.storage.Store(ctx, k.key, buf.Bytes()); err != nil {
		return fmt.Errorf("storing unlock record: %w", err)
	}
	return nil
}
