// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	isecrets "github.com/carabiner-dev/sdprotect/internal/secrets"
	"github.com/carabiner-dev/sdprotect/secrets"
)

type brokenStorage struct{ isecrets.MemoryStorage }

func (*brokenStorage) Get(context.Context, secrets.Key) ([]byte, error) {
	return nil, errors.New("flash read error")
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	r := New(isecrets.NewMemoryStorage(), DefaultConfig())

	key, err := r.AuthKey(ctx)
	require.NoError(t, err)
	require.Nil(t, key)

	enabled, err := r.Enabled(ctx)
	require.NoError(t, err)
	require.False(t, enabled)

	want := bytes.Repeat([]byte{0x42}, 16)
	require.NoError(t, r.SetAuthKey(ctx, want))

	key, err = r.AuthKey(ctx)
	require.NoError(t, err)
	require.Equal(t, want, key)

	enabled, err = r.Enabled(ctx)
	require.NoError(t, err)
	require.True(t, enabled)

	require.NoError(t, r.SetAuthKey(ctx, nil))
	enabled, err = r.Enabled(ctx)
	require.NoError(t, err)
	require.False(t, enabled)

	require.NoError(t, r.SetAuthKey(ctx, nil), "clearing twice")
}

func TestRegistryLengthValidation(t *testing.T) {
	ctx := context.Background()
	storage := isecrets.NewMemoryStorage()
	cfg := Config{Namespace: 0x0d, Key: 0x07}
	r := New(storage, cfg)

	require.ErrorIs(t, r.SetAuthKey(ctx, []byte("short")), ErrInvalidAuthKey)
	require.ErrorIs(t, r.SetAuthKey(ctx, []byte{}), ErrInvalidAuthKey)

	require.NoError(t, storage.Store(ctx, secrets.Key{Namespace: 0x0d, Slot: 0x07}, []byte("corrupt")))
	_, err := r.AuthKey(ctx)
	require.ErrorIs(t, err, ErrInvalidAuthKey)
	_, err = r.Enabled(ctx)
	require.ErrorIs(t, err, ErrInvalidAuthKey)
}

func TestRegistrySlotsAreIndependent(t *testing.T) {
	ctx := context.Background()
	storage := isecrets.NewMemoryStorage()
	a := New(storage, Config{Namespace: 1, Key: 0})
	b := New(storage, Config{Namespace: 2, Key: 0})

	require.NoError(t, a.SetAuthKey(ctx, bytes.Repeat([]byte{1}, 16)))
	enabled, err := b.Enabled(ctx)
	require.NoError(t, err)
	require.False(t, enabled)
}

func TestRegistryStorageError(t *testing.T) {
	r := New(&brokenStorage{}, DefaultConfig())
	_, err := r.Enabled(context.Background())
	require.Error(t, err)
}
