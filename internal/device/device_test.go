// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	isecrets "github.com/carabiner-dev/sdprotect/internal/secrets"
)

func TestIdentityIsStable(t *testing.T) {
	ctx := context.Background()
	storage := isecrets.NewMemoryStorage()
	d := New(storage, DefaultNamespace)

	id, err := d.Identity(ctx)
	require.NoError(t, err)
	require.Len(t, id, 32)
	require.Equal(t, strings.ToUpper(id), id)

	again, err := New(storage, DefaultNamespace).Identity(ctx)
	require.NoError(t, err)
	require.Equal(t, id, again)

	other, err := New(isecrets.NewMemoryStorage(), DefaultNamespace).Identity(ctx)
	require.NoError(t, err)
	require.NotEqual(t, id, other)
}

func TestInitialized(t *testing.T) {
	ctx := context.Background()
	d := New(isecrets.NewMemoryStorage(), DefaultNamespace)

	ok, err := d.Initialized(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, d.SetInitialized(ctx))
	ok, err = d.Initialized(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}
