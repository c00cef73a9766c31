// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package medium models the removable card that holds the SD salt. A card
// has to be powered on before its filesystem can be mounted, and callers
// are expected to unmount and power it off again when they are done.
package medium

import (
	"context"
	"errors"

	"github.com/spf13/afero"
)

var (
	// ErrAbsent is returned by PowerOn when there is no card to power.
	ErrAbsent = errors.New("medium: card not present")

	// ErrNotPowered is returned when mounting a card that is not powered on.
	ErrNotPowered = errors.New("medium: card not powered")
)

// Medium is a removable card.
type Medium interface {
	// PowerOn powers the card. It returns ErrAbsent when no card is inserted.
	PowerOn(context.Context) error

	// PowerOff cuts power to the card. Powering off an unpowered card is a no-op.
	PowerOff(context.Context) error

	// Mount mounts the card filesystem and returns it. The card must be powered.
	Mount(context.Context) (afero.Fs, error)

	// Unmount flushes and unmounts the card filesystem.
	Unmount(context.Context) error

	// HotSwappable reports whether the card can be exchanged without
	// power cycling the device.
	HotSwappable() bool
}
