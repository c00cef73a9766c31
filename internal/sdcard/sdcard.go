// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package sdcard puts the user in the loop around the salt store: missing
// cards, foreign cards and card errors are turned into retry/abort prompts
// until the operation succeeds or the user gives up.
package sdcard

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/carabiner-dev/sdprotect/internal/medium"
	"github.com/carabiner-dev/sdprotect/internal/prompt"
	"github.com/carabiner-dev/sdprotect/internal/registry"
	"github.com/carabiner-dev/sdprotect/internal/store"
)

// ErrCancelled is returned when the user aborts a card prompt.
var ErrCancelled = prompt.ErrCancelled

// PinSource tells whether the device has a PIN and how many attempts are left.
type PinSource interface {
	HasPin(ctx context.Context) (bool, error)
	RetriesRemaining(ctx context.Context) (int, error)
}

// Guard wraps the salt store operations in prompt loops.
type Guard struct {
	medium   medium.Medium
	store    *store.Store
	registry *registry.Registry
	pins     PinSource
	prompter prompt.Prompter
}

// New returns a Guard. The medium must be the one st was built on.
func New(m medium.Medium, st *store.Store, reg *registry.Registry, pins PinSource, p prompt.Prompter) *Guard {
	return &Guard{
		medium:   m,
		store:    st,
		registry: reg,
		pins:     pins,
		prompter: p,
	}
}

// Prompter returns the prompter of the guard.
func (g *Guard) Prompter() prompt.Prompter {
	return g.prompter
}

// EnsureCardPresent returns once the card powers on, prompting the user to
// insert it when it does not. The card is powered off again before
// returning. Devices without hot-swap support only tell the user to unplug
// the device, which cancels the operation.
func (g *Guard) EnsureCardPresent(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := g.medium.PowerOn(ctx)
		if err == nil {
			if perr := g.medium.PowerOff(ctx); perr != nil {
				clog.FromContext(ctx).Warnf("powering off card after probe: %v", perr)
			}
			return nil
		}
		clog.FromContext(ctx).Debugf("card did not power on: %v", err)

		if err := g.ask(ctx, insertCardDialog(g.medium.HotSwappable()), err); err != nil {
			return err
		}
	}
}

// RequestSalt returns the salt on the card, or nil when protection is
// disabled. Card mismatches and card errors are retried through prompts
// until the salt loads or the user aborts.
func (g *Guard) RequestSalt(ctx context.Context) ([]byte, error) {
	authKey, err := g.registry.AuthKey(ctx)
	if err != nil {
		return nil, err
	}
	if authKey == nil {
		return nil, nil
	}

	for {
		if err := g.EnsureCardPresent(ctx); err != nil {
			return nil, err
		}

		v, err := g.store.LoadSalt(ctx, authKey)
		if err == nil {
			return v, nil
		}

		var d prompt.Dialog
		var serr *store.Error
		switch {
		case !errors.As(err, &serr):
			return nil, err
		case store.IsMediumAbsent(err):
			// Pulled after the probe, prompt for it again.
			continue
		case serr.Code == store.CardMismatch:
			d = wrongCardDialog(g.medium.HotSwappable())
		case serr.Code == store.ReadFailed:
			d = cardErrorDialog(readErrorLines...)
		case serr.Code == store.WriteFailed:
			d = cardErrorDialog(writeErrorLines...)
		}

		clog.FromContext(ctx).Infof("loading salt: %v", err)
		if err := g.ask(ctx, d, err); err != nil {
			return nil, err
		}
	}
}

// SetSalt writes salt and tag to the card, retrying write failures through
// prompts until the write succeeds or the user aborts.
func (g *Guard) SetSalt(ctx context.Context, saltValue, tag []byte, staged bool) error {
	for {
		if err := g.EnsureCardPresent(ctx); err != nil {
			return err
		}

		err := g.store.WriteSalt(ctx, saltValue, tag, staged)
		if err == nil {
			return nil
		}

		var serr *store.Error
		if !errors.As(err, &serr) {
			return err
		}
		if store.IsMediumAbsent(err) {
			continue
		}

		clog.FromContext(ctx).Infof("writing salt: %v", err)
		if err := g.ask(ctx, cardErrorDialog(writeErrorLines...), err); err != nil {
			return err
		}
	}
}

// RequestPin returns the PIN, or the empty PIN on devices without one.
func (g *Guard) RequestPin(ctx context.Context, text string) (string, error) {
	hasPin, err := g.pins.HasPin(ctx)
	if err != nil {
		return "", err
	}
	if !hasPin {
		return "", nil
	}

	retries, err := g.pins.RetriesRemaining(ctx)
	if err != nil {
		return "", err
	}
	pin, err := g.prompter.RequestPin(ctx, text, retries)
	if err != nil {
		return "", fmt.Errorf("requesting pin: %w", err)
	}
	return pin, nil
}

// RequestPinAndSalt loads the salt first, then asks for the PIN.
func (g *Guard) RequestPinAndSalt(ctx context.Context, text string) (string, []byte, error) {
	v, err := g.RequestSalt(ctx)
	if err != nil {
		return "", nil, err
	}
	pin, err := g.RequestPin(ctx, text)
	if err != nil {
		return "", nil, err
	}
	return pin, v, nil
}

// ask shows d and returns nil if the user chose to retry. Dialogs without
// a confirm button can only be closed.
func (g *Guard) ask(ctx context.Context, d prompt.Dialog, cause error) error {
	dec, err := g.prompter.Ask(ctx, d)
	if err != nil {
		return fmt.Errorf("prompting user: %w", err)
	}
	if d.Confirm == "" || dec == prompt.Abort {
		return fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	return nil
}
