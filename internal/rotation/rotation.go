// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package rotation enables, disables and refreshes SD card protection.
//
// Each operation orders its writes so that the auth key registry and the
// unlock key never disagree about which salt is in use. The auth key is
// only registered after the salt reached the card and the unlock key was
// changed, and medium changes done after that point are best effort.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/chainguard-dev/clog"

	"github.com/carabiner-dev/sdprotect/internal/metrics"
	"github.com/carabiner-dev/sdprotect/internal/prompt"
	"github.com/carabiner-dev/sdprotect/internal/registry"
	"github.com/carabiner-dev/sdprotect/internal/sdcard"
	"github.com/carabiner-dev/sdprotect/internal/store"
	"github.com/carabiner-dev/sdprotect/internal/unlock"
	"github.com/carabiner-dev/sdprotect/salt"
)

const pinPrompt = "Enter PIN"

var (
	ErrNotInitialized = errors.New("device is not initialized")
	ErrAlreadyEnabled = errors.New("SD card protection already enabled")
	ErrNotEnabled     = errors.New("SD card protection not enabled")
	ErrPinInvalid     = errors.New("PIN invalid")
)

// InitState reports whether the device was set up.
type InitState interface {
	Initialized(ctx context.Context) (bool, error)
}

// Controller runs SD protection operations for one session.
type Controller struct {
	state    InitState
	registry *registry.Registry
	store    *store.Store
	guard    *sdcard.Guard
	changer  unlock.Changer
	rand     io.Reader
}

// Option configures a Controller.
type Option func(*Controller)

// WithRand sets the entropy source for new salts and auth keys.
func WithRand(r io.Reader) Option {
	return func(c *Controller) {
		c.rand = r
	}
}

// New returns a controller. The guard must wrap st and reg.
func New(state InitState, reg *registry.Registry, st *store.Store, guard *sdcard.Guard, changer unlock.Changer, opts ...Option) *Controller {
	c := &Controller{
		state:    state,
		registry: reg,
		store:    st,
		guard:    guard,
		changer:  changer,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run executes op and returns its success message.
func (c *Controller) Run(ctx context.Context, op Operation) (string, error) {
	msg, err := c.run(ctx, op)
	metrics.RecordRotation(op.String(), err)
	if err != nil {
		clog.FromContext(ctx).Infof("sd protect %s failed: %v", op, err)
		return "", err
	}
	clog.FromContext(ctx).Infof("sd protect %s done", op)
	return msg, nil
}

func (c *Controller) run(ctx context.Context, op Operation) (string, error) {
	ok, err := c.state.Initialized(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotInitialized
	}
	return op.run(ctx, c)
}

func (c *Controller) enable(ctx context.Context) (string, error) {
	if err := c.requireEnabled(ctx, false); err != nil {
		return "", err
	}
	if err := c.confirm(ctx, Enable{}); err != nil {
		return "", err
	}

	pin, err := c.guard.RequestPin(ctx, pinPrompt)
	if err != nil {
		return "", err
	}

	m, err := salt.Generate(c.rand)
	if err != nil {
		return "", err
	}
	defer m.Wipe()

	if err := c.guard.SetSalt(ctx, m.Salt, m.Tag, false); err != nil {
		return "", err
	}

	ok, err := c.changer.ChangeUnlockKey(ctx, pin, pin, nil, m.Salt)
	if err != nil || !ok {
		// Nothing was registered, the written record is unreachable.
		if cerr := c.cleanup(ctx, Enable{}, c.store.RemoveSalt); cerr != nil {
			return "", cerr
		}
		if err != nil {
			return "", fmt.Errorf("changing unlock key: %w", err)
		}
		return "", c.pinInvalid(ctx)
	}

	if err := c.registry.SetAuthKey(ctx, m.AuthKey); err != nil {
		return "", err
	}

	return c.success(ctx, "enabled", "SD card protection enabled")
}

func (c *Controller) disable(ctx context.Context) (string, error) {
	if err := c.requireEnabled(ctx, true); err != nil {
		return "", err
	}
	if err := c.confirm(ctx, Disable{}); err != nil {
		return "", err
	}

	pin, current, err := c.guard.RequestPinAndSalt(ctx, pinPrompt)
	if err != nil {
		return "", err
	}
	defer salt.Zero(current)

	ok, err := c.changer.ChangeUnlockKey(ctx, pin, pin, current, nil)
	if err != nil {
		return "", fmt.Errorf("changing unlock key: %w", err)
	}
	if !ok {
		return "", c.pinInvalid(ctx)
	}

	if err := c.registry.SetAuthKey(ctx, nil); err != nil {
		return "", err
	}

	// Protection is off in the registry, a leftover record is never read.
	if err := c.cleanup(ctx, Disable{}, c.store.RemoveSalt); err != nil {
		return "", err
	}

	return c.success(ctx, "disabled", "SD card protection disabled")
}

func (c *Controller) refresh(ctx context.Context) (string, error) {
	if err := c.requireEnabled(ctx, true); err != nil {
		return "", err
	}
	if err := c.confirm(ctx, Refresh{}); err != nil {
		return "", err
	}

	pin, old, err := c.guard.RequestPinAndSalt(ctx, pinPrompt)
	if err != nil {
		return "", err
	}
	defer salt.Zero(old)

	m, err := salt.Generate(c.rand)
	if err != nil {
		return "", err
	}
	defer m.Wipe()

	if err := c.guard.SetSalt(ctx, m.Salt, m.Tag, true); err != nil {
		return "", err
	}

	ok, err := c.changer.ChangeUnlockKey(ctx, pin, pin, old, m.Salt)
	if err != nil {
		return "", fmt.Errorf("changing unlock key: %w", err)
	}
	if !ok {
		// The staging record does not authenticate with the registered
		// key and is left in place.
		return "", c.pinInvalid(ctx)
	}

	if err := c.registry.SetAuthKey(ctx, m.AuthKey); err != nil {
		return "", err
	}

	// An uncommitted staging record is recovered by the next load.
	if err := c.cleanup(ctx, Refresh{}, c.store.CommitSalt); err != nil {
		return "", err
	}

	return c.success(ctx, "refreshed", "SD card protection refreshed")
}

func (c *Controller) requireEnabled(ctx context.Context, want bool) error {
	enabled, err := c.registry.Enabled(ctx)
	if err != nil {
		return err
	}
	switch {
	case enabled && !want:
		return ErrAlreadyEnabled
	case !enabled && want:
		return ErrNotEnabled
	}
	return nil
}

func (c *Controller) confirm(ctx context.Context, op Operation) error {
	ok, err := c.guard.Prompter().Confirm(ctx, op.confirmation())
	if err != nil {
		return fmt.Errorf("confirming %s: %w", op, err)
	}
	if !ok {
		return prompt.ErrCancelled
	}
	return nil
}

// cleanup runs a best-effort card operation. Salt store failures are
// logged and dropped, any other error is returned.
func (c *Controller) cleanup(ctx context.Context, op Operation, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}

	var serr *store.Error
	if !errors.As(err, &serr) {
		return err
	}
	clog.FromContext(ctx).Warnf("sd protect %s: card cleanup failed: %v", op, err)
	metrics.CleanupFailuresTotal.WithLabelValues(op.String()).Inc()
	return nil
}

func (c *Controller) pinInvalid(ctx context.Context) error {
	if err := c.guard.Prompter().Notify(ctx, pinInvalidDialog()); err != nil {
		clog.FromContext(ctx).Warnf("showing pin invalid notice: %v", err)
	}
	return ErrPinInvalid
}

func (c *Controller) success(ctx context.Context, verb, msg string) (string, error) {
	if err := c.guard.Prompter().Notify(ctx, successDialog(verb)); err != nil {
		clog.FromContext(ctx).Warnf("showing success notice: %v", err)
	}
	return msg, nil
}
