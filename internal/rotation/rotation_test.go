// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"bytes"
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/carabiner-dev/sdprotect/internal/device"
	"github.com/carabiner-dev/sdprotect/internal/medium"
	"github.com/carabiner-dev/sdprotect/internal/metrics"
	"github.com/carabiner-dev/sdprotect/internal/prompt"
	"github.com/carabiner-dev/sdprotect/internal/prompt/prompttest"
	"github.com/carabiner-dev/sdprotect/internal/registry"
	isecrets "github.com/carabiner-dev/sdprotect/internal/secrets"
	"github.com/carabiner-dev/sdprotect/internal/sdcard"
	"github.com/carabiner-dev/sdprotect/internal/store"
	"github.com/carabiner-dev/sdprotect/internal/unlock"
	"github.com/carabiner-dev/sdprotect/salt"
)

// hookedChanger calls after once the wrapped changer answered, so tests can
// break the card between the unlock key change and the cleanup.
type hookedChanger struct {
	unlock.Changer
	after func()
}

func (h *hookedChanger) ChangeUnlockKey(ctx context.Context, oldPin, newPin string, oldSalt, newSalt []byte) (bool, error) {
	ok, err := h.Changer.ChangeUnlockKey(ctx, oldPin, newPin, oldSalt, newSalt)
	if h.after != nil {
		h.after()
	}
	return ok, err
}

type fixture struct {
	card     *medium.Memory
	device   *device.Device
	registry *registry.Registry
	store    *store.Store
	keystore *unlock.Keystore
	changer  *hookedChanger
	prompter *prompttest.Scripted
	ctrl     *Controller
}

func newFixture(t *testing.T, pin string, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	storage := isecrets.NewMemoryStorage()

	dev := device.New(storage, device.DefaultNamespace)
	id, err := dev.Identity(ctx)
	require.NoError(t, err)
	require.NoError(t, dev.SetInitialized(ctx))

	card := medium.NewMemory(nil)
	st, err := store.New(card, store.Config{DeviceID: id})
	require.NoError(t, err)

	ks := unlock.NewKeystore(storage, unlock.Options{
		Namespace:   unlock.DefaultNamespace,
		Iterations:  10,
		MaxAttempts: 5,
	})
	require.NoError(t, ks.Provision(ctx, pin))

	f := &fixture{
		card:     card,
		device:   dev,
		registry: registry.New(storage, registry.DefaultConfig()),
		store:    st,
		keystore: ks,
		changer:  &hookedChanger{Changer: ks},
		prompter: &prompttest.Scripted{},
	}
	guard := sdcard.New(card, st, f.registry, ks, f.prompter)
	f.ctrl = New(dev, f.registry, st, guard, f.changer, opts...)
	return f
}

func (f *fixture) exists(t *testing.T, staged bool) bool {
	t.Helper()
	ok, err := afero.Exists(f.card.Fs(), f.store.SaltPath(staged))
	require.NoError(t, err)
	return ok
}

func (f *fixture) authKey(t *testing.T) []byte {
	t.Helper()
	k, err := f.registry.AuthKey(context.Background())
	require.NoError(t, err)
	return k
}

// fixedRand returns a reader producing the material for n generations.
func fixedRand(n int) (*bytes.Reader, []*salt.Material) {
	var buf []byte
	var ret []*salt.Material
	for i := range n {
		s := bytes.Repeat([]byte{byte(0x10 + i)}, salt.Len)
		k := bytes.Repeat([]byte{byte(0xa0 + i)}, salt.AuthKeyLen)
		buf = append(buf, s...)
		buf = append(buf, k...)
		ret = append(ret, &salt.Material{Salt: s, AuthKey: k, Tag: salt.ComputeTag(s, k)})
	}
	return bytes.NewReader(buf), ret
}

func TestParseOperation(t *testing.T) {
	for _, op := range []Operation{Enable{}, Disable{}, Refresh{}} {
		parsed, err := ParseOperation(op.String())
		require.NoError(t, err)
		require.Equal(t, op, parsed)
	}
	_, err := ParseOperation("wipe")
	require.Error(t, err)
}

func TestNotInitialized(t *testing.T) {
	ctx := context.Background()
	storage := isecrets.NewMemoryStorage()
	dev := device.New(storage, device.DefaultNamespace)
	card := medium.NewMemory(nil)
	st, err := store.New(card, store.Config{DeviceID: "00"})
	require.NoError(t, err)
	reg := registry.New(storage, registry.DefaultConfig())
	ks := unlock.NewKeystore(storage, unlock.DefaultOptions())
	p := &prompttest.Scripted{}
	ctrl := New(dev, reg, st, sdcard.New(card, st, reg, ks, p), ks)

	for _, op := range []Operation{Enable{}, Disable{}, Refresh{}} {
		_, err := ctrl.Run(ctx, op)
		require.ErrorIs(t, err, ErrNotInitialized, op.String())
	}
	require.Empty(t, p.Shown)
	require.Zero(t, card.PowerOns())
}

func TestEnable(t *testing.T) {
	ctx := context.Background()
	r, mats := fixedRand(1)
	f := newFixture(t, "1234", WithRand(r))
	f.prompter.Confirms = []bool{true}
	f.prompter.Pins = []string{"1234"}

	before := testutil.ToFloat64(metrics.RotationsTotal.WithLabelValues("enable", metrics.StatusSuccess))
	msg, err := f.ctrl.Run(ctx, Enable{})
	require.NoError(t, err)
	require.Equal(t, "SD card protection enabled", msg)
	require.InDelta(t, before+1, testutil.ToFloat64(metrics.RotationsTotal.WithLabelValues("enable", metrics.StatusSuccess)), 0)

	require.Equal(t, mats[0].AuthKey, f.authKey(t))
	require.True(t, f.exists(t, false))
	require.False(t, f.exists(t, true))

	v, err := f.store.LoadSalt(ctx, mats[0].AuthKey)
	require.NoError(t, err)
	require.Equal(t, mats[0].Salt, v)

	ok, err := f.keystore.Unlock(ctx, "1234", nil)
	require.NoError(t, err)
	require.False(t, ok, "salt must be required")
	ok, err = f.keystore.Unlock(ctx, "1234", mats[0].Salt)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, []prompt.Kind{prompt.KindConfirm}, f.prompter.Kinds())
	require.Equal(t, "secure your device with", f.prompter.Shown[0].Lines[1])
	require.Len(t, f.prompter.Notices, 1)
	require.Equal(t, prompt.KindSuccess, f.prompter.Notices[0].Kind)
	require.Equal(t, "enabled SD protection.", f.prompter.Notices[0].Lines[1])
	require.False(t, f.card.Powered())
}

func TestEnableNoPin(t *testing.T) {
	f := newFixture(t, "")
	f.prompter.Confirms = []bool{true}

	_, err := f.ctrl.Run(context.Background(), Enable{})
	require.NoError(t, err)
	require.Empty(t, f.prompter.PinPrompts)
	require.NotNil(t, f.authKey(t))
}

func TestEnableAlreadyEnabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1234")
	f.prompter.Confirms = []bool{true}
	f.prompter.Pins = []string{"1234"}
	_, err := f.ctrl.Run(ctx, Enable{})
	require.NoError(t, err)

	powerOns := f.card.PowerOns()
	shown := len(f.prompter.Shown)
	_, err = f.ctrl.Run(ctx, Enable{})
	require.ErrorIs(t, err, ErrAlreadyEnabled)
	require.Equal(t, powerOns, f.card.PowerOns(), "no medium access")
	require.Len(t, f.prompter.Shown, shown, "no confirmation")
}

func TestEnableDeclined(t *testing.T) {
	f := newFixture(t, "1234")
	f.prompter.Confirms = []bool{false}

	_, err := f.ctrl.Run(context.Background(), Enable{})
	require.ErrorIs(t, err, prompt.ErrCancelled)
	require.Zero(t, f.card.PowerOns())
	require.Empty(t, f.prompter.PinPrompts)
	require.Nil(t, f.authKey(t))
}

func TestEnableWrongPin(t *testing.T) {
	ctx := context.Background()
	r, mats := fixedRand(1)
	f := newFixture(t, "1234", WithRand(r))
	f.prompter.Confirms = []bool{true}
	f.prompter.Pins = []string{"9999"}

	_, err := f.ctrl.Run(ctx, Enable{})
	require.ErrorIs(t, err, ErrPinInvalid)
	require.Nil(t, f.authKey(t))
	require.False(t, f.exists(t, false), "record removed")
	require.Len(t, f.prompter.Notices, 1)
	require.Equal(t, prompt.KindPinInvalid, f.prompter.Notices[0].Kind)

	_, err = f.store.LoadSalt(ctx, mats[0].AuthKey)
	require.ErrorIs(t, err, store.ErrCardMismatch)

	ok, err := f.keystore.Unlock(ctx, "1234", nil)
	require.NoError(t, err)
	require.True(t, ok, "unlock key unchanged")
}

func TestEnableWrongPinCleanupFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1234")
	f.prompter.Confirms = []bool{true}
	f.prompter.Pins = []string{"9999"}
	f.changer.after = func() { f.card.SetPresent(false) }

	before := testutil.ToFloat64(metrics.CleanupFailuresTotal.WithLabelValues("enable"))
	_, err := f.ctrl.Run(ctx, Enable{})
	require.ErrorIs(t, err, ErrPinInvalid)
	require.Nil(t, f.authKey(t))
	require.InDelta(t, before+1, testutil.ToFloat64(metrics.CleanupFailuresTotal.WithLabelValues("enable")), 0)
}

func TestDisable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1234")
	f.prompter.Confirms = []bool{true, true}
	f.prompter.Pins = []string{"1234", "1234"}

	_, err := f.ctrl.Run(ctx, Enable{})
	require.NoError(t, err)

	msg, err := f.ctrl.Run(ctx, Disable{})
	require.NoError(t, err)
	require.Equal(t, "SD card protection disabled", msg)

	enabled, err := f.registry.Enabled(ctx)
	require.NoError(t, err)
	require.False(t, enabled)
	require.False(t, f.exists(t, false))

	ok, err := f.keystore.Unlock(ctx, "1234", nil)
	require.NoError(t, err)
	require.True(t, ok)

	// Requesting the salt no longer touches the card.
	powerOns := f.card.PowerOns()
	guard := sdcard.New(f.card, f.store, f.registry, f.keystore, f.prompter)
	v, err := guard.RequestSalt(ctx)
	require.NoError(t, err)
	require.Nil(t, v)
	require.Equal(t, powerOns, f.card.PowerOns())
}

func TestDisableNotEnabled(t *testing.T) {
	f := newFixture(t, "1234")
	_, err := f.ctrl.Run(context.Background(), Disable{})
	require.ErrorIs(t, err, ErrNotEnabled)
	_, err = f.ctrl.Run(context.Background(), Refresh{})
	require.ErrorIs(t, err, ErrNotEnabled)
	require.Empty(t, f.prompter.Shown)
}

func TestDisableWrongPin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1234")
	f.prompter.Confirms = []bool{true, true}
	f.prompter.Pins = []string{"1234", "0000"}
	_, err := f.ctrl.Run(ctx, Enable{})
	require.NoError(t, err)
	key := f.authKey(t)

	_, err = f.ctrl.Run(ctx, Disable{})
	require.ErrorIs(t, err, ErrPinInvalid)
	require.Equal(t, key, f.authKey(t))
	require.True(t, f.exists(t, false))
}

func TestDisableCleanupFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1234")
	f.prompter.Confirms = []bool{true, true}
	f.prompter.Pins = []string{"1234", "1234"}
	_, err := f.ctrl.Run(ctx, Enable{})
	require.NoError(t, err)

	f.changer.after = func() { f.card.SetPresent(false) }
	_, err = f.ctrl.Run(ctx, Disable{})
	require.NoError(t, err)
	require.Nil(t, f.authKey(t))
	require.True(t, f.exists(t, false), "record left behind")
}

func TestDisableCancelledAtCard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1234")
	f.prompter.Confirms = []bool{true, true}
	f.prompter.Pins = []string{"1234"}
	_, err := f.ctrl.Run(ctx, Enable{})
	require.NoError(t, err)

	f.card.SetPresent(false)
	f.prompter.Decisions = []prompt.Decision{prompt.Abort}
	_, err = f.ctrl.Run(ctx, Disable{})
	require.ErrorIs(t, err, prompt.ErrCancelled)
	require.NotNil(t, f.authKey(t))
}

func TestEnableRefreshScenario(t *testing.T) {
	ctx := context.Background()
	r, mats := fixedRand(2)
	f := newFixture(t, "1234", WithRand(r))
	f.prompter.Confirms = []bool{true, true}
	f.prompter.Pins = []string{"1234", "1234"}

	_, err := f.ctrl.Run(ctx, Enable{})
	require.NoError(t, err)
	require.Equal(t, mats[0].AuthKey, f.authKey(t))

	msg, err := f.ctrl.Run(ctx, Refresh{})
	require.NoError(t, err)
	require.Equal(t, "SD card protection refreshed", msg)

	require.Equal(t, mats[1].AuthKey, f.authKey(t))
	require.False(t, f.exists(t, true))

	record, err := afero.ReadFile(f.card.Fs(), f.store.SaltPath(false))
	require.NoError(t, err)
	require.Equal(t, append(append([]byte{}, mats[1].Salt...), mats[1].Tag...), record)

	ok, err := f.keystore.Unlock(ctx, "1234", mats[1].Salt)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.keystore.Unlock(ctx, "1234", mats[0].Salt)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRefreshWrongPin(t *testing.T) {
	ctx := context.Background()
	r, mats := fixedRand(2)
	f := newFixture(t, "1234", WithRand(r))
	f.prompter.Confirms = []bool{true, true}
	f.prompter.Pins = []string{"1234", "4321"}
	_, err := f.ctrl.Run(ctx, Enable{})
	require.NoError(t, err)

	_, err = f.ctrl.Run(ctx, Refresh{})
	require.ErrorIs(t, err, ErrPinInvalid)
	require.Equal(t, mats[0].AuthKey, f.authKey(t))
	require.True(t, f.exists(t, true), "staging record left in place")

	v, err := f.store.LoadSalt(ctx, mats[0].AuthKey)
	require.NoError(t, err)
	require.Equal(t, mats[0].Salt, v)
	require.True(t, f.exists(t, true), "inert staging record is not recovered")
}

func TestRefreshCommitFails(t *testing.T) {
	ctx := context.Background()
	r, mats := fixedRand(2)
	f := newFixture(t, "1234", WithRand(r))
	f.prompter.Confirms = []bool{true, true}
	f.prompter.Pins = []string{"1234", "1234"}
	_, err := f.ctrl.Run(ctx, Enable{})
	require.NoError(t, err)

	own := f.card.Fs()
	f.changer.after = func() { f.card.Swap(afero.NewReadOnlyFs(own)) }
	_, err = f.ctrl.Run(ctx, Refresh{})
	require.NoError(t, err)
	require.Equal(t, mats[1].AuthKey, f.authKey(t))
	require.True(t, f.exists(t, true))

	// The next load finishes the interrupted refresh.
	f.card.Swap(own)
	v, err := f.store.LoadSalt(ctx, mats[1].AuthKey)
	require.NoError(t, err)
	require.Equal(t, mats[1].Salt, v)
	require.False(t, f.exists(t, true))
	require.True(t, f.exists(t, false))
}

func TestRefreshStagingWriteAborted(t *testing.T) {
	ctx := context.Background()
	r, mats := fixedRand(2)
	f := newFixture(t, "1234", WithRand(r))
	f.prompter.Confirms = []bool{true, true}
	f.prompter.Pins = []string{"1234", "1234"}
	_, err := f.ctrl.Run(ctx, Enable{})
	require.NoError(t, err)

	// Loading works, writing does not.
	own := f.card.Fs()
	f.card.Swap(afero.NewReadOnlyFs(own))
	f.prompter.Decisions = []prompt.Decision{prompt.Abort}

	_, err = f.ctrl.Run(ctx, Refresh{})
	require.ErrorIs(t, err, prompt.ErrCancelled)
	require.ErrorIs(t, err, store.ErrWriteFailed)
	require.Equal(t, mats[0].AuthKey, f.authKey(t))

	ok, err := f.keystore.Unlock(ctx, "1234", mats[0].Salt)
	require.NoError(t, err)
	require.True(t, ok)
}
