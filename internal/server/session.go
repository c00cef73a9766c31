// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/carabiner-dev/sdprotect/internal/common"
	"github.com/carabiner-dev/sdprotect/internal/prompt"
	"github.com/carabiner-dev/sdprotect/internal/rotation"
	"github.com/carabiner-dev/sdprotect/internal/sdcard"
	"github.com/carabiner-dev/sdprotect/internal/store"
	"github.com/carabiner-dev/sdprotect/internal/unlock"
	"github.com/carabiner-dev/sdprotect/salt"
)

const pinPrompt = "Enter PIN"

var (
	errAlreadyInitialized = errors.New("device is already initialized")
	errUnexpectedMessage  = errors.New("unexpected message")
)

// Session implements the Session RPC. Only one session runs at a time, a
// second one is answered with a busy failure.
func (s *Server) Session(stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error {
	ctx := stream.Context()
	log := clog.FromContext(ctx)
	s.updateActivity()

	if err := s.checkPeer(ctx); err != nil {
		log.Warnf("rejecting session: %v", err)
		return status.Error(codes.PermissionDenied, err.Error())
	}

	p := newStreamPrompter(stream)
	first, err := p.recv()
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	if !s.session.TryLock() {
		return p.fail(common.CodeBusy, "device busy")
	}
	defer s.session.Unlock()
	defer s.updateActivity()

	log.Debugf("session %s started", first.Type)
	msg, err := s.dispatch(ctx, first, p)
	if err != nil {
		code := failureFor(err)
		log.Infof("session %s failed (%s): %v", first.Type, code, err)
		return p.fail(code, err.Error())
	}
	return p.send(&common.Message{Type: common.TypeSuccess, Message: msg})
}

func (s *Server) dispatch(ctx context.Context, first *common.Message, p prompt.Prompter) (string, error) {
	guard := sdcard.New(s.medium, s.store, s.registry, s.keystore, p)

	switch first.Type {
	case common.TypeInitialize:
		return s.initialize(ctx, first.Pin)
	case common.TypeUnlock:
		return s.unlock(ctx, guard)
	case common.TypeSdProtect:
		op, err := rotation.ParseOperation(first.Operation)
		if err != nil {
			return "", err
		}
		return rotation.New(s.device, s.registry, s.store, guard, s.keystore, rotation.WithRand(s.rand)).Run(ctx, op)
	default:
		return "", fmt.Errorf("%w: session cannot start with %q", errUnexpectedMessage, first.Type)
	}
}

// initialize provisions the unlock key of a fresh device.
func (s *Server) initialize(ctx context.Context, pin string) (string, error) {
	ok, err := s.device.Initialized(ctx)
	if err != nil {
		return "", err
	}
	if ok {
		return "", errAlreadyInitialized
	}

	if err := s.keystore.Provision(ctx, pin); err != nil {
		return "", fmt.Errorf("provisioning unlock key: %w", err)
	}
	if err := s.device.SetInitialized(ctx); err != nil {
		return "", err
	}
	clog.FromContext(ctx).Infof("device initialized")
	return "Device initialized", nil
}

// unlock checks the PIN together with the salt on the card.
func (s *Server) unlock(ctx context.Context, guard *sdcard.Guard) (string, error) {
	ok, err := s.device.Initialized(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", rotation.ErrNotInitialized
	}

	pin, sdSalt, err := guard.RequestPinAndSalt(ctx, pinPrompt)
	if err != nil {
		return "", err
	}
	defer salt.Zero(sdSalt)

	ok, err = s.keystore.Unlock(ctx, pin, sdSalt)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", rotation.ErrPinInvalid
	}
	return "Device unlocked", nil
}

// failureFor maps a session error to its wire failure code.
func failureFor(err error) string {
	var serr *store.Error
	switch {
	case errors.Is(err, prompt.ErrCancelled):
		return common.CodeCancelled
	case errors.Is(err, rotation.ErrNotInitialized):
		return common.CodeNotInitialized
	case errors.Is(err, errAlreadyInitialized):
		return common.CodeAlreadyInitialized
	case errors.Is(err, rotation.ErrAlreadyEnabled):
		return common.CodeAlreadyEnabled
	case errors.Is(err, rotation.ErrNotEnabled):
		return common.CodeNotEnabled
	case errors.Is(err, rotation.ErrPinInvalid):
		return common.CodePinInvalid
	case errors.Is(err, unlock.ErrLocked):
		return common.CodePinLocked
	case errors.Is(err, errUnexpectedMessage):
		return common.CodeUnexpectedMessage
	case errors.As(err, &serr):
		return common.CodeCardError
	default:
		return common.CodeProcessError
	}
}
