// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package sdprotect

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/carabiner-dev/sdprotect/internal/common"
)

// SD protection operations accepted by SdProtect.
const (
	OperationEnable  = "enable"
	OperationDisable = "disable"
	OperationRefresh = "refresh"
)

// Dialog is a screen the device asks the user to answer. Confirm is empty
// when the dialog can only be closed.
type Dialog struct {
	Kind    string
	Title   string
	Bold    string
	Lines   []string
	Confirm string
	Cancel  string
}

// Responder answers the device on behalf of the user. Returning
// ErrCancelled cancels the request, any other error also aborts the
// session.
type Responder interface {
	// Pin returns the PIN. retries is the number of attempts left.
	Pin(ctx context.Context, prompt string, retries int) (string, error)

	// Button shows d and reports whether the user chose the confirm button.
	Button(ctx context.Context, d *Dialog) (bool, error)
}

// Initialize sets up a fresh device with pin. An empty pin leaves the
// device without a PIN.
func (c *Client) Initialize(ctx context.Context, pin string) (string, error) {
	return c.session(ctx, &common.Message{Type: common.TypeInitialize, Pin: pin}, nil)
}

// Unlock unlocks the device with the PIN and, when protection is enabled,
// the salt on the card.
func (c *Client) Unlock(ctx context.Context, r Responder) (string, error) {
	return c.session(ctx, &common.Message{Type: common.TypeUnlock}, r)
}

// SdProtect runs one of the SD card protection operations and returns the
// device's success message.
func (c *Client) SdProtect(ctx context.Context, operation string, r Responder) (string, error) {
	return c.session(ctx, &common.Message{Type: common.TypeSdProtect, Operation: operation}, r)
}

func (c *Client) session(ctx context.Context, first *common.Message, r Responder) (string, error) {
	if c.client == nil {
		return "", fmt.Errorf("not connected to device")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.client.Session(ctx)
	if err != nil {
		return "", fmt.Errorf("opening session: %w", err)
	}
	defer stream.CloseSend() //nolint:errcheck

	s := &clientSession{stream: stream}
	if err := s.send(first); err != nil {
		return "", err
	}

	for {
		m, err := s.recv()
		if err != nil {
			return "", err
		}

		switch m.Type {
		case common.TypeSuccess:
			return m.Message, nil
		case common.TypeFailure:
			return "", &DeviceError{Code: m.Code, Message: m.Message}
		case common.TypePinRequest, common.TypeButtonRequest:
			if r == nil {
				return "", fmt.Errorf("device sent %s but there is no responder", m.Type)
			}
			if err := s.answer(ctx, m, r); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("%w: %s from device", ErrUnexpectedMessage, m.Type)
		}
	}
}

type clientSession struct {
	stream common.SessionStream
}

func (s *clientSession) send(m *common.Message) error {
	st, err := m.ToStruct()
	if err != nil {
		return err
	}
	if err := s.stream.Send(st); err != nil {
		return fmt.Errorf("sending %s: %w", m.Type, err)
	}
	return nil
}

func (s *clientSession) recv() (*common.Message, error) {
	st, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("device closed the session")
	}
	if err != nil {
		return nil, fmt.Errorf("reading from device: %w", err)
	}
	return common.MessageFromStruct(st)
}

// answer relays a request to r. A cancel is sent when r fails and the
// session continues to read the device's failure when it was a user
// cancellation.
func (s *clientSession) answer(ctx context.Context, m *common.Message, r Responder) error {
	var reply *common.Message
	var err error

	if m.Type == common.TypePinRequest {
		var pin string
		pin, err = r.Pin(ctx, m.Prompt, m.Retries)
		reply = &common.Message{Type: common.TypePinAck, Pin: pin}
	} else {
		var ok bool
		ok, err = r.Button(ctx, dialogFromMessage(m))
		reply = &common.Message{Type: common.TypeButtonAck, Accepted: ok}
	}

	if err != nil {
		if serr := s.send(&common.Message{Type: common.TypeCancel}); serr != nil {
			return serr
		}
		if errors.Is(err, ErrCancelled) {
			return nil
		}
		return err
	}
	return s.send(reply)
}

func dialogFromMessage(m *common.Message) *Dialog {
	if m.Dialog == nil {
		return &Dialog{}
	}
	return &Dialog{
		Kind:    m.Dialog.Kind.String(),
		Title:   m.Dialog.Title,
		Bold:    m.Dialog.Bold,
		Lines:   append([]string(nil), m.Dialog.Lines...),
		Confirm: m.Dialog.Confirm,
		Cancel:  m.Dialog.Cancel,
	}
}
