// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/carabiner-dev/sdprotect/internal/common"
	"github.com/carabiner-dev/sdprotect/internal/prompt"
)

var _ prompt.Prompter = &streamPrompter{}

// streamPrompter asks the host over the session stream. Every request is
// answered by exactly one ack, or by a cancel.
type streamPrompter struct {
	stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]
}

func newStreamPrompter(stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) *streamPrompter {
	return &streamPrompter{stream: stream}
}

func (p *streamPrompter) send(m *common.Message) error {
	s, err := m.ToStruct()
	if err != nil {
		return err
	}
	if err := p.stream.Send(s); err != nil {
		return fmt.Errorf("sending %s: %w", m.Type, err)
	}
	return nil
}

// recv reads the next host message. A cancel turns into prompt.ErrCancelled.
func (p *streamPrompter) recv() (*common.Message, error) {
	s, err := p.stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("reading session message: %w", err)
	}
	m, err := common.MessageFromStruct(s)
	if err != nil {
		return nil, err
	}
	if m.Type == common.TypeCancel {
		return nil, prompt.ErrCancelled
	}
	return m, nil
}

func (p *streamPrompter) fail(code, msg string) error {
	return p.send(&common.Message{Type: common.TypeFailure, Code: code, Message: msg})
}

func (p *streamPrompter) exchange(ctx context.Context, req *common.Message, want string) (*common.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.send(req); err != nil {
		return nil, err
	}
	m, err := p.recv()
	if err != nil {
		return nil, err
	}
	if m.Type != want {
		return nil, fmt.Errorf("%w: got %s while waiting for %s", errUnexpectedMessage, m.Type, want)
	}
	return m, nil
}

func (p *streamPrompter) RequestPin(ctx context.Context, text string, retries int) (string, error) {
	m, err := p.exchange(ctx, &common.Message{
		Type:    common.TypePinRequest,
		Prompt:  text,
		Retries: retries,
	}, common.TypePinAck)
	if err != nil {
		return "", err
	}
	return m.Pin, nil
}

func (p *streamPrompter) Confirm(ctx context.Context, d prompt.Dialog) (bool, error) {
	m, err := p.exchange(ctx, &common.Message{Type: common.TypeButtonRequest, Dialog: &d}, common.TypeButtonAck)
	if err != nil {
		return false, err
	}
	return m.Accepted, nil
}

func (p *streamPrompter) Ask(ctx context.Context, d prompt.Dialog) (prompt.Decision, error) {
	ok, err := p.Confirm(ctx, d)
	if err != nil {
		return prompt.Abort, err
	}
	if ok {
		return prompt.Retry, nil
	}
	return prompt.Abort, nil
}

func (p *streamPrompter) Notify(ctx context.Context, d prompt.Dialog) error {
	_, err := p.Confirm(ctx, d)
	return err
}
