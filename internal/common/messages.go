// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package common

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/carabiner-dev/sdprotect/internal/prompt"
)

// Session message types
const (
	TypeInitialize    = "initialize"
	TypeUnlock        = "unlock"
	TypeSdProtect     = "sd_protect"
	TypePinRequest    = "pin_request"
	TypePinAck        = "pin_ack"
	TypeButtonRequest = "button_request"
	TypeButtonAck     = "button_ack"
	TypeCancel        = "cancel"
	TypeSuccess       = "success"
	TypeFailure       = "failure"
)

// Failure codes
const (
	CodeNotInitialized     = "not_initialized"
	CodeAlreadyInitialized = "already_initialized"
	CodeAlreadyEnabled     = "already_enabled"
	CodeNotEnabled         = "not_enabled"
	CodePinInvalid         = "pin_invalid"
	CodePinLocked          = "pin_locked"
	CodeCancelled          = "cancelled"
	CodeCardError          = "card_error"
	CodeBusy               = "busy"
	CodeUnexpectedMessage  = "unexpected_message"
	CodeProcessError       = "process_error"
)

// Message is one session message. Only the fields of its type are set.
type Message struct {
	Type string

	// sd_protect
	Operation string

	// initialize, pin_ack
	Pin string

	// pin_request
	Prompt  string
	Retries int

	// button_request
	Dialog *prompt.Dialog

	// button_ack
	Accepted bool

	// success, failure
	Message string
	Code    string
}

// ToStruct encodes the message for the wire.
func (m *Message) ToStruct() (*structpb.Struct, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}
	fields := map[string]any{"type": m.Type}
	setString(fields, "operation", m.Operation)
	setString(fields, "pin", m.Pin)
	setString(fields, "prompt", m.Prompt)
	setString(fields, "message", m.Message)
	setString(fields, "code", m.Code)
	if m.Type == TypePinRequest {
		fields["retries"] = m.Retries
	}
	if m.Type == TypeButtonAck {
		fields["accepted"] = m.Accepted
	}
	if m.Dialog != nil {
		lines := make([]any, 0, len(m.Dialog.Lines))
		for _, l := range m.Dialog.Lines {
			lines = append(lines, l)
		}
		fields["kind"] = m.Dialog.Kind.String()
		fields["lines"] = lines
		setString(fields, "title", m.Dialog.Title)
		setString(fields, "bold", m.Dialog.Bold)
		setString(fields, "confirm", m.Dialog.Confirm)
		setString(fields, "cancel", m.Dialog.Cancel)
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Type, err)
	}
	return s, nil
}

// MessageFromStruct decodes a wire message.
func MessageFromStruct(s *structpb.Struct) (*Message, error) {
	if s == nil {
		return nil, fmt.Errorf("empty message")
	}
	f := s.GetFields()
	m := &Message{
		Type:      f["type"].GetStringValue(),
		Operation: f["operation"].GetStringValue(),
		Pin:       f["pin"].GetStringValue(),
		Prompt:    f["prompt"].GetStringValue(),
		Retries:   int(f["retries"].GetNumberValue()),
		Accepted:  f["accepted"].GetBoolValue(),
		Message:   f["message"].GetStringValue(),
		Code:      f["code"].GetStringValue(),
	}
	if m.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}

	if m.Type == TypeButtonRequest {
		kind, ok := prompt.ParseKind(f["kind"].GetStringValue())
		if !ok {
			return nil, fmt.Errorf("unknown dialog kind %q", f["kind"].GetStringValue())
		}
		d := &prompt.Dialog{
			Kind:    kind,
			Title:   f["title"].GetStringValue(),
			Bold:    f["bold"].GetStringValue(),
			Confirm: f["confirm"].GetStringValue(),
			Cancel:  f["cancel"].GetStringValue(),
		}
		for _, v := range f["lines"].GetListValue().GetValues() {
			d.Lines = append(d.Lines, v.GetStringValue())
		}
		m.Dialog = d
	}
	return m, nil
}

func setString(fields map[string]any, key, value string) {
	if value != "" {
		fields[key] = value
	}
}

// Status is the device state reported by the Status call.
type Status struct {
	DeviceID     string
	Initialized  bool
	Enabled      bool
	HasPin       bool
	CardPresent  bool
	HotSwappable bool
}

// ToStruct encodes the status for the wire.
func (s *Status) ToStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"device_id":     s.DeviceID,
		"initialized":   s.Initialized,
		"enabled":       s.Enabled,
		"has_pin":       s.HasPin,
		"card_present":  s.CardPresent,
		"hot_swappable": s.HotSwappable,
	})
}

// StatusFromStruct decodes a wire status.
func StatusFromStruct(s *structpb.Struct) *Status {
	f := s.GetFields()
	return &Status{
		DeviceID:     f["device_id"].GetStringValue(),
		Initialized:  f["initialized"].GetBoolValue(),
		Enabled:      f["enabled"].GetBoolValue(),
		HasPin:       f["has_pin"].GetBoolValue(),
		CardPresent:  f["card_present"].GetBoolValue(),
		HotSwappable: f["hot_swappable"].GetBoolValue(),
	}
}
