// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package prompttest provides a scripted prompt.Prompter for tests.
package prompttest

import (
	"context"
	"errors"
	"sync"

	"github.com/carabiner-dev/sdprotect/internal/prompt"
)

// ErrScriptExhausted is returned when the script has no answer left.
var ErrScriptExhausted = errors.New("prompttest: script exhausted")

var _ prompt.Prompter = &Scripted{}

// Scripted answers prompts from fixed queues and records every dialog.
// Hooks run before an answer is returned so tests can change the medium
// while the user is "looking" at the dialog.
type Scripted struct {
	Pins      []string
	Confirms  []bool
	Decisions []prompt.Decision

	// OnAsk runs before each Ask answer.
	OnAsk func(d prompt.Dialog)

	mu         sync.Mutex
	PinPrompts []int
	Shown      []prompt.Dialog
	Notices    []prompt.Dialog
}

func (s *Scripted) RequestPin(_ context.Context, _ string, retries int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PinPrompts = append(s.PinPrompts, retries)
	if len(s.Pins) == 0 {
		return "", ErrScriptExhausted
	}
	pin := s.Pins[0]
	s.Pins = s.Pins[1:]
	return pin, nil
}

func (s *Scripted) Confirm(_ context.Context, d prompt.Dialog) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Shown = append(s.Shown, d)
	if len(s.Confirms) == 0 {
		return false, ErrScriptExhausted
	}
	ok := s.Confirms[0]
	s.Confirms = s.Confirms[1:]
	return ok, nil
}

func (s *Scripted) Ask(_ context.Context, d prompt.Dialog) (prompt.Decision, error) {
	s.mu.Lock()
	s.Shown = append(s.Shown, d)
	if len(s.Decisions) == 0 {
		s.mu.Unlock()
		return prompt.Abort, ErrScriptExhausted
	}
	dec := s.Decisions[0]
	s.Decisions = s.Decisions[1:]
	hook := s.OnAsk
	s.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return dec, nil
}

func (s *Scripted) Notify(_ context.Context, d prompt.Dialog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Notices = append(s.Notices, d)
	return nil
}

// Kinds returns the kinds of the dialogs shown so far.
func (s *Scripted) Kinds() []prompt.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]prompt.Kind, 0, len(s.Shown))
	for _, d := range s.Shown {
		ret = append(ret, d.Kind)
	}
	return ret
}
