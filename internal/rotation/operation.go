// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"context"
	"fmt"

	"github.com/carabiner-dev/sdprotect/internal/prompt"
	"github.com/carabiner-dev/sdprotect/internal/sdcard"
)

// Operation is one of Enable, Disable or Refresh.
type Operation interface {
	fmt.Stringer
	confirmation() prompt.Dialog
	run(ctx context.Context, c *Controller) (string, error)
}

// Enable turns SD protection on.
type Enable struct{}

// Disable turns SD protection off.
type Disable struct{}

// Refresh replaces the salt on the card with a new one.
type Refresh struct{}

func (Enable) String() string { return "enable" }
func (Disable) String() string { return "disable" }
func (Refresh) String() string { return "refresh" }

func (Enable) confirmation() prompt.Dialog {
	return confirmDialog("Do you really want to", "secure your device with", "SD card protection?")
}

func (Disable) confirmation() prompt.Dialog {
	return confirmDialog("Do you really want to", "remove SD card", "protection from your", "device?")
}

func (Refresh) confirmation() prompt.Dialog {
	return confirmDialog(
		"Do you really want to",
		"replace the current",
		"SD card secret with a",
		"newly generated one?",
	)
}

func (Enable) run(ctx context.Context, c *Controller) (string, error) { return c.enable(ctx) }
func (Disable) run(ctx context.Context, c *Controller) (string, error) { return c.disable(ctx) }
func (Refresh) run(ctx context.Context, c *Controller) (string, error) { return c.refresh(ctx) }

// ParseOperation returns the operation named s.
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "enable":
		return Enable{}, nil
	case "disable":
		return Disable{}, nil
	case "refresh":
		return Refresh{}, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", s)
	}
}

func confirmDialog(lines ...string) prompt.Dialog {
	return prompt.Dialog{
		Kind:    prompt.KindConfirm,
		Title:   sdcard.Title,
		Lines:   lines,
		Confirm: "Confirm",
		Cancel:  "Cancel",
	}
}

func successDialog(verb string) prompt.Dialog {
	return prompt.Dialog{
		Kind:    prompt.KindSuccess,
		Title:   "Success",
		Lines:   []string{"You have successfully", verb + " SD protection."},
		Confirm: "Continue",
	}
}

func pinInvalidDialog() prompt.Dialog {
	return prompt.Dialog{
		Kind:  prompt.KindPinInvalid,
		Title: "Wrong PIN",
		Lines: []string{"The PIN you entered is", "invalid."},
	}
}
