// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package sdcard

import "github.com/carabiner-dev/sdprotect/internal/prompt"

// Title is the title of every SD protection dialog.
const Title = "SD card protection"

func wrongCardDialog(hotSwappable bool) prompt.Dialog {
	d := prompt.Dialog{
		Kind:  prompt.KindWrongCard,
		Title: Title,
		Bold:  "Wrong SD card.",
	}
	if hotSwappable {
		d.Lines = []string{"Please insert the", "correct SD card for", "this device."}
		d.Confirm, d.Cancel = "Retry", "Abort"
	} else {
		d.Lines = []string{"Please unplug the", "device and insert the", "correct SD card."}
		d.Cancel = "Close"
	}
	return d
}

func insertCardDialog(hotSwappable bool) prompt.Dialog {
	d := prompt.Dialog{
		Kind:  prompt.KindInsertCard,
		Title: Title,
		Bold:  "SD card required.",
	}
	if hotSwappable {
		d.Lines = []string{"Please insert your", "SD card."}
		d.Confirm, d.Cancel = "Retry", "Abort"
	} else {
		d.Lines = []string{"Please unplug the", "device and insert your", "SD card."}
		d.Cancel = "Close"
	}
	return d
}

func cardErrorDialog(lines ...string) prompt.Dialog {
	return prompt.Dialog{
		Kind:    prompt.KindCardError,
		Title:   Title,
		Lines:   lines,
		Confirm: "Retry",
		Cancel:  "Abort",
	}
}

var (
	readErrorLines  = []string{"Failed to read from", "the SD card."}
	writeErrorLines = []string{"Failed to write data to", "the SD card."}
)
