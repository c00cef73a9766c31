// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package sdprotect

import (
	"errors"
	"fmt"

	"github.com/carabiner-dev/sdprotect/internal/common"
)

var (
	ErrNotInitialized     = errors.New("device is not initialized")
	ErrAlreadyInitialized = errors.New("device is already initialized")
	ErrAlreadyEnabled     = errors.New("SD card protection already enabled")
	ErrNotEnabled         = errors.New("SD card protection not enabled")
	ErrPinInvalid         = errors.New("PIN invalid")
	ErrPinLocked          = errors.New("PIN locked")
	ErrCancelled          = errors.New("cancelled")
	ErrCardError          = errors.New("SD card error")
	ErrBusy               = errors.New("device busy")
	ErrUnexpectedMessage  = errors.New("unexpected message")
	ErrProcess            = errors.New("device error")
)

var failureCodes = map[string]error{
	common.CodeNotInitialized:     ErrNotInitialized,
	common.CodeAlreadyInitialized: ErrAlreadyInitialized,
	common.CodeAlreadyEnabled:     ErrAlreadyEnabled,
	common.CodeNotEnabled:         ErrNotEnabled,
	common.CodePinInvalid:         ErrPinInvalid,
	common.CodePinLocked:          ErrPinLocked,
	common.CodeCancelled:          ErrCancelled,
	common.CodeCardError:          ErrCardError,
	common.CodeBusy:               ErrBusy,
	common.CodeUnexpectedMessage:  ErrUnexpectedMessage,
	common.CodeProcessError:       ErrProcess,
}

// DeviceError is a failure reported by the device. It matches the sentinel
// of its code with errors.Is.
type DeviceError struct {
	Code    string
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device failure (%s): %s", e.Code, e.Message)
}

func (e *DeviceError) Unwrap() error {
	if err, ok := failureCodes[e.Code]; ok {
		return err
	}
	return ErrProcess
}
