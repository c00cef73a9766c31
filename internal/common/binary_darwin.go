// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

//go:build darwin

package common

import (
	"bytes"
	"fmt"

	"golang.org/x/sys/unix"
)

// binaryPathOf reads the exec path from kern.procargs2, which starts with
// the argument count followed by the NUL terminated path.
func binaryPathOf(pid int32) (string, error) {
	buf, err := unix.SysctlRaw("kern.procargs2", int(pid))
	if err != nil {
		return "", err
	}
	if len(buf) < 4 {
		return "", fmt.Errorf("short procargs for pid %d", pid)
	}
	buf = buf[4:]
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	if len(buf) == 0 {
		return "", fmt.Errorf("no path returned for pid %d", pid)
	}
	return string(buf), nil
}
