// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package common

import (
	"os"
	"path/filepath"
	"strconv"
)

func binaryPathOf(pid int32) (string, error) {
	return os.Readlink(filepath.Join("/proc", strconv.Itoa(int(pid)), "exe"))
}
