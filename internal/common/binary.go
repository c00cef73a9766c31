// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// ClientBinary returns the executable path of the process pid and the
// SHA256 of the executable. The daemon logs both for every session.
func ClientBinary(pid int32) (binaryPath, binaryHash string, err error) {
	if pid <= 0 {
		return "", "", fmt.Errorf("invalid pid %d", pid)
	}

	binaryPath, err = binaryPathOf(pid)
	if err != nil {
		return "", "", fmt.Errorf("reading binary path: %w", err)
	}

	binaryHash, err = hashFile(binaryPath)
	if err != nil {
		return "", "", fmt.Errorf("hashing client binary: %w", err)
	}
	return binaryPath, binaryHash, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
