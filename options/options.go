// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package options

import (
	"fmt"
	"time"
)

// Storage backends for the device storage
const (
	StorageFile    = "file"
	StorageMemory  = "memory"
	StorageKeyring = "keyring"
)

// Card media
const (
	MediumDir    = "dir"
	MediumMemory = "memory"
)

// Common options for device and client options
type Common struct {
	SocketPath   string        `json:"socket_path" mapstructure:"socket_path"`
	Debug        bool          `json:"debug" mapstructure:"debug"`
	CallTimeout  time.Duration `json:"call_timeout" mapstructure:"call_timeout"`
	EnvVarSocket string        `json:"envar_socket" mapstructure:"-"`
	EnvVarDebug  string        `json:"envar_debug" mapstructure:"-"`
}

// Device options set
type Device struct {
	Common `mapstructure:",squash"`

	// StateDir holds the device storage and the daemon lock
	StateDir string `json:"state_dir" mapstructure:"state_dir"`

	// CardDir is the host directory standing in for the card when
	// Medium is "dir"
	CardDir      string `json:"card_dir" mapstructure:"card_dir"`
	Medium       string `json:"medium" mapstructure:"medium"`
	HotSwappable bool   `json:"hot_swappable" mapstructure:"hot_swappable"`
	SaltRoot     string `json:"salt_root" mapstructure:"salt_root"`

	StorageBackend    string `json:"storage_backend" mapstructure:"storage_backend"`
	RegistryNamespace uint8  `json:"registry_namespace" mapstructure:"registry_namespace"`
	RegistryKey       uint8  `json:"registry_key" mapstructure:"registry_key"`

	KDFIterations  int `json:"kdf_iterations" mapstructure:"kdf_iterations"`
	PinMaxAttempts int `json:"pin_max_attempts" mapstructure:"pin_max_attempts"`

	MetricsAddr       string        `json:"metrics_addr" mapstructure:"metrics_addr"`
	RestrictPeerUID   bool          `json:"restrict_peer_uid" mapstructure:"restrict_peer_uid"`
	InactivityTimeout time.Duration `json:"inactivity_timeout" mapstructure:"inactivity_timeout"`
}

// Client options set
type Client struct {
	Common
}

// defaultCommon default common options shared by default device and client sets
var defaultCommon = Common{
	SocketPath:   "/tmp/sdprotect.sock",
	Debug:        false,
	CallTimeout:  5 * time.Second,
	EnvVarSocket: "SDPROTECT_SOCKET_PATH",
	EnvVarDebug:  "SDPROTECT_DEBUG",
}

// DefaultClient default client options
var DefaultClient = &Client{
	Common: defaultCommon,
}

// DefaultDevice default device options
var DefaultDevice = &Device{
	Common:            defaultCommon,
	StateDir:          "/var/lib/sdprotect",
	CardDir:           "/media/sdcard",
	Medium:            MediumDir,
	HotSwappable:      false,
	SaltRoot:          "/sdprotect",
	StorageBackend:    StorageFile,
	RegistryNamespace: 0x0d,
	RegistryKey:       0x00,
	KDFIterations:     100000,
	PinMaxAttempts:    16,
	MetricsAddr:       "",
	RestrictPeerUID:   true,
	InactivityTimeout: 0, // Zero keeps the daemon running
}

// Validate checks the option values
func (d *Device) Validate() error {
	if d.SocketPath == "" {
		return fmt.Errorf("socket path not set")
	}
	switch d.StorageBackend {
	case StorageFile, StorageMemory, StorageKeyring:
	default:
		return fmt.Errorf("unknown storage backend %q", d.StorageBackend)
	}
	switch d.Medium {
	case MediumDir, MediumMemory:
	default:
		return fmt.Errorf("unknown medium %q", d.Medium)
	}
	if d.StorageBackend == StorageFile && d.StateDir == "" {
		return fmt.Errorf("file storage needs a state directory")
	}
	if d.Medium == MediumDir && d.CardDir == "" {
		return fmt.Errorf("dir medium needs a card directory")
	}
	if d.KDFIterations <= 0 {
		return fmt.Errorf("kdf iterations must be positive")
	}
	if d.PinMaxAttempts <= 0 {
		return fmt.Errorf("pin attempts must be positive")
	}
	return nil
}
