// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package config loads the device daemon options from a config file,
// SDPROTECT_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/carabiner-dev/sdprotect/options"
)

// EnvPrefix is the prefix of the environment variables read by Load.
const EnvPrefix = "SDPROTECT"

// Keys are the configuration keys understood by Load.
var Keys = []string{
	"socket_path",
	"debug",
	"call_timeout",
	"state_dir",
	"card_dir",
	"medium",
	"hot_swappable",
	"salt_root",
	"storage_backend",
	"registry_namespace",
	"registry_key",
	"kdf_iterations",
	"pin_max_attempts",
	"metrics_addr",
	"restrict_peer_uid",
	"inactivity_timeout",
}

// Load returns the device options. An empty configFile searches the
// default locations and tolerates a missing file. Flags named like the
// keys, with dashes instead of underscores, override everything else.
func Load(configFile string, flags *pflag.FlagSet) (*options.Device, error) {
	v := viper.New()
	setDefaults(v, options.DefaultDevice)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("sdprotect")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/sdprotect")
		v.AddConfigPath("$HOME/.sdprotect")
	}

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if flags != nil {
		for _, key := range Keys {
			f := flags.Lookup(strings.ReplaceAll(key, "_", "-"))
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flag %s: %w", f.Name, err)
			}
		}
	}

	opts := &options.Device{}
	*opts = *options.DefaultDevice
	if err := v.Unmarshal(opts); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return opts, nil
}

func setDefaults(v *viper.Viper, d *options.Device) {
	v.SetDefault("socket_path", d.SocketPath)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("call_timeout", d.CallTimeout)
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("card_dir", d.CardDir)
	v.SetDefault("medium", d.Medium)
	v.SetDefault("hot_swappable", d.HotSwappable)
	v.SetDefault("salt_root", d.SaltRoot)
	v.SetDefault("storage_backend", d.StorageBackend)
	v.SetDefault("registry_namespace", d.RegistryNamespace)
	v.SetDefault("registry_key", d.RegistryKey)
	v.SetDefault("kdf_iterations", d.KDFIterations)
	v.SetDefault("pin_max_attempts", d.PinMaxAttempts)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("restrict_peer_uid", d.RestrictPeerUID)
	v.SetDefault("inactivity_timeout", d.InactivityTimeout)
}
