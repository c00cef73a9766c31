// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package main runs the SD card protection device daemon. It owns the
// device storage and the card, and serves host sessions on a unix socket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/carabiner-dev/sdprotect/internal/config"
	"github.com/carabiner-dev/sdprotect/internal/server"
	"github.com/carabiner-dev/sdprotect/options"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configFile string
	d := options.DefaultDevice

	cmd := &cobra.Command{
		Use:   "sdprotect-device",
		Short: "SD card protection device daemon",
		Long: `sdprotect-device guards the device unlock key with a salt stored on a
removable SD card. Hosts connect on the unix socket to initialize the
device, unlock it and enable, disable or refresh SD card protection.

Configuration is read from /etc/sdprotect/sdprotect.yaml or
$HOME/.sdprotect/sdprotect.yaml, SDPROTECT_* environment variables and
the flags below, in increasing order of precedence.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}

			level := slog.LevelInfo
			if opts.Debug {
				level = slog.LevelDebug
			}
			logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx = clog.WithLogger(ctx, logger)

			return run(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "config file")
	f.String("socket-path", d.SocketPath, "unix socket to listen on")
	f.Bool("debug", d.Debug, "enable debug logging")
	f.String("state-dir", d.StateDir, "directory of the device storage")
	f.String("card-dir", d.CardDir, "mount point of the SD card")
	f.String("medium", d.Medium, "card medium (dir or memory)")
	f.Bool("hot-swappable", d.HotSwappable, "the card can be swapped while the device runs")
	f.String("salt-root", d.SaltRoot, "directory of the salt records on the card")
	f.String("storage-backend", d.StorageBackend, "device storage backend (file, memory or keyring)")
	f.String("metrics-addr", d.MetricsAddr, "address of the prometheus metrics endpoint")
	f.Bool("restrict-peer-uid", d.RestrictPeerUID, "only accept clients running as the daemon user or root")
	f.Duration("inactivity-timeout", d.InactivityTimeout, "shut down after this much idle time (0 never)")
	return cmd
}

func run(ctx context.Context, opts *options.Device) error {
	srv, err := server.NewServer(ctx, opts)
	if err != nil {
		return fmt.Errorf("creating device server: %w", err)
	}
	clog.FromContext(ctx).Infof("starting sdprotect device")
	return srv.Run(ctx)
}
