// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package main is the host command line of the SD card protection device.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/carabiner-dev/sdprotect"
	"github.com/carabiner-dev/sdprotect/options"
)

type globalFlags struct {
	socketPath string
	debug      bool
	pin        string
	yes        bool
}

func main() {
	if err := rootCommand(os.Stdin, os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand(in io.Reader, out io.Writer) *cobra.Command {
	g := &globalFlags{}
	defaults := options.DefaultClient

	socket := defaults.SocketPath
	if v := os.Getenv(defaults.EnvVarSocket); v != "" {
		socket = v
	}

	cmd := &cobra.Command{
		Use:   "sdprotect",
		Short: "Manage SD card protection of the device",
		Long: `sdprotect talks to the SD card protection device daemon.

With SD card protection enabled the device can only be unlocked while the
card holding its secret salt is inserted.

Examples:
  # Set up a new device with a PIN
  sdprotect init --pin 1234

  # Turn on SD card protection, answering the device prompts
  sdprotect enable

  # Replace the salt on the card with a new one
  sdprotect refresh --pin 1234 --yes`,
		SilenceUsage: true,
	}
	cmd.SetIn(in)
	cmd.SetOut(out)

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.socketPath, "socket", socket, "device socket path")
	pf.BoolVar(&g.debug, "debug", os.Getenv(defaults.EnvVarDebug) == "1", "enable debug output")
	pf.StringVar(&g.pin, "pin", "", "answer PIN requests with this PIN")
	pf.BoolVarP(&g.yes, "yes", "y", false, "accept every confirmation")

	cmd.AddCommand(
		pingCommand(g),
		statusCommand(g),
		initCommand(g),
		unlockCommand(g),
		sdProtectCommand(g, sdprotect.OperationEnable, "Enable SD card protection"),
		sdProtectCommand(g, sdprotect.OperationDisable, "Disable SD card protection"),
		sdProtectCommand(g, sdprotect.OperationRefresh, "Replace the SD card salt with a new one"),
	)
	return cmd
}

func (g *globalFlags) connect(ctx context.Context) (*sdprotect.Client, error) {
	opts := *options.DefaultClient
	opts.SocketPath = g.socketPath
	opts.Debug = g.debug

	c := sdprotect.NewClient(&opts)
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return c, nil
}

func (g *globalFlags) responder(cmd *cobra.Command) sdprotect.Responder {
	return newTerminalResponder(cmd.InOrStdin(), cmd.OutOrStdout(), g.pin, g.yes)
}

func pingCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check if the device daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close() //nolint:errcheck

			if err := c.Ping(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Device is running")
			return nil
		},
	}
}

func statusCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the device state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close() //nolint:errcheck

			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID:      %s\n", st.DeviceID)
			fmt.Fprintf(out, "Initialized:    %t\n", st.Initialized)
			fmt.Fprintf(out, "PIN set:        %t\n", st.HasPin)
			fmt.Fprintf(out, "SD protection:  %t\n", st.Enabled)
			fmt.Fprintf(out, "Card present:   %t\n", st.CardPresent)
			fmt.Fprintf(out, "Hot swappable:  %t\n", st.HotSwappable)
			return nil
		},
	}
}

func initCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the device, with --pin to set a PIN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close() //nolint:errcheck

			msg, err := c.Initialize(cmd.Context(), g.pin)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func unlockCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Unlock the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close() //nolint:errcheck

			msg, err := c.Unlock(cmd.Context(), g.responder(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func sdProtectCommand(g *globalFlags, operation, short string) *cobra.Command {
	return &cobra.Command{
		Use:   operation,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close() //nolint:errcheck

			msg, err := c.SdProtect(cmd.Context(), operation, g.responder(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}
