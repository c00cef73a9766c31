// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package sdprotect is the host side library of the SD card protection
// device. It connects to the device daemon and drives its interactive
// sessions, relaying PIN and button requests to a Responder.
package sdprotect

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"

	"github.com/carabiner-dev/sdprotect/internal/common"
	"github.com/carabiner-dev/sdprotect/internal/server"
	"github.com/carabiner-dev/sdprotect/options"
)

// Client talks to the device daemon.
type Client struct {
	options *options.Client
	conn    *grpc.ClientConn
	client  *common.DeviceClient
}

// Status is the device state.
type Status struct {
	DeviceID     string
	Initialized  bool
	Enabled      bool
	HasPin       bool
	CardPresent  bool
	HotSwappable bool
}

// NewClient creates a new client instance
func NewClient(opts *options.Client) *Client {
	if opts == nil {
		opts = options.DefaultClient
	}
	return &Client{
		options: opts,
	}
}

// Connect establishes the connection to the device. It fails when no
// daemon listens on the socket.
func (c *Client) Connect(ctx context.Context) error {
	if !c.IsDeviceRunning(ctx) {
		return fmt.Errorf("device not listening on %s", c.options.SocketPath)
	}
	return c.dial()
}

// IsDeviceRunning checks if the daemon accepts connections
func (c *Client) IsDeviceRunning(ctx context.Context) bool {
	d := net.Dialer{Timeout: 1 * time.Second}
	conn, err := d.DialContext(ctx, "unix", c.options.SocketPath)
	if err != nil {
		return false
	}
	conn.Close() //nolint:errcheck,gosec
	return true
}

// dial connects to the gRPC server through the unix socket
func (c *Client) dial() error {
	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", c.options.SocketPath)
	}

	// The address is a placeholder, the custom dialer makes the connection
	conn, err := grpc.NewClient(
		"passthrough:///unix",
		grpc.WithTransportCredentials(server.NewPeerCredentials()),
		grpc.WithContextDialer(dialer),
	)
	if err != nil {
		return fmt.Errorf("failed to dial device: %w", err)
	}

	c.conn = conn
	c.client = common.NewDeviceClient(conn)
	return nil
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.options.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.options.CallTimeout)
}

// Ping checks if the device is alive
func (c *Client) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("not connected to device")
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("pinging device: %w", err)
	}
	if !resp.GetValue() {
		return fmt.Errorf("device not alive")
	}
	return nil
}

// Status returns the device state
func (c *Client) Status(ctx context.Context) (*Status, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected to device")
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.client.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading device status: %w", err)
	}
	st := common.StatusFromStruct(resp)
	return &Status{
		DeviceID:     st.DeviceID,
		Initialized:  st.Initialized,
		Enabled:      st.Enabled,
		HasPin:       st.HasPin,
		CardPresent:  st.CardPresent,
		HotSwappable: st.HotSwappable,
	}, nil
}

// Close closes the connection to the device.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
