// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

const peerAuthType = "unix-peercred"

var errNoPeer = errors.New("no peer in context")

// socketCreds are grpc transport credentials for the device socket. They
// do not secure the connection, they only record who is on the other end.
type socketCreds struct{}

// NewPeerCredentials returns the transport credentials used on both ends
// of the device socket.
func NewPeerCredentials() credentials.TransportCredentials {
	return socketCreds{}
}

func (socketCreds) ClientHandshake(_ context.Context, _ string, conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	return conn, &peerInfo{}, nil
}

// ServerHandshake looks up the credentials of the connecting process.
// Connections whose peer cannot be identified still complete, with Known
// left false.
func (socketCreds) ServerHandshake(conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	info := &peerInfo{}
	if uc, ok := conn.(*net.UnixConn); ok {
		if pid, uid, gid, err := GetPeerCredentials(uc); err == nil {
			info.Known = true
			info.PID, info.UID, info.GID = pid, uid, gid
		}
	}
	return conn, info, nil
}

func (socketCreds) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{SecurityProtocol: "unix", SecurityVersion: "1.0"}
}

func (c socketCreds) Clone() credentials.TransportCredentials { return c }

func (socketCreds) OverrideServerName(string) error { return nil }

// peerInfo identifies the client process of a connection.
type peerInfo struct {
	credentials.CommonAuthInfo

	Known bool
	PID   int32
	UID   uint32
	GID   uint32
}

func (*peerInfo) AuthType() string { return peerAuthType }

// peerFromContext returns the client process recorded for the call in ctx.
func peerFromContext(ctx context.Context) (*peerInfo, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return nil, errNoPeer
	}
	info, ok := p.AuthInfo.(*peerInfo)
	if !ok {
		return nil, fmt.Errorf("unexpected auth info %T", p.AuthInfo)
	}
	return info, nil
}
