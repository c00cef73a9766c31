// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

//go:build darwin

package server

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// GetPeerCredentials returns the PID, UID and GID of the process connected
// on the other end of conn. The PID comes from LOCAL_PEERPID and the ids
// from LOCAL_PEERCRED.
func GetPeerCredentials(conn *net.UnixConn) (pid int32, uid, gid uint32, err error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("getting raw connection: %w", err)
	}

	var xucred *unix.Xucred
	var peerPid int
	var credErr error
	if err := rawConn.Control(func(fd uintptr) {
		xucred, credErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if credErr == nil {
			peerPid, credErr = unix.GetsockoptInt(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERPID)
		}
	}); err != nil {
		return 0, 0, 0, fmt.Errorf("trying to control raw connection: %w", err)
	}
	if credErr != nil {
		return 0, 0, 0, fmt.Errorf("failed to get peer credentials: %w", credErr)
	}

	var group uint32
	if xucred.Ngroups > 0 {
		group = xucred.Groups[0]
	}
	return int32(peerPid), xucred.Uid, group, nil //nolint:gosec
}
