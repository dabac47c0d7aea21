// Copyright (c) 2025 Justin Cranford

//go:build linux

package ipc

import (
	"net"

	"golang.org/x/sys/unix"

	"license-agent/internal/apperr"
)

// peerUID reads the connecting process's UID via SO_PEERCRED on the
// underlying Unix-domain socket file descriptor.
func peerUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, apperr.NewIpcError("failed to obtain raw connection", err)
	}

	var ucred *unix.Ucred
	var getErr error
	err = raw.Control(func(fd uintptr) {
		ucred, getErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, apperr.NewIpcError("failed to read socket peer credentials", err)
	}
	if getErr != nil {
		return 0, apperr.NewIpcError("SO_PEERCRED failed", getErr)
	}
	return ucred.Uid, nil
}
