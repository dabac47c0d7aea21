// Copyright (c) 2025 Justin Cranford

//go:build !linux

package ipc

import (
	"net"

	"license-agent/internal/apperr"
)

// peerUID has no portable implementation outside Linux's SO_PEERCRED; the
// daemon targets Linux hosts, so this path only exists to keep the module
// buildable on a development workstation of another OS.
func peerUID(_ *net.UnixConn) (uint32, error) {
	return 0, apperr.NewIpcError("peer credential lookup is not supported on this platform", nil)
}
