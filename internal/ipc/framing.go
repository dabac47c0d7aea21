// Copyright (c) 2025 Justin Cranford

// Package ipc is the Unix-domain-socket request/response server (spec.md
// §4.6): u32 big-endian length-prefixed JSON frames, one request/response per
// connection, peer-UID allow-listing read from the accepted socket's
// credentials.
package ipc

import (
	"encoding/binary"
	"io"

	"license-agent/internal/apperr"
	"license-agent/internal/magic"
)

// readFrame reads one length-prefixed message from r, rejecting anything
// exceeding magic.IPCMaxMessageBytes before the body read even begins.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [magic.IPCFrameLengthBytes]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, apperr.NewIpcError("failed to read frame length", err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > magic.IPCMaxMessageBytes {
		return nil, apperr.NewIpcError("frame exceeds maximum message size", nil)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, apperr.NewIpcError("failed to read frame body", err)
	}
	return body, nil
}

// writeFrame writes payload as one length-prefixed message.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > magic.IPCMaxMessageBytes {
		return apperr.NewIpcError("response exceeds maximum message size", nil)
	}

	var lenBuf [magic.IPCFrameLengthBytes]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return apperr.NewIpcError("failed to write frame length", err)
	}
	if _, err := w.Write(payload); err != nil {
		return apperr.NewIpcError("failed to write frame body", err)
	}
	return nil
}
