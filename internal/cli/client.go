// Copyright (c) 2025 Justin Cranford

// Package cli is the management CLI's cobra command tree. It talks to the
// daemon over the same Unix-domain socket and envelope framing the IPC
// server exposes (spec.md §4.6, §6): one request, one response, connection
// closed. Destructive commands additionally require a TOTP code when the CLI
// is given a seed file with --totp-secret; the CLI does not read the
// daemon's management.cli_totp_secret_path.
package cli

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"license-agent/internal/apperr"
	"license-agent/internal/magic"
)

// Client is a one-shot connection to the daemon's management socket.
type Client struct {
	SocketPath string
	Timeout    time.Duration
}

// NewClient returns a Client with a sane default request timeout.
func NewClient(socketPath string) *Client {
	return &Client{SocketPath: socketPath, Timeout: 10 * time.Second}
}

type envelope struct {
	Command string `json:"command,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// errorEnvelope matches the server's errorResponse shape, checked before the
// caller's out value in case the command failed.
type errorEnvelope struct {
	Error string `json:"error"`
}

// CallChecked sends {command, data}, then peeks the response for an
// {"error": "..."} payload (returned as a Go error) before decoding it into
// out; out may be nil for commands whose result the caller doesn't need.
func (c *Client) CallChecked(command string, data any, out any) error {
	conn, err := net.DialTimeout("unix", c.SocketPath, c.Timeout)
	if err != nil {
		return apperr.NewIpcError("failed to connect to agent socket "+c.SocketPath, err)
	}
	defer conn.Close()

	if c.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.Timeout))
	}

	req, err := json.Marshal(envelope{Command: command, Data: data})
	if err != nil {
		return apperr.NewIpcError("failed to encode request", err)
	}
	if err := writeFrame(conn, req); err != nil {
		return err
	}

	resp, err := readFrame(conn)
	if err != nil {
		return err
	}

	var errEnv errorEnvelope
	if err := json.Unmarshal(resp, &errEnv); err == nil && errEnv.Error != "" {
		return fmt.Errorf("agent: %s", errEnv.Error)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp, out)
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > magic.IPCMaxMessageBytes {
		return apperr.NewIpcError("request exceeds maximum message size", nil)
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

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [magic.IPCFrameLengthBytes]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, apperr.NewIpcError("failed to read frame length", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > magic.IPCMaxMessageBytes {
		return nil, apperr.NewIpcError("response exceeds maximum message size", nil)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, apperr.NewIpcError("failed to read frame body", err)
	}
	return body, nil
}
