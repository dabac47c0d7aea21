// Copyright (c) 2025 Justin Cranford

package ipc

import (
	"encoding/json"

	"license-agent/internal/audit"
	"license-agent/internal/types"
)

// envelope is the CLI management-command wire shape: {command, data}. A bare
// validate request (no "command" field) is also accepted directly on the
// same socket, per spec.md §4.6.
type envelope struct {
	Command string          `json:"command,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type degradedModeRequest struct {
	Enable *bool `json:"enable,omitempty"`
}

type invalidateRequest struct {
	Version uint64 `json:"version"`
	Reason  string `json:"reason"`
}

type logsRequest struct {
	Event     string `json:"event,omitempty"`
	Level     string `json:"level,omitempty"`
	MaxEvents int    `json:"max_events,omitempty"`
}

type logsResponse struct {
	Events []audit.Event `json:"events"`
}

type rotateRequest struct {
	Force bool `json:"force,omitempty"`
}

type resetRequest struct {
	Wipe bool `json:"wipe,omitempty"`
}

// dispatch decodes one request frame and returns the response value to be
// JSON-marshaled back to the peer. It never returns an error itself: every
// failure is translated into a response payload, since the transport never
// carries a non-success status for an application-level failure (spec.md
// §4.6).
func (s *Server) dispatch(body []byte) any {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return errorResponse{Error: "malformed request"}
	}

	if env.Command == "" {
		return s.dispatchValidate(body)
	}
	return s.dispatchCommand(env.Command, env.Data)
}

func (s *Server) dispatchValidate(body []byte) any {
	var req types.ValidateLicenseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse{Error: "malformed request"}
	}
	result := s.v.Validate(req.LicenseToken)
	return types.ValidateLicenseResponse{Result: result}
}

func (s *Server) dispatchCommand(command string, data json.RawMessage) any {
	if s.handler == nil {
		return errorResponse{Error: "management commands are not available"}
	}

	switch command {
	case "status":
		status, err := s.handler.Status()
		if err != nil {
			return errorResponse{Error: err.Error()}
		}
		return status

	case "rotate":
		var req rotateRequest
		_ = json.Unmarshal(data, &req)
		if err := s.handler.Rotate(req.Force); err != nil {
			return errorResponse{Error: err.Error()}
		}
		return struct {
			OK bool `json:"ok"`
		}{OK: true}

	case "invalidate":
		var req invalidateRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return errorResponse{Error: "malformed invalidate request"}
		}
		if err := s.handler.Invalidate(req.Version, req.Reason); err != nil {
			return errorResponse{Error: err.Error()}
		}
		return struct {
			OK bool `json:"ok"`
		}{OK: true}

	case "logs":
		var req logsRequest
		_ = json.Unmarshal(data, &req)
		events, err := s.handler.Logs(audit.Filter{
			Event:     req.Event,
			Level:     audit.Level(req.Level),
			MaxEvents: req.MaxEvents,
		})
		if err != nil {
			return errorResponse{Error: err.Error()}
		}
		return logsResponse{Events: events}

	case "metrics":
		metrics, err := s.handler.Metrics()
		if err != nil {
			return errorResponse{Error: err.Error()}
		}
		return metrics

	case "degraded_mode":
		var req degradedModeRequest
		_ = json.Unmarshal(data, &req)
		status, err := s.handler.DegradedMode(req.Enable)
		if err != nil {
			return errorResponse{Error: err.Error()}
		}
		return status

	case "tpm_status":
		status, err := s.handler.TpmStatus()
		if err != nil {
			return errorResponse{Error: err.Error()}
		}
		return status

	case "reset":
		var req resetRequest
		_ = json.Unmarshal(data, &req)
		if err := s.handler.Reset(req.Wipe); err != nil {
			return errorResponse{Error: err.Error()}
		}
		return struct {
			OK bool `json:"ok"`
		}{OK: true}

	default:
		return errorResponse{Error: "unknown command: " + command}
	}
}
