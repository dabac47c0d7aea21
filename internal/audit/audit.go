// Copyright (c) 2025 Justin Cranford

// Package audit is the append-only JSON-lines audit sink (spec.md §6/§4.6):
// one JSON event per line, behind a single exclusive lock serializing
// write+newline+flush as one critical section. Grounded on the original
// audit.rs logger's event taxonomy (rotation_succeeded, rotation_failed,
// license_validated, degraded_mode_activated/deactivated,
// secret_invalidated), generalized to Go's log/slog-adjacent level naming.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-yaml"

	"license-agent/internal/apperr"
)

// Level is the audit event severity, matching spec.md's {info, warning,
// error, critical}.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Event is one audit log line.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Level     Level          `json:"level"`
	Data      map[string]any `json:"data"`
}

// Log is the append-only audit sink. The zero value is not usable; construct
// with Open.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open creates the audit log's parent directory if needed and opens path in
// append mode, creating it if absent.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, apperr.NewIpcError("failed to create audit log directory", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, apperr.NewIpcError("failed to open audit log file", err)
	}
	return &Log{path: path, file: file}, nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// write serializes event as one JSON line, appends it, and flushes. Failures
// are swallowed rather than propagated: a broken audit trail must not halt
// the daemon's primary function.
func (l *Log) write(event string, level Level, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Event{Timestamp: time.Now().UTC(), Event: event, Level: level, Data: fields}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	raw = append(raw, '\n')
	if _, err := l.file.Write(raw); err != nil {
		return
	}
	_ = l.file.Sync()
}

func (l *Log) Info(event string, fields map[string]any) {
	l.write(event, LevelInfo, fields)
}

func (l *Log) Warning(event string, fields map[string]any) {
	l.write(event, LevelWarning, fields)
}

func (l *Log) Error(event string, fields map[string]any) {
	l.write(event, LevelError, fields)
}

func (l *Log) Critical(event string, fields map[string]any) {
	l.write(event, LevelCritical, fields)
}

// RotationSucceeded implements rotation.AuditSink.
func (l *Log) RotationSucceeded(oldVersion, newVersion uint64, elapsed time.Duration) {
	l.Info("rotation_succeeded", map[string]any{
		"old_version": oldVersion,
		"new_version": newVersion,
		"duration_ms": elapsed.Milliseconds(),
	})
}

// RotationFailed implements rotation.AuditSink.
func (l *Log) RotationFailed(reason string) {
	l.Error("rotation_failed", map[string]any{"reason": reason})
}

// LicenseValidated records a validator outcome.
func (l *Log) LicenseValidated(licenseID string, version uint64, result string) {
	l.Info("license_validated", map[string]any{
		"license_id":     licenseID,
		"secret_version": version,
		"result":         result,
	})
}

// DegradedModeActivated implements degraded.AlertSink.
func (l *Log) DegradedModeActivated() {
	l.Warning("degraded_mode_activated", nil)
}

// DegradedModeDeactivated implements degraded.AlertSink. It records the
// operator-driven deactivation path (CLI `reset`, `degraded-mode --disable`).
func (l *Log) DegradedModeDeactivated(duration time.Duration) {
	l.Info("degraded_mode_deactivated", map[string]any{"duration_seconds": duration.Seconds()})
}

// DegradedModeDeactivatedAuto implements degraded.AlertSink. It records the
// retry loop's own auto-deactivation (auto_deactivate_on_reconnect), kept
// distinct from DegradedModeDeactivated so the audit trail shows which path
// ended degraded mode.
func (l *Log) DegradedModeDeactivatedAuto(duration time.Duration) {
	l.Info("degraded_mode_deactivated_auto", map[string]any{"duration_seconds": duration.Seconds()})
}

// DegradedModeAlert implements degraded.AlertSink.
func (l *Log) DegradedModeAlert(thresholdHours uint64) {
	l.Warning("degraded_mode_alert", map[string]any{"threshold_hours": thresholdHours})
}

// SecretInvalidated records a store invalidation.
func (l *Log) SecretInvalidated(version uint64, reason string) {
	l.Warning("secret_invalidated", map[string]any{"version": version, "reason": reason})
}

// Filter narrows Tail's results; zero value matches everything.
type Filter struct {
	Event     string
	Level     Level
	Since     time.Time
	MaxEvents int
}

// Tail reads every line in the audit log at path and returns the events
// matching filter, most recent last. Malformed lines are skipped rather than
// aborting the read. This is the CLI `logs` command's backing query.
func Tail(path string, filter Filter) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.NewIpcError("failed to open audit log for reading", err)
	}
	defer file.Close()

	var matched []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if !matches(e, filter) {
			continue
		}
		matched = append(matched, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.NewIpcError("failed to scan audit log", err)
	}

	if filter.MaxEvents > 0 && len(matched) > filter.MaxEvents {
		matched = matched[len(matched)-filter.MaxEvents:]
	}
	return matched, nil
}

// filterFile is the YAML shape an operator writes to define a reusable
// named filter for the CLI `logs` command, e.g.:
//
//	event: rotation_failed
//	level: error
//	max_events: 50
type filterFile struct {
	Event     string `yaml:"event"`
	Level     string `yaml:"level"`
	MaxEvents int    `yaml:"max_events"`
}

// LoadFilterFile reads a YAML-defined Filter from path, for operators who
// want a reusable named filter instead of repeating CLI flags.
func LoadFilterFile(path string) (Filter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Filter{}, apperr.NewConfigError("failed to read audit filter file", err)
	}

	var ff filterFile
	if err := yaml.Unmarshal(raw, &ff); err != nil {
		return Filter{}, apperr.NewConfigError("failed to parse audit filter file", err)
	}

	return Filter{
		Event:     ff.Event,
		Level:     Level(ff.Level),
		MaxEvents: ff.MaxEvents,
	}, nil
}

func matches(e Event, filter Filter) bool {
	if filter.Event != "" && e.Event != filter.Event {
		return false
	}
	if filter.Level != "" && e.Level != filter.Level {
		return false
	}
	if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
		return false
	}
	return true
}
