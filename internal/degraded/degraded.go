// Copyright (c) 2025 Justin Cranford

// Package degraded implements the degraded-mode supervisor (spec.md §4.5): a
// single process-wide record behind a reader-writer lock, activated on the
// first failed rotation that leaves zero ACTIVE secrets, deactivated on the
// first successful rotation thereafter (if configured), and emitting
// alerting/retry events on independent timers owned by the core engine.
package degraded

import (
	"log/slog"
	"sync"
	"time"

	"license-agent/internal/types"
)

// AlertSink receives degraded-mode lifecycle events; satisfied by *audit.Log.
type AlertSink interface {
	DegradedModeActivated()
	DegradedModeDeactivated(duration time.Duration)
	DegradedModeDeactivatedAuto(duration time.Duration)
	DegradedModeAlert(thresholdHours uint64)
}

type noopAlertSink struct{}

func (noopAlertSink) DegradedModeActivated()                   {}
func (noopAlertSink) DegradedModeDeactivated(time.Duration)     {}
func (noopAlertSink) DegradedModeDeactivatedAuto(time.Duration) {}
func (noopAlertSink) DegradedModeAlert(uint64)                  {}

// Config parameterizes a Supervisor from the `[degraded_mode]` TOML section.
type Config struct {
	Enabled                   bool
	GracePeriodDays           int
	RetryIntervalSeconds      int
	AutoDeactivateOnReconnect bool
	AlertThresholdsHours      []uint64
}

// Supervisor owns the {active, activated_at, grace_period_end} record.
type Supervisor struct {
	mu     sync.RWMutex
	cfg    Config
	sink   AlertSink
	logger *slog.Logger

	active         bool
	activatedAt    time.Time
	gracePeriodEnd time.Time
	alertedHours   map[uint64]bool
}

// New constructs a Supervisor. sink may be nil (defaults to a no-op sink);
// logger may be nil.
func New(cfg Config, sink AlertSink, logger *slog.Logger) *Supervisor {
	if sink == nil {
		sink = noopAlertSink{}
	}
	return &Supervisor{
		cfg:          cfg,
		sink:         sink,
		logger:       logger,
		alertedHours: make(map[uint64]bool),
	}
}

// Activate records entry into degraded mode, idempotently: a second call
// while already active is a no-op and does not reset activated_at. A no-op
// when degraded_mode.enabled is false.
func (s *Supervisor) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled || s.active {
		return
	}
	now := time.Now().UTC()
	s.active = true
	s.activatedAt = now
	s.gracePeriodEnd = now.Add(time.Duration(s.cfg.GracePeriodDays) * 24 * time.Hour)
	s.alertedHours = make(map[uint64]bool)

	if s.logger != nil {
		s.logger.Warn("degraded mode activated", "grace_period_end", s.gracePeriodEnd)
	}
	s.sink.DegradedModeActivated()
}

// Deactivate clears degraded mode, if active, and emits the elapsed
// duration. Deactivate serves the operator-driven path (CLI `reset` and
// `degraded-mode --disable`); the retry loop's own auto-deactivation uses
// DeactivateAuto instead, so the two are distinguishable in the audit log.
func (s *Supervisor) Deactivate() {
	s.deactivate(false)
}

// DeactivateAuto is the hook the rotation engine calls after a successful
// rotation; it deactivates degraded mode iff configured to do so, emitting
// DegradedModeDeactivatedAuto rather than DegradedModeDeactivated.
func (s *Supervisor) DeactivateAuto() {
	if s.cfg.AutoDeactivateOnReconnect {
		s.deactivate(true)
	}
}

// OnRotationSucceeded is the hook the rotation engine calls after a
// successful rotation; it deactivates degraded mode iff configured to do so.
func (s *Supervisor) OnRotationSucceeded() {
	s.DeactivateAuto()
}

func (s *Supervisor) deactivate(auto bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}
	duration := time.Since(s.activatedAt)
	s.active = false
	s.activatedAt = time.Time{}
	s.gracePeriodEnd = time.Time{}
	s.alertedHours = make(map[uint64]bool)

	if auto {
		if s.logger != nil {
			s.logger.Info("degraded mode deactivated (auto)", "duration_seconds", duration.Seconds())
		}
		s.sink.DegradedModeDeactivatedAuto(duration)
		return
	}

	if s.logger != nil {
		s.logger.Info("degraded mode deactivated", "duration_seconds", duration.Seconds())
	}
	s.sink.DegradedModeDeactivated(duration)
}

// Status returns the current read-model snapshot.
func (s *Supervisor) Status() types.DegradedModeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := types.DegradedModeStatus{Active: s.active}
	if s.active {
		activatedAt := s.activatedAt
		graceEnd := s.gracePeriodEnd
		status.ActivatedAt = &activatedAt
		status.GracePeriodEnd = &graceEnd
	}
	return status
}

// CheckAlerts compares elapsed time since activation against the configured
// thresholds, firing DegradedModeAlert at most once per threshold, and
// emitting a terminal warning once the grace period has elapsed. Intended to
// be called on a 1h timer (magic.DefaultAlertCadence) by the core engine;
// takes no action when not currently active.
func (s *Supervisor) CheckAlerts() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}

	elapsedHours := uint64(time.Since(s.activatedAt).Hours())
	for _, threshold := range s.cfg.AlertThresholdsHours {
		if elapsedHours < threshold || s.alertedHours[threshold] {
			continue
		}
		s.alertedHours[threshold] = true
		s.sink.DegradedModeAlert(threshold)
	}

	if time.Now().UTC().After(s.gracePeriodEnd) && s.logger != nil {
		s.logger.Error("degraded mode grace period has elapsed; valid GRACE secrets, if any, still validate")
	}
}

// IsActive reports whether degraded mode is currently active.
func (s *Supervisor) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}
