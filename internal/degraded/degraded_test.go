// Copyright (c) 2025 Justin Cranford

package degraded_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"license-agent/internal/degraded"
)

type fakeSink struct {
	mu              sync.Mutex
	activated       int
	deactivated     int
	deactivatedAuto int
	alerts          []uint64
}

func (f *fakeSink) DegradedModeActivated() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated++
}

func (f *fakeSink) DegradedModeDeactivated(time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated++
}

func (f *fakeSink) DegradedModeDeactivatedAuto(time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivatedAuto++
}

func (f *fakeSink) DegradedModeAlert(threshold uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, threshold)
}

func TestSupervisor_Activate_IsIdempotent(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	sup := degraded.New(degraded.Config{Enabled: true, GracePeriodDays: 7}, sink, nil)

	sup.Activate()
	first := sup.Status()
	sup.Activate()
	second := sup.Status()

	require.Equal(t, 1, sink.activated)
	require.Equal(t, *first.ActivatedAt, *second.ActivatedAt)
}

func TestSupervisor_Deactivate_NoopWhenNotActive(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	sup := degraded.New(degraded.Config{}, sink, nil)
	sup.Deactivate()

	require.Equal(t, 0, sink.deactivated)
	require.False(t, sup.IsActive())
}

func TestSupervisor_Deactivate_ClearsState(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	sup := degraded.New(degraded.Config{Enabled: true, GracePeriodDays: 7}, sink, nil)
	sup.Activate()
	require.True(t, sup.IsActive())

	sup.Deactivate()
	require.False(t, sup.IsActive())
	require.Equal(t, 1, sink.deactivated)

	status := sup.Status()
	require.False(t, status.Active)
	require.Nil(t, status.ActivatedAt)
}

func TestSupervisor_OnRotationSucceeded_RespectsAutoDeactivateFlag(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	sup := degraded.New(degraded.Config{Enabled: true, GracePeriodDays: 7, AutoDeactivateOnReconnect: false}, sink, nil)
	sup.Activate()

	sup.OnRotationSucceeded()
	require.True(t, sup.IsActive())

	sink2 := &fakeSink{}
	sup2 := degraded.New(degraded.Config{Enabled: true, GracePeriodDays: 7, AutoDeactivateOnReconnect: true}, sink2, nil)
	sup2.Activate()
	sup2.OnRotationSucceeded()
	require.False(t, sup2.IsActive())
}

func TestSupervisor_OnRotationSucceeded_EmitsDistinctAutoEvent(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	sup := degraded.New(degraded.Config{Enabled: true, GracePeriodDays: 7, AutoDeactivateOnReconnect: true}, sink, nil)
	sup.Activate()

	sup.OnRotationSucceeded()

	require.Equal(t, 1, sink.deactivatedAuto)
	require.Equal(t, 0, sink.deactivated)
}

func TestSupervisor_Deactivate_EmitsManualEventNotAuto(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	sup := degraded.New(degraded.Config{Enabled: true, GracePeriodDays: 7}, sink, nil)
	sup.Activate()

	sup.Deactivate()

	require.Equal(t, 1, sink.deactivated)
	require.Equal(t, 0, sink.deactivatedAuto)
}

func TestSupervisor_Activate_NoopWhenDisabled(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	sup := degraded.New(degraded.Config{Enabled: false, GracePeriodDays: 7}, sink, nil)

	sup.Activate()

	require.False(t, sup.IsActive())
	require.Equal(t, 0, sink.activated)
}

func TestSupervisor_CheckAlerts_FiresOncePerThreshold(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	sup := degraded.New(degraded.Config{Enabled: true, GracePeriodDays: 30, AlertThresholdsHours: []uint64{0}}, sink, nil)
	sup.Activate()

	sup.CheckAlerts()
	sup.CheckAlerts()
	sup.CheckAlerts()

	require.Equal(t, []uint64{0}, sink.alerts)
}

func TestSupervisor_CheckAlerts_NoopWhenInactive(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	sup := degraded.New(degraded.Config{AlertThresholdsHours: []uint64{0}}, sink, nil)
	sup.CheckAlerts()

	require.Empty(t, sink.alerts)
}

func TestSupervisor_Status_ReportsInactiveByDefault(t *testing.T) {
	t.Parallel()

	sup := degraded.New(degraded.Config{}, nil, nil)
	status := sup.Status()

	require.False(t, status.Active)
	require.Nil(t, status.ActivatedAt)
	require.Nil(t, status.GracePeriodEnd)
}
