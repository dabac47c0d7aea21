// Copyright (c) 2025 Justin Cranford

package engine_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"license-agent/internal/config"
	"license-agent/internal/engine"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultTestConfig()
	cfg.StatePath = filepath.Join(dir, "state.json")
	cfg.AuditLogPath = filepath.Join(dir, "audit.log")
	cfg.Agent.KeyPath = filepath.Join(dir, "agent-key.jwk")
	cfg.Management.IPCSocketPath = filepath.Join(dir, "agent.sock")
	cfg.Tpm.FallbackEncryptedStorage = ""
	return cfg
}

func TestNew_ConstructsWithoutError(t *testing.T) {
	t.Parallel()

	e, err := engine.New(testConfig(t), nil)
	require.NoError(t, err)
	require.NotNil(t, e)
}

func TestEngine_Status_ReportsEmptyStoreAndSoftwareSealing(t *testing.T) {
	t.Parallel()

	e, err := engine.New(testConfig(t), nil)
	require.NoError(t, err)

	status, err := e.Status()
	require.NoError(t, err)
	require.Nil(t, status.ActiveVersion)
	require.Empty(t, status.Secrets)
	require.False(t, status.Tpm.Available)
	require.False(t, status.DegradedMode.Active)
}

func TestEngine_TpmStatus_MatchesSoftwareFallback(t *testing.T) {
	t.Parallel()

	e, err := engine.New(testConfig(t), nil)
	require.NoError(t, err)

	status, err := e.TpmStatus()
	require.NoError(t, err)
	require.Equal(t, "software-aes-gcm", status.Backend)
}

func TestEngine_Invalidate_UnknownVersionErrors(t *testing.T) {
	t.Parallel()

	e, err := engine.New(testConfig(t), nil)
	require.NoError(t, err)

	err = e.Invalidate(99, "operator requested")
	require.Error(t, err)
}

func TestEngine_DegradedMode_ManualToggleRoundTrips(t *testing.T) {
	t.Parallel()

	e, err := engine.New(testConfig(t), nil)
	require.NoError(t, err)

	enable := true
	status, err := e.DegradedMode(&enable)
	require.NoError(t, err)
	require.True(t, status.Active)

	disable := false
	status, err = e.DegradedMode(&disable)
	require.NoError(t, err)
	require.False(t, status.Active)
}

func TestEngine_Reset_DeactivatesDegradedMode(t *testing.T) {
	t.Parallel()

	e, err := engine.New(testConfig(t), nil)
	require.NoError(t, err)

	enable := true
	_, err = e.DegradedMode(&enable)
	require.NoError(t, err)

	require.NoError(t, e.Reset(false))
	status, err := e.DegradedMode(nil)
	require.NoError(t, err)
	require.False(t, status.Active)
}

func TestEngine_Reset_Wipe_LeavesStoreEmptyAndDegradedModeCleared(t *testing.T) {
	t.Parallel()

	e, err := engine.New(testConfig(t), nil)
	require.NoError(t, err)

	enable := true
	_, err = e.DegradedMode(&enable)
	require.NoError(t, err)

	require.NoError(t, e.Reset(true))

	status, err := e.Status()
	require.NoError(t, err)
	require.Empty(t, status.Secrets)
	require.Nil(t, status.ActiveVersion)
	require.False(t, status.DegradedMode.Active)
}

func TestEngine_Metrics_TracksValidationCounters(t *testing.T) {
	t.Parallel()

	e, err := engine.New(testConfig(t), nil)
	require.NoError(t, err)

	metrics, err := e.Metrics()
	require.NoError(t, err)
	require.Equal(t, uint64(0), metrics["total_validations"])
}

func TestEngine_StartAndShutdown_RunsCleanly(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Agent.RotationInterval = 3600
	cfg.DegradedMode.RetryIntervalSeconds = 3600

	e, err := engine.New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.Start(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not shut down in time")
	}
}
