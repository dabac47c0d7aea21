// Copyright (c) 2025 Justin Cranford

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"license-agent/internal/magic"
)

func writeTOML(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParseWithFlagSet_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := writeTOML(t, dir, `
[server]
url = "https://license.example.com"

[agent]
id = "agent-1"
`)

	fs := pflag.NewFlagSet("test-defaults", pflag.ContinueOnError)
	cfg, err := ParseWithFlagSet(fs, []string{"--config=" + path}, false)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, "https://license.example.com", cfg.Server.URL)
	require.Equal(t, "agent-1", cfg.Agent.ID)
	require.Equal(t, magic.DefaultRotationIntervalSeconds, cfg.Agent.RotationInterval)
	require.Equal(t, magic.DefaultIPCSocketPath, cfg.Management.IPCSocketPath)
}

func TestParseWithFlagSet_RejectsNonHTTPSServerURL(t *testing.T) {
	dir := t.TempDir()
	path := writeTOML(t, dir, `
[server]
url = "http://license.example.com"
`)

	fs := pflag.NewFlagSet("test-bad-url", pflag.ContinueOnError)
	_, err := ParseWithFlagSet(fs, []string{"--config=" + path}, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must start with https://")
}

func TestParseWithFlagSet_MissingFileUsesDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test-missing", pflag.ContinueOnError)
	cfg, err := ParseWithFlagSet(fs, []string{"--config=/nonexistent/path/config.toml"}, false)
	require.NoError(t, err)
	require.Equal(t, magic.DefaultIPCSocketPath, cfg.Management.IPCSocketPath)
}

func TestParseWithFlagSet_AdminHTTPPortOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeTOML(t, dir, `
[server]
url = "https://license.example.com"
`)

	fs := pflag.NewFlagSet("test-admin-port", pflag.ContinueOnError)
	cfg, err := ParseWithFlagSet(fs, []string{"--config=" + path, "--admin-http-port=9090"}, false)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Management.AdminHTTPPort)
}

func TestParseWithFlagSet_InvalidFlag(t *testing.T) {
	fs := pflag.NewFlagSet("test-invalid", pflag.ContinueOnError)
	_, err := ParseWithFlagSet(fs, []string{"--nonexistent-flag=true"}, false)
	require.Error(t, err)
}

func TestValidateSettings_RejectsEmptySocketPath(t *testing.T) {
	t.Parallel()

	cfg := DefaultTestConfig()
	cfg.Management.IPCSocketPath = ""
	err := validateSettings(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ipc_socket_path")
}

func TestValidateSettings_RejectsNonPositiveRotationInterval(t *testing.T) {
	t.Parallel()

	cfg := DefaultTestConfig()
	cfg.Agent.RotationInterval = 0
	err := validateSettings(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rotation_interval")
}

func TestNewTestConfig(t *testing.T) {
	t.Parallel()

	cfg := NewTestConfig("agent-xyz", 8080, true)
	require.Equal(t, "agent-xyz", cfg.Agent.ID)
	require.Equal(t, 8080, cfg.Management.AdminHTTPPort)
	require.True(t, cfg.Tpm.Enabled)
}

func TestDefaultTestConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultTestConfig()
	require.Equal(t, "test-agent", cfg.Agent.ID)
	require.Equal(t, 0, cfg.Management.AdminHTTPPort)
	require.False(t, cfg.Tpm.Enabled)
}
