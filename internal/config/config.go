// Copyright (c) 2025 Justin Cranford

// Package config loads the daemon's TOML configuration file through viper,
// bound to a pflag.FlagSet so command-line overrides win over file values and
// file values win over the defaults set below.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"license-agent/internal/apperr"
	"license-agent/internal/magic"
)

// ServerSettings is the `[server]` TOML section.
type ServerSettings struct {
	URL            string `mapstructure:"url"`
	CertPin        string `mapstructure:"cert_pin"`
	ClientCert     string `mapstructure:"client_cert"`
	ClientKey      string `mapstructure:"client_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// AgentSettings is the `[agent]` TOML section.
type AgentSettings struct {
	ID                       string `mapstructure:"id"`
	KeyPath                  string `mapstructure:"key_path"`
	RotationInterval         int    `mapstructure:"rotation_interval"`
	GracePeriod              int    `mapstructure:"grace_period"`
	RotationThresholdSeconds int    `mapstructure:"rotation_threshold_seconds"`
}

// TpmSettings is the `[tpm]` TOML section.
type TpmSettings struct {
	Enabled                  bool   `mapstructure:"enabled"`
	FallbackEncryptedStorage string `mapstructure:"fallback_encrypted_storage"`
}

// ManagementSettings is the `[management]` TOML section.
type ManagementSettings struct {
	AllowedUIDs       []int64 `mapstructure:"allowed_uids"`
	IPCSocketPath     string  `mapstructure:"ipc_socket_path"`
	AdminHTTPPort     int     `mapstructure:"admin_http_port"`
	AdminHTTPBindHost string  `mapstructure:"admin_http_bind_host"`
	CLITotpSecretPath string  `mapstructure:"cli_totp_secret_path"`
}

// DegradedModeSettings is the `[degraded_mode]` TOML section.
type DegradedModeSettings struct {
	Enabled                   bool     `mapstructure:"enabled"`
	GracePeriodDays           int      `mapstructure:"grace_period_days"`
	RetryIntervalSeconds      int      `mapstructure:"retry_interval_seconds"`
	AutoDeactivateOnReconnect bool     `mapstructure:"auto_deactivate_on_reconnect"`
	AlertThresholdsHours      []uint64 `mapstructure:"alert_thresholds_hours"`
}

// Config is the fully-resolved daemon configuration.
type Config struct {
	StatePath    string `mapstructure:"state_path"`
	AuditLogPath string `mapstructure:"audit_log_path"`

	Server       ServerSettings       `mapstructure:"server"`
	Agent        AgentSettings        `mapstructure:"agent"`
	Tpm          TpmSettings          `mapstructure:"tpm"`
	Management   ManagementSettings   `mapstructure:"management"`
	DegradedMode DegradedModeSettings `mapstructure:"degraded_mode"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_path", magic.DefaultStatePath)
	v.SetDefault("audit_log_path", magic.DefaultAuditLogPath)

	v.SetDefault("server.timeout_seconds", magic.DefaultHTTPTimeoutSeconds)

	v.SetDefault("agent.key_path", magic.DefaultAgentKeyPath)
	v.SetDefault("agent.rotation_interval", magic.DefaultRotationIntervalSeconds)
	v.SetDefault("agent.grace_period", magic.DefaultGracePeriodSeconds)
	v.SetDefault("agent.rotation_threshold_seconds", magic.DefaultRotationThresholdSeconds)

	v.SetDefault("tpm.enabled", false)
	v.SetDefault("tpm.fallback_encrypted_storage", magic.DefaultNVStorePath)

	v.SetDefault("management.ipc_socket_path", magic.DefaultIPCSocketPath)
	v.SetDefault("management.admin_http_port", magic.DefaultAdminHTTPPort)
	v.SetDefault("management.admin_http_bind_host", "127.0.0.1")
	v.SetDefault("management.allowed_uids", []int64{})
	v.SetDefault("management.cli_totp_secret_path", magic.DefaultCLITotpSecretPath)

	v.SetDefault("degraded_mode.enabled", true)
	v.SetDefault("degraded_mode.grace_period_days", magic.DefaultDegradedGracePeriodDays)
	v.SetDefault("degraded_mode.retry_interval_seconds", magic.DefaultDegradedRetryIntervalSeconds)
	v.SetDefault("degraded_mode.auto_deactivate_on_reconnect", true)
	v.SetDefault("degraded_mode.alert_thresholds_hours", magic.DefaultAlertThresholdsHours())
}

func bindFlags(fs *pflag.FlagSet) {
	if fs.Lookup("config") == nil {
		fs.String("config", magic.DefaultConfigPath, "path to the daemon's TOML configuration file")
	}
	if fs.Lookup("server-url") == nil {
		fs.String("server-url", "", "override server.url")
	}
	if fs.Lookup("ipc-socket-path") == nil {
		fs.String("ipc-socket-path", "", "override management.ipc_socket_path")
	}
	if fs.Lookup("admin-http-port") == nil {
		fs.Int("admin-http-port", 0, "override management.admin_http_port (0 disables the admin HTTP surface)")
	}
}

// ParseWithFlagSet loads configuration from the TOML file named by --config
// (default magic.DefaultConfigPath), with fs's flags bound on top and
// LICENSE_AGENT_-prefixed environment variables taking precedence over the
// file. allowUnknown controls whether fs.Parse rejects flags it doesn't
// recognize.
func ParseWithFlagSet(fs *pflag.FlagSet, args []string, allowUnknown bool) (*Config, error) {
	bindFlags(fs)

	if allowUnknown {
		fs.ParseErrorsWhitelist.UnknownFlags = true
	}
	if err := fs.Parse(args); err != nil {
		return nil, apperr.NewConfigError("failed to parse flags", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LICENSE_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, apperr.NewConfigError("failed to bind flags", err)
	}

	configPath, _ := fs.GetString("config")
	if configPath == "" {
		configPath = magic.DefaultConfigPath
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, apperr.NewConfigError(fmt.Sprintf("failed to read config file %s", configPath), err)
		}
	}

	applyOverrideFlag(v, fs, "server-url", "server.url")
	applyOverrideFlag(v, fs, "ipc-socket-path", "management.ipc_socket_path")
	applyOverrideFlag(v, fs, "admin-http-port", "management.admin_http_port")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, apperr.NewConfigError("failed to unmarshal configuration", err)
	}

	if err := validateSettings(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyOverrideFlag(v *viper.Viper, fs *pflag.FlagSet, flagName, key string) {
	flag := fs.Lookup(flagName)
	if flag == nil || !flag.Changed {
		return
	}
	v.Set(key, flag.Value.String())
}

// Parse delegates to ParseWithFlagSet using pflag.CommandLine.
func Parse(args []string, allowUnknown bool) (*Config, error) {
	return ParseWithFlagSet(pflag.CommandLine, args, allowUnknown)
}

// validateSettings enforces the load-time invariants spec.md §7 calls fatal:
// an invalid or missing required value aborts startup rather than running
// partially.
func validateSettings(cfg *Config) error {
	if cfg.Server.URL != "" && !strings.HasPrefix(cfg.Server.URL, "https://") {
		return apperr.NewConfigError(fmt.Sprintf("server.url must start with https://, got %q", cfg.Server.URL), nil)
	}
	if cfg.Management.IPCSocketPath == "" {
		return apperr.NewConfigError("management.ipc_socket_path must not be empty", nil)
	}
	if cfg.Agent.RotationInterval <= 0 {
		return apperr.NewConfigError("agent.rotation_interval must be positive", nil)
	}
	if cfg.Agent.GracePeriod <= 0 {
		return apperr.NewConfigError("agent.grace_period must be positive", nil)
	}
	return nil
}

// NewTestConfig builds a minimal in-memory Config for unit tests, bypassing
// the file system entirely.
func NewTestConfig(agentID string, adminHTTPPort int, tpmEnabled bool) *Config {
	cfg := &Config{
		StatePath:    magic.DefaultStatePath,
		AuditLogPath: magic.DefaultAuditLogPath,
		Server: ServerSettings{
			URL:            "https://license.example.test",
			TimeoutSeconds: magic.DefaultHTTPTimeoutSeconds,
		},
		Agent: AgentSettings{
			ID:                       agentID,
			KeyPath:                  magic.DefaultAgentKeyPath,
			RotationInterval:         magic.DefaultRotationIntervalSeconds,
			GracePeriod:              magic.DefaultGracePeriodSeconds,
			RotationThresholdSeconds: magic.DefaultRotationThresholdSeconds,
		},
		Tpm: TpmSettings{
			Enabled:                  tpmEnabled,
			FallbackEncryptedStorage: magic.DefaultNVStorePath,
		},
		Management: ManagementSettings{
			IPCSocketPath: magic.DefaultIPCSocketPath,
			AdminHTTPPort: adminHTTPPort,
		}, // CLITotpSecretPath left empty: TOTP gating disabled in test configs
		DegradedMode: DegradedModeSettings{
			Enabled:                   true,
			GracePeriodDays:           magic.DefaultDegradedGracePeriodDays,
			RetryIntervalSeconds:      magic.DefaultDegradedRetryIntervalSeconds,
			AutoDeactivateOnReconnect: true,
			AlertThresholdsHours:      magic.DefaultAlertThresholdsHours(),
		},
	}
	return cfg
}

// DefaultTestConfig is NewTestConfig with a fixed agent id and the admin HTTP
// surface disabled.
func DefaultTestConfig() *Config {
	return NewTestConfig("test-agent", 0, false)
}
