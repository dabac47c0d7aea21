// Copyright (c) 2025 Justin Cranford

// Package magic collects named defaults for the license agent so no bare
// literal for a port, duration, or path needs repeating across packages.
package magic

import "time"

const (
	// DefaultConfigPath is where the daemon looks for its TOML config absent a flag override.
	DefaultConfigPath = "/etc/license-agent/config.toml"
	// DefaultStatePath is the secret-store JSON snapshot.
	DefaultStatePath = "/var/lib/license-agent/state.json"
	// DefaultAuditLogPath is the append-only JSON-lines audit sink.
	DefaultAuditLogPath = "/var/log/license-agent/audit.log"
	// DefaultIPCSocketPath is the Unix-domain socket the daemon listens on.
	DefaultIPCSocketPath = "/var/run/license-agent.sock"
	// DefaultNVStorePath is the sqlite file backing the sealed-blob NV-index fallback.
	DefaultNVStorePath = "/var/lib/license-agent/nvstore.db"
	// DefaultAgentKeyPath is the JWK file holding the agent's own RSA keypair,
	// used to sign rotation requests and decrypt rotation responses.
	DefaultAgentKeyPath = "/var/lib/license-agent/agent-key.jwk"

	// DefaultRotationIntervalSeconds is how often the periodic rotation timer ticks.
	DefaultRotationIntervalSeconds = 86400
	// DefaultGracePeriodSeconds is the agent-side fallback grace window.
	DefaultGracePeriodSeconds = 604800
	// DefaultRotationThresholdSeconds is the remaining-lifetime horizon that triggers proactive rotation.
	DefaultRotationThresholdSeconds = 3600
	// DefaultHTTPTimeoutSeconds bounds a single rotation HTTPS call.
	DefaultHTTPTimeoutSeconds = 30
	// DefaultMaxRotationRetries bounds retryable rotation attempts.
	DefaultMaxRotationRetries = 3
	// DefaultBaseRetryDelaySeconds is the base of the exponential backoff.
	DefaultBaseRetryDelaySeconds = 1

	// DefaultDegradedGracePeriodDays bounds how long degraded mode is tolerated before a terminal alert.
	DefaultDegradedGracePeriodDays = 7
	// DefaultDegradedRetryIntervalSeconds is the degraded-mode rotation retry cadence.
	DefaultDegradedRetryIntervalSeconds = 300
	// DefaultAlertCadence is how often the alerting timer wakes to check thresholds.
	DefaultAlertCadence = 1 * time.Hour
	// DefaultCleanupCadence is how often expired GRACE secrets are swept.
	DefaultCleanupCadence = 1 * time.Hour

	// SecretKeySizeBytes is the AEAD key size mandated by the wire format (AES-256).
	SecretKeySizeBytes = 32
	// TokenVersionFieldBytes is the big-endian secret-version header width.
	TokenVersionFieldBytes = 8
	// TokenNonceFieldBytes is the AES-GCM nonce width.
	TokenNonceFieldBytes = 12
	// TokenTagFieldBytes is the AES-GCM authentication tag width.
	TokenTagFieldBytes = 16
	// MinTokenBytes is the minimum plausible decoded token length (version+nonce+tag, zero-length ciphertext).
	MinTokenBytes = TokenVersionFieldBytes + TokenNonceFieldBytes + TokenTagFieldBytes

	// RotationNonceBytes is the width of the random nonce in a rotate-secret request.
	RotationNonceBytes = 16
	// AgentRSAKeyBits is the RSA modulus size generated for new agents.
	AgentRSAKeyBits = 2048

	// IPCMaxMessageBytes bounds a single framed IPC message (request or response).
	IPCMaxMessageBytes = 1 << 20 // 1 MiB
	// IPCFrameLengthBytes is the width of the big-endian length prefix.
	IPCFrameLengthBytes = 4

	// DefaultAdminHTTPPort is 0 (disabled) until an operator opts in.
	DefaultAdminHTTPPort = 0
	// DefaultCLITotpSecretPath is the default of the daemon's
	// management.cli_totp_secret_path key. The CLI does not read that key:
	// its TOTP gating uses only the --totp-secret flag.
	DefaultCLITotpSecretPath = "/etc/license-agent/cli-totp.secret"
	// CLITotpSkew is the number of 30s steps of clock drift the CLI tolerates.
	CLITotpSkew = 1

	// OTLPServiceName identifies this daemon's telemetry in traces/metrics/logs.
	OTLPServiceName = "license-agent"
)

// AlertThresholdsHours are the default degraded-mode re-alert checkpoints.
func DefaultAlertThresholdsHours() []uint64 { return []uint64{24, 72, 144} }
