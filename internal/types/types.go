// Copyright (c) 2025 Justin Cranford

// Package types holds the wire and state-file data shapes shared across the
// license agent's subsystems: secret metadata, validation results, and the
// read-model types the status/metrics/tpm_status CLI commands return.
package types

import "time"

// SecretState is a position in the ABSENT -> ACTIVE -> GRACE -> INVALID
// lifecycle. ABSENT is never persisted; it is the zero value returned for an
// unknown version.
type SecretState string

const (
	SecretStateAbsent  SecretState = "ABSENT"
	SecretStateActive  SecretState = "ACTIVE"
	SecretStateGrace   SecretState = "GRACE"
	SecretStateInvalid SecretState = "INVALID"
)

// RotationSource records why a secret version came into existence.
type RotationSource string

const (
	RotationSourceAutomatic RotationSource = "AUTOMATIC"
	RotationSourceManual    RotationSource = "MANUAL"
	RotationSourceRecovery  RotationSource = "RECOVERY"
)

// SecretMetadata is the non-sensitive, freely serializable half of a Secret.
type SecretMetadata struct {
	Version            uint64         `json:"version"`
	State              SecretState    `json:"state"`
	ValidFrom          time.Time      `json:"valid_from"`
	ValidUntil         time.Time      `json:"valid_until"`
	GraceUntil         *time.Time     `json:"grace_until,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	LastUsedAt         *time.Time     `json:"last_used_at,omitempty"`
	RotationSource     RotationSource `json:"rotation_source"`
	InvalidationReason *string        `json:"invalidation_reason,omitempty"`
}

// Secret is the 32-byte AEAD key plus its metadata. Key must be zeroed by
// Scrub before the struct is released; callers holding a Secret returned from
// the store are responsible for calling Scrub when done with it.
type Secret struct {
	Key      [32]byte
	Metadata SecretMetadata
}

// Scrub zeroes the key bytes in place. Safe to call more than once.
func (s *Secret) Scrub() {
	for i := range s.Key {
		s.Key[i] = 0
	}
}

// StoreState is the on-disk snapshot persisted atomically after every
// state-changing secret-store operation.
type StoreState struct {
	Secrets       map[uint64]SecretMetadata `json:"secrets"`
	ActiveVersion *uint64                   `json:"active_version,omitempty"`
	LastUpdated   time.Time                 `json:"last_updated"`
}

// LicenseInfo is the plaintext payload carried inside a validated token.
type LicenseInfo struct {
	LicenseID  string                 `json:"license_id"`
	CustomerID string                 `json:"customer_id"`
	Features   []string               `json:"features"`
	ExpiresAt  time.Time              `json:"expires_at"`
	Metadata   map[string]interface{} `json:"metadata"`
	IssuedAt   time.Time              `json:"issued_at"`
}

// ValidationResult is what the validator and, ultimately, the IPC server
// return for a validate request. Valid=false carries a short Error string
// under the uniform LicenseValidationFailed policy: unknown version, bad key
// or MAC, and unparseable payload all read "license validation failed"; only
// a malformed token and an expired license get messages of their own.
type ValidationResult struct {
	Valid     bool                   `json:"valid"`
	ExpiresAt *time.Time             `json:"expires_at,omitempty"`
	Features  []string               `json:"features,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// ValidateLicenseRequest is the IPC request body for the validate command.
type ValidateLicenseRequest struct {
	LicenseToken string `json:"license_token"`
	Nonce        string `json:"nonce"`
}

// ValidateLicenseResponse wraps a ValidationResult for the validate command.
type ValidateLicenseResponse struct {
	Result ValidationResult `json:"result"`
}

// TpmStatus is the sealing-provider status read model.
type TpmStatus struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Backend   string `json:"backend"`
	Detail    string `json:"detail,omitempty"`
}

// SecretInfo is a redacted, key-free view of one store entry for status
// reporting.
type SecretInfo struct {
	Version            uint64         `json:"version"`
	State              SecretState    `json:"state"`
	ValidFrom          time.Time      `json:"valid_from"`
	ValidUntil         time.Time      `json:"valid_until"`
	GraceUntil         *time.Time     `json:"grace_until,omitempty"`
	RotationSource     RotationSource `json:"rotation_source"`
	InvalidationReason *string        `json:"invalidation_reason,omitempty"`
}

// LicenseStatus carries the validation counters the original left as a TODO.
type LicenseStatus struct {
	TotalValidations      uint64     `json:"total_validations"`
	SuccessfulValidations uint64     `json:"successful_validations"`
	FailedValidations     uint64     `json:"failed_validations"`
	LastValidation        *time.Time `json:"last_validation,omitempty"`
	LastError             *string    `json:"last_error,omitempty"`
}

// DegradedModeStatus is the degraded-mode supervisor's read model.
type DegradedModeStatus struct {
	Active         bool       `json:"active"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	GracePeriodEnd *time.Time `json:"grace_period_end,omitempty"`
}

// SystemStatus is the full read model returned by the status IPC command and
// the /statusz admin HTTP endpoint.
type SystemStatus struct {
	ActiveVersion *uint64            `json:"active_version,omitempty"`
	Secrets       []SecretInfo       `json:"secrets"`
	Tpm           TpmStatus          `json:"tpm"`
	License       LicenseStatus      `json:"license"`
	DegradedMode  DegradedModeStatus `json:"degraded_mode"`
	Uptime        time.Duration      `json:"uptime_seconds"`
}
