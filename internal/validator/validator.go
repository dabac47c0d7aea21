// Copyright (c) 2025 Justin Cranford

// Package validator implements the token validation path (spec.md §4.3): a
// constant-time AEAD decryption pipeline that resolves the right secret by
// embedded version, enforces temporal validity, and collapses every internal
// failure mode to a single uniform LicenseValidationFailed kind so
// token-probing cannot distinguish "no such version" from "bad MAC" from
// "expired".
package validator

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"

	"license-agent/internal/agentcrypto"
	"license-agent/internal/apperr"
	"license-agent/internal/magic"
	"license-agent/internal/types"
)

// SecretSource is the slice of *secretstore.Store the validator depends on.
// Kept narrow so it can be faked in tests without constructing a whole store.
type SecretSource interface {
	Get(version uint64) (*types.Secret, error)
	TouchLastUsed(version uint64) error
}

// Validator resolves and AEAD-decrypts license tokens against a secret
// store. It is stateless beyond the store reference and safe for concurrent
// use from multiple IPC connections.
type Validator struct {
	store  SecretSource
	logger *slog.Logger
}

// New constructs a Validator over store. logger may be nil.
func New(store SecretSource, logger *slog.Logger) *Validator {
	return &Validator{store: store, logger: logger}
}

// Validate runs the full algorithm from spec.md §4.3 and never returns a
// Go error: every failure is folded into ValidationResult{Valid: false}.
func (v *Validator) Validate(tokenB64 string) types.ValidationResult {
	raw, ok := v.decode(tokenB64)
	if !ok {
		return fail("malformed license token")
	}

	parsed, ok := v.parseHeader(raw)
	if !ok {
		return fail("malformed license token")
	}

	secret, ok := v.resolveSecret(parsed.Version)
	if !ok {
		return fail("license validation failed")
	}
	defer secret.Scrub()
	resolvedVersion := secret.Metadata.Version

	plaintext, ok := v.decrypt(secret.Key[:], parsed)
	if !ok {
		return fail("license validation failed")
	}
	defer zero(plaintext)

	var license types.LicenseInfo
	if err := json.Unmarshal(plaintext, &license); err != nil {
		v.logFailure("failed to parse license payload", err)
		return fail("license validation failed")
	}

	if time.Now().UTC().After(license.ExpiresAt) {
		return fail("license expired at " + license.ExpiresAt.Format(time.RFC3339))
	}

	if err := v.store.TouchLastUsed(resolvedVersion); err != nil && v.logger != nil {
		v.logger.Warn("failed to record last_used_at", "version", resolvedVersion, "error", err)
	}

	return types.ValidationResult{
		Valid:     true,
		ExpiresAt: &license.ExpiresAt,
		Features:  license.Features,
		Metadata:  license.Metadata,
	}
}

func (v *Validator) decode(tokenB64 string) ([]byte, bool) {
	raw, err := base64.StdEncoding.DecodeString(tokenB64)
	if err != nil {
		v.logFailure("failed to base64-decode license token", err)
		return nil, false
	}
	if len(raw) < magic.MinTokenBytes {
		v.logFailure("license token shorter than minimum frame", nil)
		return nil, false
	}
	return raw, true
}

func (v *Validator) parseHeader(raw []byte) (*agentcrypto.ParsedToken, bool) {
	parsed, err := agentcrypto.ParseTokenHeader(raw)
	if err != nil {
		v.logFailure("failed to parse license token header", err)
		return nil, false
	}
	return parsed, true
}

// resolveSecret fetches the token's embedded version from the store. Get
// itself accepts either ACTIVE or GRACE state and rejects ABSENT, INVALID,
// and temporally-expired versions (spec.md §4.2), which is exactly "try
// active_version; else scan GRACE versions" collapsed into one lookup keyed
// by the version the token already names. resolveSecret deliberately returns
// only a bool, never distinguishing SecretNotFound from SecretExpired from
// SecretInvalid to the caller, so the uniform LicenseValidationFailed kind
// carries no version-discovery signal.
func (v *Validator) resolveSecret(version uint64) (*types.Secret, bool) {
	secret, err := v.store.Get(version)
	if err != nil {
		return nil, false
	}
	return secret, true
}

func (v *Validator) decrypt(key []byte, parsed *agentcrypto.ParsedToken) ([]byte, bool) {
	plaintext, err := agentcrypto.DecryptToken(key, parsed)
	if err != nil {
		v.logFailure("AEAD decryption failed", err)
		return nil, false
	}
	return plaintext, true
}

func (v *Validator) logFailure(summary string, err error) {
	if v.logger == nil {
		return
	}
	v.logger.Debug(summary, "error", err, "kind", apperr.KindLicenseValidationFailed)
}

func fail(reason string) types.ValidationResult {
	return types.ValidationResult{Valid: false, Error: reason}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
