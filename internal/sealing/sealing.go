// Copyright (c) 2025 Justin Cranford

// Package sealing abstracts binding secret bytes to the local platform. Two
// variants implement Provider: a hardware-bound TPM sealer and an AES-256-GCM
// software fallback. Call sites never branch on "is TPM available" — they
// hold a Provider and call Seal/Unseal/Status uniformly.
package sealing

import (
	"context"
	"log/slog"
	"os"

	"license-agent/internal/apperr"
	"license-agent/internal/types"
)

// Provider is the sealing capability: seal bytes into an opaque blob bound
// to this host, and reverse that operation. Both operations are synchronous.
type Provider interface {
	Seal(ctx context.Context, plaintext []byte) (blob []byte, err error)
	Unseal(ctx context.Context, blob []byte) (plaintext []byte, err error)
	Status(ctx context.Context) types.TpmStatus
}

// Config selects and parameterizes a Provider.
type Config struct {
	TpmEnabled    bool
	TpmDevicePath string // e.g. /dev/tpmrm0
	FallbackSeed  []byte // LICENSE_AGENT_FALLBACK_KEY, raw bytes
}

const fallbackSeedEnvVar = "LICENSE_AGENT_FALLBACK_KEY"

// NewProvider constructs the hardware provider when cfg.TpmEnabled and the
// device is reachable, otherwise the software fallback. The software
// fallback's Status() always truthfully reports available=false so operators
// can see the downgrade, per spec.
func NewProvider(cfg Config, logger *slog.Logger) Provider {
	if cfg.TpmEnabled {
		hw, err := newHardwareProvider(cfg.TpmDevicePath)
		if err == nil {
			return hw
		}
		if logger != nil {
			logger.Warn("TPM requested but unavailable, falling back to software sealing", "error", err)
		}
	}

	seed := cfg.FallbackSeed
	if len(seed) == 0 {
		seed = []byte(os.Getenv(fallbackSeedEnvVar))
	}
	return newSoftwareProvider(seed)
}

// sealErr wraps a sealing-layer failure, hardware or software, in an
// apperr.Error with KindTpmError.
func sealErr(summary string, err error) error {
	return apperr.NewTpmError(summary, err)
}
