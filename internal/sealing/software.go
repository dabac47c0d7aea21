// Copyright (c) 2025 Justin Cranford

package sealing

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"license-agent/internal/agentcrypto"
	"license-agent/internal/magic"
	"license-agent/internal/types"
)

// softwareProvider implements Provider with AES-256-GCM and a 12-byte random
// nonce prefix, keyed by a SHA-256-derived key from a configured seed.
type softwareProvider struct {
	key [magic.SecretKeySizeBytes]byte
}

func newSoftwareProvider(seed []byte) *softwareProvider {
	return &softwareProvider{key: agentcrypto.DeriveSoftwareFallbackKey(seed)}
}

func (p *softwareProvider) Seal(_ context.Context, plaintext []byte) ([]byte, error) {
	gcm, err := p.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, sealErr("failed to generate sealing nonce", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	blob := make([]byte, 0, len(nonce)+len(sealed))
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return blob, nil
}

func (p *softwareProvider) Unseal(_ context.Context, blob []byte) ([]byte, error) {
	gcm, err := p.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(blob) < nonceSize {
		return nil, sealErr("sealed blob shorter than nonce size", nil)
	}

	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, sealErr("failed to unseal blob", err)
	}
	return plaintext, nil
}

// Status always truthfully reports available=false: the software fallback
// is never the hardware-bound variant spec.md requires operators be able to
// see they've been downgraded to.
func (p *softwareProvider) Status(_ context.Context) types.TpmStatus {
	return types.TpmStatus{
		Available: false,
		Backend:   "software-aes-gcm",
		Detail:    hostDetail(),
	}
}

func (p *softwareProvider) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(p.key[:])
	if err != nil {
		return nil, sealErr("failed to construct AES cipher for sealing", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, sealErr("failed to construct AES-GCM for sealing", err)
	}
	return gcm, nil
}
