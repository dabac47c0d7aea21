// Copyright (c) 2025 Justin Cranford

// Package agentcrypto implements the raw cryptographic primitives the wire
// format and rotation protocol are pinned to: AES-256-GCM token encryption,
// RSA-OAEP/SHA-256 envelope encryption, RSA-PSS/SHA-256 signing, and a
// constant-time byte comparator. Nothing here is generic crypto plumbing —
// every function signature matches one spec'd algorithm step.
package agentcrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"license-agent/internal/apperr"
	"license-agent/internal/magic"
)

// EncryptToken builds the on-wire token format: version (8 bytes BE) ∥ nonce
// (12 bytes) ∥ AES-256-GCM(ciphertext ∥ tag). key must be 32 bytes.
func EncryptToken(key []byte, version uint64, plaintext []byte) ([]byte, error) {
	if len(key) != magic.SecretKeySizeBytes {
		return nil, apperr.NewCryptoError(fmt.Sprintf("key must be %d bytes, got %d", magic.SecretKeySizeBytes, len(key)), nil)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.NewCryptoError("failed to construct AES cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, magic.TokenNonceFieldBytes)
	if err != nil {
		return nil, apperr.NewCryptoError("failed to construct AES-GCM", err)
	}

	nonce := make([]byte, magic.TokenNonceFieldBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperr.NewCryptoError("failed to generate nonce", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, magic.TokenVersionFieldBytes+len(nonce)+len(sealed))
	var versionBytes [magic.TokenVersionFieldBytes]byte
	binary.BigEndian.PutUint64(versionBytes[:], version)
	out = append(out, versionBytes[:]...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// ParsedToken is the fixed header parsed out of a raw (post-base64-decode)
// token, before AEAD decryption is attempted.
type ParsedToken struct {
	Version           uint64
	Nonce             []byte
	CiphertextWithTag []byte
}

// ParseTokenHeader splits a decoded token into its header fields. Callers
// must treat any error here as LicenseValidationFailed, never surface it
// verbatim.
func ParseTokenHeader(raw []byte) (*ParsedToken, error) {
	if len(raw) < magic.MinTokenBytes {
		return nil, apperr.NewCryptoError(fmt.Sprintf("token too short: %d bytes", len(raw)), nil)
	}
	version := binary.BigEndian.Uint64(raw[0:magic.TokenVersionFieldBytes])
	nonce := raw[magic.TokenVersionFieldBytes : magic.TokenVersionFieldBytes+magic.TokenNonceFieldBytes]
	ciphertextWithTag := raw[magic.TokenVersionFieldBytes+magic.TokenNonceFieldBytes:]
	return &ParsedToken{Version: version, Nonce: nonce, CiphertextWithTag: ciphertextWithTag}, nil
}

// DecryptToken AEAD-decrypts a parsed token's ciphertext∥tag with key.
func DecryptToken(key []byte, parsed *ParsedToken) ([]byte, error) {
	if len(key) != magic.SecretKeySizeBytes {
		return nil, apperr.NewCryptoError(fmt.Sprintf("key must be %d bytes, got %d", magic.SecretKeySizeBytes, len(key)), nil)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.NewCryptoError("failed to construct AES cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, magic.TokenNonceFieldBytes)
	if err != nil {
		return nil, apperr.NewCryptoError("failed to construct AES-GCM", err)
	}

	plaintext, err := gcm.Open(nil, parsed.Nonce, parsed.CiphertextWithTag, nil)
	if err != nil {
		return nil, apperr.NewCryptoError("decryption failed", err)
	}
	return plaintext, nil
}

// EncryptOAEP implements the server-side half of the rotation envelope:
// RSA-OAEP/SHA-256 of m under pub. Used by tests exercising the full round
// trip against the agent's own keypair.
func EncryptOAEP(pub *rsa.PublicKey, m []byte) ([]byte, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, m, nil)
	if err != nil {
		return nil, apperr.NewCryptoError("RSA-OAEP encryption failed", err)
	}
	return ciphertext, nil
}

// DecryptOAEP reverses EncryptOAEP with the agent's private key. This is the
// step the rotation client runs against new_secret_encrypted.
func DecryptOAEP(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, apperr.NewCryptoError("RSA-OAEP decryption failed", err)
	}
	return plaintext, nil
}

// SignPSS signs m with RSA-PSS/SHA-256, used to sign outbound rotation
// requests.
func SignPSS(priv *rsa.PrivateKey, m []byte) ([]byte, error) {
	digest := sha256.Sum256(m)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], nil)
	if err != nil {
		return nil, apperr.NewCryptoError("RSA-PSS signing failed", err)
	}
	return sig, nil
}

// VerifyPSS verifies sig over m against pub, used to verify the server's
// rotation response signature.
func VerifyPSS(pub *rsa.PublicKey, m, sig []byte) bool {
	digest := sha256.Sum256(m)
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil) == nil
}

// ConstantTimeCompare reports whether a and b are byte-equal, in time
// independent of where they first differ. Inputs of unequal length return
// false immediately, so timing reveals a length mismatch but not content.
func ConstantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// DeriveSoftwareFallbackKey derives the software-sealing KEK from a seed
// (LICENSE_AGENT_FALLBACK_KEY) via SHA-256, matching the sealing provider's
// software-fallback variant in spec.md §4.1.
func DeriveSoftwareFallbackKey(seed []byte) [magic.SecretKeySizeBytes]byte {
	return sha256.Sum256(seed)
}
