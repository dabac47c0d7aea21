// Copyright (c) 2025 Justin Cranford

package agentcrypto_test

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/require"

	"license-agent/internal/agentcrypto"
	"license-agent/internal/apperr"
	"license-agent/internal/magic"
)

func TestEncryptToken_DecryptToken_RoundTrips(t *testing.T) {
	t.Parallel()

	key := make([]byte, magic.SecretKeySizeBytes)
	_, err := rand.Read(key)
	require.NoError(t, err)

	plaintext := []byte("license-token-payload")
	wire, err := agentcrypto.EncryptToken(key, 7, plaintext)
	require.NoError(t, err)

	parsed, err := agentcrypto.ParseTokenHeader(wire)
	require.NoError(t, err)
	require.Equal(t, uint64(7), parsed.Version)

	got, err := agentcrypto.DecryptToken(key, parsed)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptToken_WrongKeyFails(t *testing.T) {
	t.Parallel()

	key := make([]byte, magic.SecretKeySizeBytes)
	wrongKey := make([]byte, magic.SecretKeySizeBytes)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(wrongKey)
	require.NoError(t, err)

	wire, err := agentcrypto.EncryptToken(key, 1, []byte("payload"))
	require.NoError(t, err)
	parsed, err := agentcrypto.ParseTokenHeader(wire)
	require.NoError(t, err)

	_, err = agentcrypto.DecryptToken(wrongKey, parsed)
	require.Error(t, err)
}

func TestParseTokenHeader_RejectsShortInput(t *testing.T) {
	t.Parallel()

	_, err := agentcrypto.ParseTokenHeader([]byte("short"))
	require.Error(t, err)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, apperr.KindCryptoError, kind)
}

func TestEncryptToken_RejectsWrongKeySize(t *testing.T) {
	t.Parallel()

	_, err := agentcrypto.EncryptToken([]byte("too-short"), 1, []byte("x"))
	require.Error(t, err)
}

func TestOAEP_RoundTrips(t *testing.T) {
	t.Parallel()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ciphertext, err := agentcrypto.EncryptOAEP(&priv.PublicKey, []byte("secret-bytes"))
	require.NoError(t, err)

	plaintext, err := agentcrypto.DecryptOAEP(priv, ciphertext)
	require.NoError(t, err)
	require.Equal(t, []byte("secret-bytes"), plaintext)
}

func TestSignPSS_VerifyPSS(t *testing.T) {
	t.Parallel()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	msg := []byte("rotation-request-body")
	sig, err := agentcrypto.SignPSS(priv, msg)
	require.NoError(t, err)
	require.True(t, agentcrypto.VerifyPSS(&priv.PublicKey, msg, sig))
	require.False(t, agentcrypto.VerifyPSS(&priv.PublicKey, []byte("tampered"), sig))
}

func TestConstantTimeCompare(t *testing.T) {
	t.Parallel()

	require.True(t, agentcrypto.ConstantTimeCompare([]byte("abc"), []byte("abc")))
	require.False(t, agentcrypto.ConstantTimeCompare([]byte("abc"), []byte("abd")))
	require.False(t, agentcrypto.ConstantTimeCompare([]byte("abc"), []byte("ab")))
}

func TestDeriveSoftwareFallbackKey_IsDeterministic(t *testing.T) {
	t.Parallel()

	seed := []byte("fixed-seed")
	require.Equal(t, agentcrypto.DeriveSoftwareFallbackKey(seed), agentcrypto.DeriveSoftwareFallbackKey(seed))
}
