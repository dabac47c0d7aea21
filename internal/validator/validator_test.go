// Copyright (c) 2025 Justin Cranford

package validator_test

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"license-agent/internal/agentcrypto"
	"license-agent/internal/types"
	"license-agent/internal/validator"
)

type fakeStore struct {
	secrets       map[uint64]types.Secret
	touchedCalls  []uint64
	touchLastUsed func(version uint64) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{secrets: make(map[uint64]types.Secret)}
}

func (f *fakeStore) Get(version uint64) (*types.Secret, error) {
	secret, ok := f.secrets[version]
	if !ok {
		return nil, errNotFound
	}
	return &secret, nil
}

func (f *fakeStore) TouchLastUsed(version uint64) error {
	f.touchedCalls = append(f.touchedCalls, version)
	if f.touchLastUsed != nil {
		return f.touchLastUsed(version)
	}
	return nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound = notFoundErr{}

func tokenFor(t *testing.T, key []byte, version uint64, license types.LicenseInfo) string {
	t.Helper()
	payload, err := json.Marshal(license)
	require.NoError(t, err)
	raw, err := agentcrypto.EncryptToken(key, version, payload)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestValidate_ActiveVersionSucceeds(t *testing.T) {
	t.Parallel()

	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	store := newFakeStore()
	store.secrets[1] = types.Secret{
		Key:      key,
		Metadata: types.SecretMetadata{Version: 1, State: types.SecretStateActive},
	}

	license := types.LicenseInfo{
		LicenseID: "lic-1",
		Features:  []string{"a", "b"},
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	token := tokenFor(t, key[:], 1, license)

	v := validator.New(store, nil)
	result := v.Validate(token)

	require.True(t, result.Valid)
	require.Equal(t, []string{"a", "b"}, result.Features)
	require.NotNil(t, result.ExpiresAt)
	require.Contains(t, store.touchedCalls, uint64(1))
}

func TestValidate_GraceVersionSucceeds(t *testing.T) {
	t.Parallel()

	var key [32]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	store := newFakeStore()
	store.secrets[7] = types.Secret{
		Key:      key,
		Metadata: types.SecretMetadata{Version: 7, State: types.SecretStateGrace},
	}

	license := types.LicenseInfo{ExpiresAt: time.Now().UTC().Add(time.Hour)}
	token := tokenFor(t, key[:], 7, license)

	v := validator.New(store, nil)
	result := v.Validate(token)

	require.True(t, result.Valid)
}

func TestValidate_UnknownVersionFailsUniformly(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	var key [32]byte
	license := types.LicenseInfo{ExpiresAt: time.Now().UTC().Add(time.Hour)}
	token := tokenFor(t, key[:], 99, license)

	v := validator.New(store, nil)
	result := v.Validate(token)

	require.False(t, result.Valid)
	require.Equal(t, "license validation failed", result.Error)
}

func TestValidate_BadMACFailsWithSameMessageAsUnknownVersion(t *testing.T) {
	t.Parallel()

	var key [32]byte
	store := newFakeStore()
	store.secrets[1] = types.Secret{
		Key:      key,
		Metadata: types.SecretMetadata{Version: 1, State: types.SecretStateActive},
	}

	license := types.LicenseInfo{ExpiresAt: time.Now().UTC().Add(time.Hour)}
	payload, err := json.Marshal(license)
	require.NoError(t, err)
	raw, err := agentcrypto.EncryptToken(key[:], 1, payload)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF // corrupt the tag
	token := base64.StdEncoding.EncodeToString(raw)

	v := validator.New(store, nil)
	result := v.Validate(token)

	require.False(t, result.Valid)
	require.Equal(t, "license validation failed", result.Error)
}

func TestValidate_ExpiredLicenseFails(t *testing.T) {
	t.Parallel()

	var key [32]byte
	store := newFakeStore()
	store.secrets[1] = types.Secret{
		Key:      key,
		Metadata: types.SecretMetadata{Version: 1, State: types.SecretStateActive},
	}

	license := types.LicenseInfo{ExpiresAt: time.Now().UTC().Add(-time.Hour)}
	token := tokenFor(t, key[:], 1, license)

	v := validator.New(store, nil)
	result := v.Validate(token)

	require.False(t, result.Valid)
	require.Contains(t, result.Error, "expired")
}

func TestValidate_MalformedBase64Fails(t *testing.T) {
	t.Parallel()

	v := validator.New(newFakeStore(), nil)
	result := v.Validate("not-valid-base64!!!")

	require.False(t, result.Valid)
}

func TestValidate_TooShortTokenFails(t *testing.T) {
	t.Parallel()

	v := validator.New(newFakeStore(), nil)
	token := base64.StdEncoding.EncodeToString([]byte("short"))
	result := v.Validate(token)

	require.False(t, result.Valid)
}
