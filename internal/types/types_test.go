// Copyright (c) 2025 Justin Cranford

package types_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"license-agent/internal/types"
)

func TestSecret_Scrub_ZeroesKey(t *testing.T) {
	t.Parallel()

	s := types.Secret{Metadata: types.SecretMetadata{Version: 1}}
	for i := range s.Key {
		s.Key[i] = 0xAA
	}

	s.Scrub()

	var zero [32]byte
	require.Equal(t, zero, s.Key)

	// idempotent
	s.Scrub()
	require.Equal(t, zero, s.Key)
}

func TestStoreState_RoundTripsJSON(t *testing.T) {
	t.Parallel()

	active := uint64(2)
	grace := time.Date(2025, 2, 7, 0, 0, 0, 0, time.UTC)

	state := types.StoreState{
		Secrets: map[uint64]types.SecretMetadata{
			1: {
				Version:        1,
				State:          types.SecretStateGrace,
				ValidFrom:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
				ValidUntil:     time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
				GraceUntil:     &grace,
				CreatedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
				RotationSource: types.RotationSourceAutomatic,
			},
			2: {
				Version:        2,
				State:          types.SecretStateActive,
				ValidFrom:      time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
				ValidUntil:     time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
				CreatedAt:      time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
				RotationSource: types.RotationSourceAutomatic,
			},
		},
		ActiveVersion: &active,
		LastUpdated:   time.Date(2025, 1, 31, 0, 0, 1, 0, time.UTC),
	}

	raw, err := json.Marshal(state)
	require.NoError(t, err)

	var roundTripped types.StoreState
	require.NoError(t, json.Unmarshal(raw, &roundTripped))
	require.Equal(t, state, roundTripped)
}

func TestValidationResult_FailureOmitsDetail(t *testing.T) {
	t.Parallel()

	result := types.ValidationResult{Valid: false, Error: "license validation failed"}

	raw, err := json.Marshal(result)
	require.NoError(t, err)
	require.JSONEq(t, `{"valid":false,"error":"license validation failed"}`, string(raw))
}
