// Copyright (c) 2025 Justin Cranford

package secretstore_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"license-agent/internal/sealing"
	"license-agent/internal/secretstore"
	"license-agent/internal/types"
)

// TestStore_AtMostOneActiveVersion checks spec.md §8's invariant that storing
// any sequence of strictly increasing versions never leaves more than one
// ACTIVE version, and that the active pointer always names the
// highest-numbered version stored.
func TestStore_AtMostOneActiveVersion(t *testing.T) {
	t.Parallel()

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("storing N increasing versions leaves exactly one ACTIVE, at the max version", prop.ForAll(
		func(n uint8) bool {
			count := int(n%20) + 1

			path := t.TempDir() + "/state.json"
			provider := sealing.NewProvider(sealing.Config{FallbackSeed: []byte("property-seed")}, nil)
			store := secretstore.New(path, provider, nil)
			if err := store.LoadState(); err != nil {
				return false
			}

			now := time.Now().UTC()
			var key [32]byte
			activeCount := 0
			for i := 1; i <= count; i++ {
				version := uint64(i)
				if prev := store.ActiveVersion(); prev != nil {
					if err := store.SetGrace(*prev, now.Add(time.Hour)); err != nil {
						return false
					}
				}
				meta := types.SecretMetadata{
					Version:        version,
					ValidFrom:      now,
					ValidUntil:     now.Add(time.Hour),
					RotationSource: types.RotationSourceAutomatic,
				}
				if err := store.Store(key, meta); err != nil {
					return false
				}
			}

			for _, info := range store.SecretInfos() {
				if info.State == types.SecretStateActive {
					activeCount++
				}
			}
			if activeCount != 1 {
				return false
			}

			active := store.ActiveVersion()
			return active != nil && *active == uint64(count)
		},
		gen.UInt8Range(0, 19),
	))

	properties.TestingRun(t)
}
