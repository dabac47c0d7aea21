// Copyright (c) 2025 Justin Cranford

// Package secretstore holds the version -> metadata map and the single
// active_version pointer, persists state atomically, and enforces the
// ABSENT -> ACTIVE -> GRACE -> INVALID lifecycle invariants.
package secretstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"license-agent/internal/apperr"
	"license-agent/internal/sealing"
	"license-agent/internal/types"
)

// SealedBlobBackend is where sealed key bytes live, out-of-band from the
// metadata map. The default is an in-memory map (lost on restart, like the
// metadata it accompanies unless a persistent implementation — e.g.
// nvstore.Store — is supplied).
type SealedBlobBackend interface {
	Put(version uint64, blob []byte) error
	Get(version uint64) ([]byte, error)
	Delete(version uint64) error
}

type memBlobBackend struct {
	mu    sync.Mutex
	blobs map[uint64][]byte
}

func newMemBlobBackend() *memBlobBackend {
	return &memBlobBackend{blobs: make(map[uint64][]byte)}
}

func (m *memBlobBackend) Put(version uint64, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[version] = blob
	return nil
}

func (m *memBlobBackend) Get(version uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.blobs[version]
	if !ok {
		return nil, apperr.NewSecretNotFound(version)
	}
	return blob, nil
}

func (m *memBlobBackend) Delete(version uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, version)
	return nil
}

// Store is the process-wide secret store. Mutations take the exclusive lock
// across the load-mutate-save cycle; reads take the shared lock over the
// in-memory metadata map. The sealed-blob backend is inherently serialized
// by the sealing provider it wraps.
type Store struct {
	mu sync.RWMutex

	statePath string
	sealer    sealing.Provider
	blobs     SealedBlobBackend

	secrets       map[uint64]types.SecretMetadata
	activeVersion *uint64
}

// New constructs a Store bound to statePath and sealer. blobs may be nil, in
// which case sealed key bytes are held in an in-memory map. Call LoadState
// before using it.
func New(statePath string, sealer sealing.Provider, blobs SealedBlobBackend) *Store {
	if blobs == nil {
		blobs = newMemBlobBackend()
	}
	return &Store{
		statePath: statePath,
		sealer:    sealer,
		blobs:     blobs,
		secrets:   make(map[uint64]types.SecretMetadata),
	}
}

func (s *Store) putSealed(version uint64, blob []byte) error {
	return s.blobs.Put(version, blob)
}

func (s *Store) getSealed(version uint64) ([]byte, error) {
	return s.blobs.Get(version)
}

// LoadState reads the on-disk snapshot, or starts empty if absent, and
// validates the at-most-one-ACTIVE invariant.
func (s *Store) LoadState() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			s.secrets = make(map[uint64]types.SecretMetadata)
			s.activeVersion = nil
			return nil
		}
		return apperr.NewConfigError("failed to read secret store state file", err)
	}

	var state types.StoreState
	if err := json.Unmarshal(raw, &state); err != nil {
		return apperr.NewConfigError("failed to parse secret store state file", err)
	}

	if err := validateInvariants(state); err != nil {
		return err
	}

	if state.Secrets == nil {
		state.Secrets = make(map[uint64]types.SecretMetadata)
	}
	s.secrets = state.Secrets
	s.activeVersion = state.ActiveVersion
	return nil
}

func validateInvariants(state types.StoreState) error {
	activeCount := 0
	for _, meta := range state.Secrets {
		if meta.State == types.SecretStateActive {
			activeCount++
		}
		if meta.State == types.SecretStateGrace && meta.GraceUntil != nil && !meta.GraceUntil.After(meta.ValidUntil) {
			return apperr.NewInternalError("GRACE version has grace_until <= valid_until", nil)
		}
	}
	if activeCount > 1 {
		return apperr.NewInternalError("more than one ACTIVE version found in persisted state", nil)
	}
	if state.ActiveVersion != nil {
		meta, ok := state.Secrets[*state.ActiveVersion]
		if !ok || meta.State != types.SecretStateActive {
			return apperr.NewInternalError("active_version does not name an ACTIVE version", nil)
		}
	}
	return nil
}

// saveLocked persists the current in-memory state atomically (temp +
// rename). Callers must already hold s.mu for writing.
func (s *Store) saveLocked() error {
	state := types.StoreState{
		Secrets:       s.secrets,
		ActiveVersion: s.activeVersion,
		LastUpdated:   time.Now().UTC(),
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return apperr.NewInternalError("failed to marshal secret store state", err)
	}

	dir := filepath.Dir(s.statePath)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return apperr.NewConfigError("failed to create temp state file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.NewConfigError("failed to write state file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return apperr.NewConfigError("failed to close state file", err)
	}
	if err := os.Rename(tmpPath, s.statePath); err != nil {
		os.Remove(tmpPath)
		return apperr.NewConfigError("failed to install state file", err)
	}
	return nil
}

// SaveState persists the current state, exported for callers (shutdown path)
// that need an explicit final flush outside a mutating call.
func (s *Store) SaveState() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// Store seals key bytes, records metadata, and updates active_version iff
// version > current active_version. Fails if version already exists.
func (s *Store) Store(key [32]byte, meta types.SecretMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.secrets[meta.Version]; exists {
		return apperr.NewInternalError("version already exists in store", nil)
	}

	sealed, err := s.sealer.Seal(context.Background(), key[:])
	if err != nil {
		return err
	}

	if err := s.putSealed(meta.Version, sealed); err != nil {
		return err
	}

	meta.State = types.SecretStateActive
	meta.CreatedAt = time.Now().UTC()
	s.secrets[meta.Version] = meta

	if s.activeVersion == nil || meta.Version > *s.activeVersion {
		v := meta.Version
		s.activeVersion = &v
	}

	return s.saveLocked()
}

// Get rejects INVALID, ABSENT, and temporally out-of-window reads; GRACE
// reads are permitted iff now <= grace_until. On success, returns key bytes
// and metadata. Callers must call Scrub on the returned Secret when done.
func (s *Store) Get(version uint64) (*types.Secret, error) {
	s.mu.RLock()
	meta, ok := s.secrets[version]
	s.mu.RUnlock()

	if !ok || meta.State == types.SecretStateAbsent {
		return nil, apperr.NewSecretNotFound(version)
	}
	if meta.State == types.SecretStateInvalid {
		reason := "invalidated"
		if meta.InvalidationReason != nil {
			reason = *meta.InvalidationReason
		}
		return nil, apperr.NewSecretInvalid(version, reason)
	}

	now := time.Now().UTC()
	switch meta.State {
	case types.SecretStateActive:
		if now.After(meta.ValidUntil) {
			return nil, apperr.NewSecretExpired(version)
		}
	case types.SecretStateGrace:
		if meta.GraceUntil == nil || now.After(*meta.GraceUntil) {
			return nil, apperr.NewSecretExpired(version)
		}
	}

	sealed, err := s.getSealed(version)
	if err != nil {
		return nil, err
	}

	plaintext, err := s.sealer.Unseal(context.Background(), sealed)
	if err != nil {
		return nil, err
	}
	defer zero(plaintext)

	var secret types.Secret
	copy(secret.Key[:], plaintext)
	secret.Metadata = meta
	return &secret, nil
}

// GetActive is shorthand for Get(active_version); fails with
// SecretNotFound(0) when no active version exists.
func (s *Store) GetActive() (*types.Secret, error) {
	s.mu.RLock()
	active := s.activeVersion
	s.mu.RUnlock()

	if active == nil {
		return nil, apperr.NewSecretNotFound(0)
	}
	return s.Get(*active)
}

// ActiveVersion returns the current active_version pointer, or nil.
func (s *Store) ActiveVersion() *uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeVersion == nil {
		return nil
	}
	v := *s.activeVersion
	return &v
}

// GraceVersions returns every version currently in GRACE state, used by the
// token validator's fallback scan.
func (s *Store) GraceVersions() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []uint64
	for v, meta := range s.secrets {
		if meta.State == types.SecretStateGrace {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetGrace transitions version from ACTIVE to GRACE, records grace_until,
// and persists.
func (s *Store) SetGrace(version uint64, graceUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.secrets[version]
	if !ok {
		return apperr.NewSecretNotFound(version)
	}
	if meta.State != types.SecretStateActive {
		return apperr.NewInternalError("set_grace called on a non-ACTIVE version", nil)
	}

	meta.State = types.SecretStateGrace
	meta.GraceUntil = &graceUntil
	s.secrets[version] = meta

	if s.activeVersion != nil && *s.activeVersion == version {
		s.activeVersion = nil
	}

	return s.saveLocked()
}

// Invalidate transitions version to INVALID. If the invalidated version was
// active, active_version is recomputed as the largest remaining ACTIVE
// version (generally none, forcing rotation — see the design notes this
// behavior is grounded on).
func (s *Store) Invalidate(version uint64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.secrets[version]
	if !ok {
		return apperr.NewSecretNotFound(version)
	}
	if meta.State == types.SecretStateInvalid {
		return nil
	}

	wasActive := s.activeVersion != nil && *s.activeVersion == version

	meta.State = types.SecretStateInvalid
	meta.InvalidationReason = &reason
	s.secrets[version] = meta

	if wasActive {
		s.activeVersion = s.recomputeActiveLocked()
	}

	return s.saveLocked()
}

func (s *Store) recomputeActiveLocked() *uint64 {
	var best *uint64
	for v, meta := range s.secrets {
		if meta.State != types.SecretStateActive {
			continue
		}
		if best == nil || v > *best {
			vv := v
			best = &vv
		}
	}
	return best
}

// CleanupExpired moves every GRACE version whose grace_until < now to
// INVALID, returning the count cleaned. Idempotent: a second call finds
// nothing left to move.
func (s *Store) CleanupExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for v, meta := range s.secrets {
		if meta.State != types.SecretStateGrace {
			continue
		}
		if meta.GraceUntil == nil || !meta.GraceUntil.Before(now) {
			continue
		}
		reason := "Grace period expired"
		meta.State = types.SecretStateInvalid
		meta.InvalidationReason = &reason
		s.secrets[v] = meta
		count++
	}

	if count == 0 {
		return 0, nil
	}
	return count, s.saveLocked()
}

// TouchLastUsed stamps last_used_at on version to now and persists. Called by
// the validator after every successful validation (spec.md §9 open question:
// this implementation chooses per-validation updates over periodic batching,
// accepting the write amplification for simplicity and observability
// freshness — see DESIGN.md). A missing version is not an error: validation
// already succeeded against it by the time this is called, so losing a race
// against a concurrent invalidate is harmless.
func (s *Store) TouchLastUsed(version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.secrets[version]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	meta.LastUsedAt = &now
	s.secrets[version] = meta
	return s.saveLocked()
}

// SecretInfos returns a redacted, key-free snapshot of every store entry for
// status reporting.
func (s *Store) SecretInfos() []types.SecretInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.SecretInfo, 0, len(s.secrets))
	for _, meta := range s.secrets {
		out = append(out, types.SecretInfo{
			Version:            meta.Version,
			State:              meta.State,
			ValidFrom:          meta.ValidFrom,
			ValidUntil:         meta.ValidUntil,
			GraceUntil:         meta.GraceUntil,
			RotationSource:     meta.RotationSource,
			InvalidationReason: meta.InvalidationReason,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Wipe deletes every sealed blob and metadata entry and persists an empty
// state, for disaster-recovery re-enrollment (see the CLI `reset --confirm`
// command). Unlike Invalidate/CleanupExpired this is not reversible.
func (s *Store) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for v := range s.secrets {
		_ = s.blobs.Delete(v)
	}
	s.secrets = make(map[uint64]types.SecretMetadata)
	s.activeVersion = nil
	return s.saveLocked()
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
