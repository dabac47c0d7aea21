// Copyright (c) 2025 Justin Cranford

// Package agentkeys persists the agent's RSA keypair as a JSON Web Key on
// disk. The raw RSA-OAEP/PSS math the wire format requires still runs
// through crypto/rsa once the key is extracted back out of the JWK.
package agentkeys

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"license-agent/internal/apperr"
	"license-agent/internal/keygen"
)

// Store loads and persists a single agent RSA keypair as a JWK document.
type Store struct {
	path string
}

// NewStore returns a Store rooted at path (the JWK file's full path).
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the JWK at Store's path and returns the embedded RSA private
// key. Returns an apperr with KindConfigError if the file is absent,
// unreadable, or not an RSA private key.
func (s *Store) Load() (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, apperr.NewConfigError(fmt.Sprintf("failed to read agent key file %s", s.path), err)
	}

	key, err := jwk.ParseKey(raw)
	if err != nil {
		return nil, apperr.NewConfigError("failed to parse agent key as JWK", err)
	}

	var priv rsa.PrivateKey
	if err := key.Raw(&priv); err != nil {
		return nil, apperr.NewConfigError("agent key JWK is not an RSA private key", err)
	}
	return &priv, nil
}

// Save serializes priv as a JWK and writes it atomically (write-temp-then-
// rename) to Store's path, matching the state-persistence discipline used
// elsewhere in the daemon.
func (s *Store) Save(priv *rsa.PrivateKey) error {
	key, err := jwk.FromRaw(priv)
	if err != nil {
		return apperr.NewCryptoError("failed to wrap RSA private key as JWK", err)
	}
	if err := key.Set(jwk.KeyIDKey, "agent-key"); err != nil {
		return apperr.NewCryptoError("failed to set JWK key id", err)
	}
	if err := key.Set(jwk.AlgorithmKey, "RSA-OAEP-256"); err != nil {
		return apperr.NewCryptoError("failed to set JWK algorithm", err)
	}

	marshaled, err := json.Marshal(key)
	if err != nil {
		return apperr.NewCryptoError("failed to marshal JWK", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".agent-key-*.tmp")
	if err != nil {
		return apperr.NewConfigError("failed to create temp agent key file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(marshaled); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.NewConfigError("failed to write agent key file", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.NewConfigError("failed to chmod agent key file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return apperr.NewConfigError("failed to close agent key file", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return apperr.NewConfigError("failed to install agent key file", err)
	}
	return nil
}

// LoadOrProvision loads an existing agent key, or generates and persists a
// new one if the file does not exist yet.
func (s *Store) LoadOrProvision() (*rsa.PrivateKey, error) {
	if _, err := os.Stat(s.path); err == nil {
		return s.Load()
	}

	priv, err := keygen.NewAgentRSAKeyPair()
	if err != nil {
		return nil, err
	}
	if err := s.Save(priv); err != nil {
		return nil, err
	}
	return priv, nil
}
