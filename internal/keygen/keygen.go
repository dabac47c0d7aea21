// Copyright (c) 2025 Justin Cranford

// Package keygen generates RSA and AES key material, and offers a small
// background worker pool for pre-generating keys when callers can tolerate
// Get() blocking only on an empty pool rather than on generation itself.
package keygen

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"log/slog"
	"sync"
	"time"

	"license-agent/internal/apperr"
	"license-agent/internal/magic"
)

// KeyPair holds a generated keypair. Public is nil for symmetric material.
type KeyPair struct {
	Private any
	Public  any
}

// GenerateFunction produces one KeyPair (or, for AES, one KeyPair with only
// Private populated).
type GenerateFunction func() (KeyPair, error)

// GenerateRSAKeyPair returns a GenerateFunction producing an RSA keypair of
// the given modulus size in bits.
func GenerateRSAKeyPair(bits int) GenerateFunction {
	return func() (KeyPair, error) {
		priv, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return KeyPair{}, apperr.NewCryptoError("RSA key generation failed", err)
		}
		return KeyPair{Private: priv, Public: &priv.PublicKey}, nil
	}
}

// GenerateAESKey returns a GenerateFunction producing a random AES key of
// the given size in bits.
func GenerateAESKey(bits int) GenerateFunction {
	return func() (KeyPair, error) {
		key := make([]byte, bits/8)
		if _, err := rand.Read(key); err != nil {
			return KeyPair{}, apperr.NewCryptoError("AES key generation failed", err)
		}
		return KeyPair{Private: key, Public: nil}, nil
	}
}

// NewAgentRSAKeyPair is a one-shot convenience wrapper around
// GenerateRSAKeyPair(magic.AgentRSAKeyBits), used by agentkeys when
// provisioning a brand-new agent identity.
func NewAgentRSAKeyPair() (*rsa.PrivateKey, error) {
	kp, err := GenerateRSAKeyPair(magic.AgentRSAKeyBits)()
	if err != nil {
		return nil, err
	}
	return kp.Private.(*rsa.PrivateKey), nil
}

// KeyPool is a small fixed-size background generator: numWorkers goroutines
// keep a buffered channel of capacity maxSize topped up (NewKeyPool's size
// argument is not used), so Get()
// usually returns an already-generated KeyPair instead of paying generation
// latency inline.
type KeyPool struct {
	name string

	mu     sync.Mutex
	ch     chan KeyPair
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKeyPool starts numWorkers background goroutines calling generate and
// feeding the results into a channel of capacity maxSize. maxTime bounds how
// long a single generation attempt is allowed to run before it's abandoned
// and retried.
func NewKeyPool(ctx context.Context, logger *slog.Logger, name string, numWorkers, size, maxSize int, maxTime time.Duration, generate GenerateFunction) *KeyPool {
	poolCtx, cancel := context.WithCancel(ctx)
	pool := &KeyPool{
		name:   name,
		ch:     make(chan KeyPair, maxSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			pool.worker(poolCtx, logger, maxTime, generate)
		}()
	}

	go func() {
		wg.Wait()
		close(pool.ch)
		close(pool.done)
	}()

	return pool
}

func (p *KeyPool) worker(ctx context.Context, logger *slog.Logger, maxTime time.Duration, generate GenerateFunction) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		genCtx, cancel := context.WithTimeout(ctx, maxTime)
		kp, err := generateWithContext(genCtx, generate)
		cancel()
		if err != nil {
			if logger != nil {
				logger.Warn("key generation attempt failed, retrying", "pool", p.name, "error", err)
			}
			continue
		}

		select {
		case p.ch <- kp:
		case <-ctx.Done():
			return
		}
	}
}

func generateWithContext(ctx context.Context, generate GenerateFunction) (KeyPair, error) {
	type result struct {
		kp  KeyPair
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		kp, err := generate()
		resultCh <- result{kp, err}
	}()

	select {
	case r := <-resultCh:
		return r.kp, r.err
	case <-ctx.Done():
		return KeyPair{}, ctx.Err()
	}
}

// Get blocks until a pre-generated KeyPair is available or the pool's
// context is cancelled, in which case it returns the zero KeyPair.
func (p *KeyPool) Get() KeyPair {
	kp, ok := <-p.ch
	if !ok {
		return KeyPair{}
	}
	return kp
}

// Close stops the background workers and releases resources. Safe to call
// more than once.
func (p *KeyPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancel()
}
