// Copyright (c) 2025 Justin Cranford

// Package rotation implements the client half of the rotation protocol
// (spec.md §4.4): build and sign a rotate-secret request, POST it over HTTPS,
// verify and decrypt the response, and install the result into the secret
// store. Retries apply only to transport-level and HTTP >= 500 failures with
// exponential backoff; signature and decryption failures fail fast.
package rotation

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/text/unicode/norm"

	"license-agent/internal/agentcrypto"
	"license-agent/internal/apperr"
	"license-agent/internal/magic"
	"license-agent/internal/types"
)

// SecretStore is the slice of *secretstore.Store the rotation client depends
// on. Kept narrow so it can be faked in tests.
type SecretStore interface {
	ActiveVersion() *uint64
	Get(version uint64) (*types.Secret, error)
	Store(key [32]byte, meta types.SecretMetadata) error
	SetGrace(version uint64, graceUntil time.Time) error
}

// Request is the JSON body POSTed to /api/v1/rotate-secret.
type Request struct {
	AgentID        string `json:"agent_id"`
	CurrentVersion uint64 `json:"current_version"`
	Timestamp      string `json:"timestamp"`
	Nonce          string `json:"nonce"`
	Signature      string `json:"signature"`
}

// Response is the JSON body returned by a successful rotate-secret call.
type Response struct {
	NewSecretEncrypted string `json:"new_secret_encrypted"`
	Version            uint64 `json:"version"`
	ValidFrom          string `json:"valid_from"`
	ValidUntil         string `json:"valid_until"`
	GraceUntil         string `json:"grace_until"`
	Signature          string `json:"signature"`
}

// AuditSink receives rotation outcome events; satisfied by *audit.Log.
type AuditSink interface {
	RotationSucceeded(oldVersion, newVersion uint64, elapsed time.Duration)
	RotationFailed(reason string)
}

type noopAuditSink struct{}

func (noopAuditSink) RotationSucceeded(uint64, uint64, time.Duration) {}
func (noopAuditSink) RotationFailed(string)                          {}

// Config parameterizes a Client.
type Config struct {
	ServerURL      string
	AgentID        string
	TimeoutSeconds int
	MaxRetries     int
	BaseDelay      time.Duration
}

// Client executes the rotation protocol against one configured server,
// guarded by a mutex flag so at most one rotation runs at a time.
type Client struct {
	cfg           Config
	httpClient    *http.Client
	agentPriv     *rsa.PrivateKey
	serverPub     *rsa.PublicKey
	store         SecretStore
	audit         AuditSink
	logger        *slog.Logger
	inProgressSet bool
	stateMu       sync.Mutex
}

// New constructs a rotation Client. serverPub is the pinned public key used
// to verify rotate-secret responses. audit may be nil (defaults to a no-op
// sink); logger may be nil.
func New(cfg Config, httpClient *http.Client, agentPriv *rsa.PrivateKey, serverPub *rsa.PublicKey, store SecretStore, audit AuditSink, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	if audit == nil {
		audit = noopAuditSink{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = magic.DefaultMaxRotationRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = magic.DefaultBaseRetryDelaySeconds * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		agentPriv:  agentPriv,
		serverPub:  serverPub,
		store:      store,
		audit:      audit,
		logger:     logger,
	}
}

// CheckRotationNeeded reports true iff there is no active version, or the
// active version's remaining lifetime is below rotation_threshold.
func CheckRotationNeeded(store SecretStore, rotationThreshold time.Duration) bool {
	active := store.ActiveVersion()
	if active == nil {
		return true
	}
	secret, err := store.Get(*active)
	if err != nil {
		return true
	}
	defer secret.Scrub()
	return time.Until(secret.Metadata.ValidUntil) < rotationThreshold
}

// Rotate executes one rotation attempt, retrying only transport/5xx
// failures. force=true marks the resulting secret's rotation_source as
// MANUAL instead of AUTOMATIC and bypasses check_rotation_needed (the caller
// decides whether to call CheckRotationNeeded first).
func (c *Client) Rotate(ctx context.Context, force bool) error {
	if !c.tryLock() {
		return apperr.NewRotationFailed("already in progress")
	}
	defer c.unlock()

	started := time.Now()
	currentVersion := uint64(0)
	if active := c.store.ActiveVersion(); active != nil {
		currentVersion = *active
	}

	resp, err := c.attemptWithRetry(ctx, currentVersion)
	if err != nil {
		c.audit.RotationFailed(err.Error())
		return err
	}

	newVersion, err := c.install(currentVersion, resp, force)
	if err != nil {
		c.audit.RotationFailed(err.Error())
		return err
	}

	c.audit.RotationSucceeded(currentVersion, newVersion, time.Since(started))
	return nil
}

func (c *Client) tryLock() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.inProgressSet {
		return false
	}
	c.inProgressSet = true
	return true
}

func (c *Client) unlock() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.inProgressSet = false
}

func (c *Client) attemptWithRetry(ctx context.Context, currentVersion uint64) (*Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.BaseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	// WithMaxRetries allows 1 initial attempt plus n retries; subtract 1 so
	// MaxRetries bounds the TOTAL attempt count, matching the original's
	// `for attempt in 0..self.max_retries`.
	totalRetries := c.cfg.MaxRetries - 1
	if totalRetries < 0 {
		totalRetries = 0
	}
	bounded := backoff.WithMaxRetries(policy, uint64(totalRetries))

	var resp *Response
	operation := func() error {
		r, err := c.attempt(ctx, currentVersion)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	err := backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bounded)
	if err != nil {
		// backoff.Retry already unwraps a PermanentError, so non-retryable
		// failures are recognised by their kind and returned unchanged.
		if !isRetryable(err) {
			return nil, err
		}
		return nil, apperr.NewNetworkError("rotation failed after retries", err)
	}
	return resp, nil
}

func isRetryable(err error) bool {
	kind, ok := apperr.KindOf(err)
	return ok && kind == apperr.KindNetworkError
}

func (c *Client) attempt(ctx context.Context, currentVersion uint64) (*Response, error) {
	req, err := c.buildRequest(currentVersion)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.NewCryptoError("failed to marshal rotation request", err)
	}

	url := c.cfg.ServerURL + "/api/v1/rotate-secret"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.NewNetworkError("failed to construct rotation request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.NewNetworkError("rotation request transport failure", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apperr.NewNetworkError("failed to read rotation response body", err)
	}

	if httpResp.StatusCode >= 500 {
		return nil, apperr.NewNetworkError(fmt.Sprintf("rotation server returned %d", httpResp.StatusCode), nil)
	}
	if httpResp.StatusCode >= 400 {
		return nil, apperr.NewRotationFailed(fmt.Sprintf("rotation server rejected request with %d", httpResp.StatusCode))
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, apperr.NewRotationFailed("malformed rotation response")
	}

	if err := c.verifyResponse(&resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

func (c *Client) buildRequest(currentVersion uint64) (*Request, error) {
	agentID := norm.NFC.String(c.cfg.AgentID)

	nonceBytes := make([]byte, magic.RotationNonceBytes)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, apperr.NewCryptoError("failed to generate rotation nonce", err)
	}
	hexNonce := hex.EncodeToString(nonceBytes)

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339)
	unixTimestamp := strconv.FormatInt(now.Unix(), 10)

	signed := []byte(agentID + strconv.FormatUint(currentVersion, 10) + unixTimestamp + hexNonce)
	sig, err := agentcrypto.SignPSS(c.agentPriv, signed)
	if err != nil {
		return nil, err
	}

	req := &Request{
		AgentID:        agentID,
		CurrentVersion: currentVersion,
		Timestamp:      timestamp,
		Nonce:          hexNonce,
		Signature:      base64.StdEncoding.EncodeToString(sig),
	}
	return req, nil
}

// verifyResponse checks the server's signature over the response payload
// excluding the signature field itself, using a stable field concatenation.
func (c *Client) verifyResponse(resp *Response) error {
	sig, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		return apperr.NewRotationFailed("rotation response signature is not valid base64")
	}

	payload := resp.NewSecretEncrypted + strconv.FormatUint(resp.Version, 10) + resp.ValidFrom + resp.ValidUntil + resp.GraceUntil
	if !agentcrypto.VerifyPSS(c.serverPub, []byte(payload), sig) {
		return apperr.NewRotationFailed("rotation response signature verification failed")
	}
	return nil
}

func (c *Client) install(currentVersion uint64, resp *Response, force bool) (uint64, error) {
	if resp.Version <= currentVersion {
		return 0, apperr.NewRotationFailed("rotation response version did not increase")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(resp.NewSecretEncrypted)
	if err != nil {
		return 0, apperr.NewRotationFailed("rotation response secret is not valid base64")
	}

	plaintext, err := agentcrypto.DecryptOAEP(c.agentPriv, ciphertext)
	if err != nil {
		return 0, err
	}
	if len(plaintext) != magic.SecretKeySizeBytes {
		return 0, apperr.NewRotationFailed(fmt.Sprintf("decrypted secret is %d bytes, want %d", len(plaintext), magic.SecretKeySizeBytes))
	}
	var key [32]byte
	copy(key[:], plaintext)
	for i := range plaintext {
		plaintext[i] = 0
	}

	validFrom, err := time.Parse(time.RFC3339, resp.ValidFrom)
	if err != nil {
		return 0, apperr.NewRotationFailed("rotation response valid_from is not RFC3339")
	}
	validUntil, err := time.Parse(time.RFC3339, resp.ValidUntil)
	if err != nil {
		return 0, apperr.NewRotationFailed("rotation response valid_until is not RFC3339")
	}
	graceUntil, err := time.Parse(time.RFC3339, resp.GraceUntil)
	if err != nil {
		return 0, apperr.NewRotationFailed("rotation response grace_until is not RFC3339")
	}

	source := types.RotationSourceAutomatic
	if force {
		source = types.RotationSourceManual
	}

	meta := types.SecretMetadata{
		Version:        resp.Version,
		ValidFrom:      validFrom,
		ValidUntil:     validUntil,
		RotationSource: source,
	}
	if err := c.store.Store(key, meta); err != nil {
		return 0, err
	}

	if currentVersion > 0 {
		if err := c.store.SetGrace(currentVersion, graceUntil); err != nil && c.logger != nil {
			c.logger.Warn("failed to set prior version to GRACE after rotation", "version", currentVersion, "error", err)
		}
	}

	return resp.Version, nil
}
