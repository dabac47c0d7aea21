// Copyright (c) 2025 Justin Cranford

// Package engine composes every subsystem into the running daemon (spec.md
// §4.7): sealing -> store.LoadState -> validator -> audit -> crypto ->
// rotation -> degraded state -> IPC, in that construction order, and owns
// the four long-running tasks (periodic rotation, periodic cleanup,
// degraded-mode retry, degraded-mode alerting) behind one shutdown notifier.
package engine

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"license-agent/internal/adminapi"
	"license-agent/internal/agentkeys"
	"license-agent/internal/audit"
	"license-agent/internal/config"
	"license-agent/internal/config/tlsmaterial"
	"license-agent/internal/degraded"
	"license-agent/internal/ipc"
	"license-agent/internal/magic"
	"license-agent/internal/rotation"
	"license-agent/internal/sealing"
	"license-agent/internal/sealing/nvstore"
	"license-agent/internal/secretstore"
	"license-agent/internal/types"
	"license-agent/internal/validator"
)

// nvStoreMigrationsPath points at the sealed_blobs schema migrations shipped
// alongside the module.
const nvStoreMigrationsPath = "file://database/migrations"

// Engine is the fully wired daemon. Construct with New, run with Start, tear
// down with Shutdown.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	sealer     sealing.Provider
	store      *secretstore.Store
	validator  *validator.Validator
	auditLog   *audit.Log
	rotation   *rotation.Client
	degraded   *degraded.Supervisor
	ipcServer  *ipc.Server
	adminAPI   *adminapi.Server
	startedAt  time.Time
	cancelFunc context.CancelFunc
	tasksWg    sync.WaitGroup

	metrics licenseMetrics
}

type licenseMetrics struct {
	total      atomic.Uint64
	successful atomic.Uint64
	failed     atomic.Uint64
	lastAt     atomic.Int64 // unix nanos, 0 = never
	lastErr    atomic.Value // string
}

// New constructs every subsystem in the mandated order and loads persisted
// state, but does not start any background task or bind the IPC socket; see
// Start.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	sealer := sealing.NewProvider(sealing.Config{
		TpmEnabled:   cfg.Tpm.Enabled,
		FallbackSeed: nil,
	}, logger)

	blobBackend, err := openBlobBackend(cfg)
	if err != nil {
		return nil, err
	}

	store := secretstore.New(cfg.StatePath, sealer, blobBackend)
	if err := store.LoadState(); err != nil {
		return nil, err
	}

	v := validator.New(store, logger)

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		return nil, err
	}

	agentPriv, err := loadAgentKey(cfg)
	if err != nil {
		return nil, err
	}

	serverPub, httpClient, err := buildRotationTransport(cfg)
	if err != nil {
		return nil, err
	}

	rotationClient := rotation.New(rotation.Config{
		ServerURL:      cfg.Server.URL,
		AgentID:        cfg.Agent.ID,
		TimeoutSeconds: cfg.Server.TimeoutSeconds,
		MaxRetries:     magic.DefaultMaxRotationRetries,
		BaseDelay:      magic.DefaultBaseRetryDelaySeconds * time.Second,
	}, httpClient, agentPriv, serverPub, store, auditLog, logger)

	degradedSupervisor := degraded.New(degraded.Config{
		Enabled:                   cfg.DegradedMode.Enabled,
		GracePeriodDays:           cfg.DegradedMode.GracePeriodDays,
		RetryIntervalSeconds:      cfg.DegradedMode.RetryIntervalSeconds,
		AutoDeactivateOnReconnect: cfg.DegradedMode.AutoDeactivateOnReconnect,
		AlertThresholdsHours:      cfg.DegradedMode.AlertThresholdsHours,
	}, auditLog, logger)

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		sealer:    sealer,
		store:     store,
		validator: v,
		auditLog:  auditLog,
		rotation:  rotationClient,
		degraded:  degradedSupervisor,
		startedAt: time.Now().UTC(),
	}

	e.ipcServer = ipc.New(ipc.Config{
		SocketPath:  cfg.Management.IPCSocketPath,
		AllowedUIDs: cfg.Management.AllowedUIDs,
	}, &trackedValidator{v: v, audit: auditLog, metrics: &e.metrics}, e, logger)

	e.adminAPI = adminapi.New(adminapi.Config{
		BindHost: cfg.Management.AdminHTTPBindHost,
		Port:     cfg.Management.AdminHTTPPort,
	}, e, logger)

	return e, nil
}

func openBlobBackend(cfg *config.Config) (secretstore.SealedBlobBackend, error) {
	if cfg.Tpm.FallbackEncryptedStorage == "" {
		return nil, nil
	}
	store, err := nvstore.Open(nvstore.BackendSQLite, cfg.Tpm.FallbackEncryptedStorage, nvStoreMigrationsPath)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func loadAgentKey(cfg *config.Config) (*rsa.PrivateKey, error) {
	keyPath := cfg.Agent.KeyPath
	if keyPath == "" {
		keyPath = magic.DefaultAgentKeyPath
	}
	return agentkeys.NewStore(keyPath).LoadOrProvision()
}

// buildRotationTransport resolves the pinned server public key and an HTTP
// client carrying the mTLS client identity, when configured. Both are
// optional at this layer: a daemon with server.url unset (e.g. under test)
// never calls Rotate.
func buildRotationTransport(cfg *config.Config) (*rsa.PublicKey, *http.Client, error) {
	httpClient := &http.Client{Timeout: time.Duration(cfg.Server.TimeoutSeconds) * time.Second}

	if cfg.Server.CertPin == "" {
		return nil, httpClient, nil
	}

	serverPub, err := tlsmaterial.LoadServerPublicKey(cfg.Server.CertPin)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Server.ClientCert != "" && cfg.Server.ClientKey != "" {
		clientCert, err := tlsmaterial.LoadClientIdentity(cfg.Server.ClientCert, cfg.Server.ClientKey)
		if err != nil {
			return nil, nil, err
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{clientCert},
				MinVersion:   tls.VersionTLS12,
			},
		}
	}

	return serverPub, httpClient, nil
}

// Start binds the IPC socket and launches the four background tasks. It
// blocks until ctx is cancelled, then waits for every task and the IPC
// listener to exit before persisting state one last time.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.ipcServer.Listen(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancelFunc = cancel

	e.tasksWg.Add(6)
	go e.runIPC(runCtx)
	go e.runAdminAPI(runCtx)
	go e.runPeriodicRotation(runCtx)
	go e.runPeriodicCleanup(runCtx)
	go e.runDegradedRetry(runCtx)
	go e.runDegradedAlerting(runCtx)

	<-runCtx.Done()
	e.tasksWg.Wait()

	return e.store.SaveState()
}

// Shutdown signals every task and the IPC listener to exit, then closes the
// IPC server and the audit log. Called before Start, it has no tasks to
// signal but still closes the IPC server and the audit log.
func (e *Engine) Shutdown() {
	if e.cancelFunc != nil {
		e.cancelFunc()
	}
	_ = e.ipcServer.Close()
	_ = e.auditLog.Close()
}

func (e *Engine) runIPC(ctx context.Context) {
	defer e.tasksWg.Done()
	if err := e.ipcServer.Serve(ctx); err != nil && e.logger != nil {
		e.logger.Error("ipc server exited with error", "error", err)
	}
}

func (e *Engine) runAdminAPI(ctx context.Context) {
	defer e.tasksWg.Done()
	if err := e.adminAPI.Start(ctx); err != nil && e.logger != nil {
		e.logger.Error("admin HTTP surface exited with error", "error", err)
	}
}

func (e *Engine) runPeriodicRotation(ctx context.Context) {
	defer e.tasksWg.Done()
	interval := time.Duration(e.cfg.Agent.RotationInterval) * time.Second
	threshold := time.Duration(e.cfg.Agent.RotationThresholdSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !rotation.CheckRotationNeeded(e.store, threshold) {
				continue
			}
			if err := e.rotation.Rotate(ctx, false); err != nil {
				if e.logger != nil {
					e.logger.Error("periodic rotation failed", "error", err)
				}
				if e.store.ActiveVersion() == nil {
					e.degraded.Activate()
				}
				continue
			}
			e.degraded.OnRotationSucceeded()
		}
	}
}

func (e *Engine) runPeriodicCleanup(ctx context.Context) {
	defer e.tasksWg.Done()
	ticker := time.NewTicker(magic.DefaultCleanupCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if count, err := e.store.CleanupExpired(); err != nil {
				if e.logger != nil {
					e.logger.Error("periodic cleanup failed", "error", err)
				}
			} else if count > 0 && e.logger != nil {
				e.logger.Info("periodic cleanup invalidated expired GRACE secrets", "count", count)
			}
		}
	}
}

func (e *Engine) runDegradedRetry(ctx context.Context) {
	defer e.tasksWg.Done()
	interval := time.Duration(e.cfg.DegradedMode.RetryIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = magic.DefaultDegradedRetryIntervalSeconds * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.degraded.IsActive() {
				continue
			}
			if err := e.rotation.Rotate(ctx, false); err == nil {
				e.degraded.OnRotationSucceeded()
			}
		}
	}
}

func (e *Engine) runDegradedAlerting(ctx context.Context) {
	defer e.tasksWg.Done()
	ticker := time.NewTicker(magic.DefaultAlertCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.degraded.CheckAlerts()
		}
	}
}

// --- ipc.CommandHandler ---

// Status implements ipc.CommandHandler.
func (e *Engine) Status() (types.SystemStatus, error) {
	total := e.metrics.total.Load()
	successful := e.metrics.successful.Load()
	failed := e.metrics.failed.Load()

	status := types.SystemStatus{
		ActiveVersion: e.store.ActiveVersion(),
		Secrets:       e.store.SecretInfos(),
		Tpm:           e.sealer.Status(context.Background()),
		DegradedMode:  e.degraded.Status(),
		Uptime:        time.Since(e.startedAt),
		License: types.LicenseStatus{
			TotalValidations:      total,
			SuccessfulValidations: successful,
			FailedValidations:     failed,
		},
	}

	if lastAt := e.metrics.lastAt.Load(); lastAt != 0 {
		t := time.Unix(0, lastAt).UTC()
		status.License.LastValidation = &t
	}
	if lastErr, ok := e.metrics.lastErr.Load().(string); ok && lastErr != "" {
		status.License.LastError = &lastErr
	}

	return status, nil
}

// Rotate implements ipc.CommandHandler; force=true always marks the result MANUAL.
func (e *Engine) Rotate(force bool) error {
	return e.rotation.Rotate(context.Background(), force)
}

// Invalidate implements ipc.CommandHandler.
func (e *Engine) Invalidate(version uint64, reason string) error {
	if err := e.store.Invalidate(version, reason); err != nil {
		return err
	}
	e.auditLog.SecretInvalidated(version, reason)
	return nil
}

// Logs implements ipc.CommandHandler.
func (e *Engine) Logs(filter audit.Filter) ([]audit.Event, error) {
	return audit.Tail(e.cfg.AuditLogPath, filter)
}

// Metrics implements ipc.CommandHandler, returning a supplementary flat
// read-model beyond the structured Status response.
func (e *Engine) Metrics() (map[string]any, error) {
	return map[string]any{
		"total_validations":      e.metrics.total.Load(),
		"successful_validations": e.metrics.successful.Load(),
		"failed_validations":     e.metrics.failed.Load(),
		"degraded_mode_active":   e.degraded.IsActive(),
		"active_version":         e.store.ActiveVersion(),
	}, nil
}

// DegradedMode implements ipc.CommandHandler: enable=nil returns the current
// status without changing it; non-nil toggles activation/deactivation by
// operator command.
func (e *Engine) DegradedMode(enable *bool) (types.DegradedModeStatus, error) {
	if enable != nil {
		if *enable {
			e.degraded.Activate()
		} else {
			e.degraded.Deactivate()
		}
	}
	return e.degraded.Status(), nil
}

// TpmStatus implements ipc.CommandHandler.
func (e *Engine) TpmStatus() (types.TpmStatus, error) {
	return e.sealer.Status(context.Background()), nil
}

// Reset implements ipc.CommandHandler. With wipe=false it only clears the
// degraded-mode record. With wipe=true it additionally wipes every secret
// version and its sealed blob, for disaster-recovery re-enrollment, gated
// behind the CLI's --confirm flag and (when configured) a TOTP code, since
// there is no undo.
func (e *Engine) Reset(wipe bool) error {
	e.degraded.Deactivate()
	if !wipe {
		return nil
	}
	if err := e.store.Wipe(); err != nil {
		return err
	}
	e.auditLog.Warning("secret_store_wiped", map[string]any{"reason": "reset --confirm"})
	return nil
}

// trackedValidator wraps *validator.Validator to record the counters and
// audit events the Status/Metrics read models report, without adding that
// bookkeeping to the validator package itself.
type trackedValidator struct {
	v       *validator.Validator
	audit   *audit.Log
	metrics *licenseMetrics
}

func (t *trackedValidator) Validate(tokenB64 string) types.ValidationResult {
	result := t.v.Validate(tokenB64)

	t.metrics.total.Add(1)
	t.metrics.lastAt.Store(time.Now().UTC().UnixNano())
	if result.Valid {
		t.metrics.successful.Add(1)
		t.metrics.lastErr.Store("")
		t.audit.LicenseValidated("", 0, "valid")
	} else {
		t.metrics.failed.Add(1)
		t.metrics.lastErr.Store(result.Error)
		t.audit.LicenseValidated("", 0, "invalid")
	}
	return result
}

