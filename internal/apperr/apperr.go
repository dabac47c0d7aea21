// Copyright (c) 2025 Justin Cranford

// Package apperr is the tagged error-kind sum for the license agent. Every
// fallible operation in the daemon returns (or wraps) an *Error so callers
// can switch on Kind without parsing strings.
package apperr

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the error kinds from the system's error-handling design.
type Kind string

const (
	KindSecretNotFound          Kind = "SECRET_NOT_FOUND"
	KindSecretExpired           Kind = "SECRET_EXPIRED"
	KindSecretInvalid           Kind = "SECRET_INVALID"
	KindLicenseValidationFailed Kind = "LICENSE_VALIDATION_FAILED"
	KindTpmError                Kind = "TPM_ERROR"
	KindNetworkError            Kind = "NETWORK_ERROR"
	KindConfigError             Kind = "CONFIG_ERROR"
	KindIpcError                Kind = "IPC_ERROR"
	KindRotationFailed          Kind = "ROTATION_FAILED"
	KindCryptoError             Kind = "CRYPTO_ERROR"
	KindInternalError           Kind = "INTERNAL_ERROR"
)

// Error is the concrete type returned for every Kind above. Version is set
// whenever the failure is scoped to one secret version (SecretNotFound,
// SecretExpired, SecretInvalid).
type Error struct {
	ID        uuid.UUID
	Timestamp time.Time
	Kind      Kind
	Summary   string
	Version   *uint64
	Err       error
}

func (e *Error) Error() string {
	if e.Version != nil {
		return fmt.Sprintf("%s [%s] version %d: %s (id=%s)", e.Kind, e.ID, *e.Version, e.Summary, e.ID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.ID, e.Summary, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.ID, e.Summary)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, summary string, err error) *Error {
	return &Error{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Summary:   summary,
		Err:       err,
	}
}

func newVersioned(kind Kind, version uint64, summary string) *Error {
	e := newErr(kind, summary, nil)
	e.Version = &version
	return e
}

func NewSecretNotFound(version uint64) *Error {
	return newVersioned(KindSecretNotFound, version, fmt.Sprintf("secret not found: version %d", version))
}

func NewSecretExpired(version uint64) *Error {
	return newVersioned(KindSecretExpired, version, fmt.Sprintf("secret expired: version %d", version))
}

func NewSecretInvalid(version uint64, reason string) *Error {
	e := newVersioned(KindSecretInvalid, version, reason)
	return e
}

func NewLicenseValidationFailed(reason string) *Error {
	return newErr(KindLicenseValidationFailed, reason, nil)
}

func NewTpmError(summary string, err error) *Error { return newErr(KindTpmError, summary, err) }

func NewNetworkError(summary string, err error) *Error { return newErr(KindNetworkError, summary, err) }

func NewConfigError(summary string, err error) *Error { return newErr(KindConfigError, summary, err) }

func NewIpcError(summary string, err error) *Error { return newErr(KindIpcError, summary, err) }

func NewRotationFailed(summary string) *Error { return newErr(KindRotationFailed, summary, nil) }

func NewCryptoError(summary string, err error) *Error { return newErr(KindCryptoError, summary, err) }

func NewInternalError(summary string, err error) *Error { return newErr(KindInternalError, summary, err) }

// Is reports whether target is, or wraps, an *Error of any Kind.
func Is(target error) bool {
	var e *Error
	return errors.As(target, &e)
}

// KindOf extracts the Kind from target, returning ("", false) if target is not an *Error.
func KindOf(target error) (Kind, bool) {
	var e *Error
	if errors.As(target, &e) {
		return e.Kind, true
	}
	return "", false
}

// ContainsKind reports whether any error in errs has the given Kind.
func ContainsKind(errs []error, kind Kind) bool {
	for _, err := range errs {
		if k, ok := KindOf(err); ok && k == kind {
			return true
		}
	}
	return false
}
