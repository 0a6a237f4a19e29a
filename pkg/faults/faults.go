// Package faults defines the error taxonomy shared by every RansomEye
// component. Callers classify failures by wrapping one of the sentinel
// kinds below; transports and CLIs map the kind to HTTP status codes,
// problem+json codes, and process exit codes.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", faults.ErrX) so that
// errors.Is matching works across package boundaries.
var (
	// ErrSignature — signature verification failed. Fail-closed, never
	// retried automatically.
	ErrSignature = errors.New("signature verification failed")
	// ErrIntegrity — hash, merkle, or size mismatch. Fail-closed.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrValidation — malformed input or schema violation.
	ErrValidation = errors.New("validation failed")
	// ErrConflict — duplicate fingerprint or idempotent replay.
	ErrConflict = errors.New("conflict")
	// ErrNotFound — referenced resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable — transient storage or network failure, retriable.
	ErrUnavailable = errors.New("unavailable")
	// ErrCancelled — deadline exceeded or shutdown in progress.
	ErrCancelled = errors.New("cancelled")
	// ErrFatal — invariant violated; the process must exit non-zero.
	ErrFatal = errors.New("fatal invariant violation")
)

// Signaturef wraps ErrSignature with a formatted message.
func Signaturef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrSignature)...)
}

// Integrityf wraps ErrIntegrity with a formatted message.
func Integrityf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrIntegrity)...)
}

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Unavailablef wraps ErrUnavailable with a formatted message.
func Unavailablef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnavailable)...)
}

// Fatalf wraps ErrFatal with a formatted message.
func Fatalf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrFatal)...)
}

// Code returns the stable machine-readable code for an error kind.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSignature):
		return "err_signature"
	case errors.Is(err, ErrIntegrity):
		return "err_integrity"
	case errors.Is(err, ErrValidation):
		return "err_validation"
	case errors.Is(err, ErrConflict):
		return "err_conflict"
	case errors.Is(err, ErrNotFound):
		return "err_not_found"
	case errors.Is(err, ErrUnavailable):
		return "err_unavailable"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "err_cancelled"
	case errors.Is(err, ErrFatal):
		return "err_fatal"
	default:
		return "err_internal"
	}
}

// HTTPStatus maps an error kind to the HTTP status its surface returns.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSignature), errors.Is(err, ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode maps an error kind to the CLI exit code contract:
// 0 success, 1 generic failure, 2 validation, 3 signature, 4 storage.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrValidation):
		return 2
	case errors.Is(err, ErrSignature), errors.Is(err, ErrIntegrity):
		return 3
	case errors.Is(err, ErrUnavailable):
		return 4
	default:
		return 1
	}
}

// Retriable reports whether the queue should retry a job that failed
// with err. Integrity and signature failures are never retried.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSignature) || errors.Is(err, ErrIntegrity) ||
		errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrFatal) {
		return false
	}
	return true
}
