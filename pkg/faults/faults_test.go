package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeMatchesWrappedKinds(t *testing.T) {
	assert.Equal(t, "err_signature", Code(Signaturef("manifest %s", "m1")))
	assert.Equal(t, "err_integrity", Code(Integrityf("chunk 3")))
	assert.Equal(t, "err_validation", Code(Validationf("bad kind")))
	assert.Equal(t, "err_conflict", Code(Conflictf("duplicate fingerprint")))
	assert.Equal(t, "err_unavailable", Code(Unavailablef("db down")))
	assert.Equal(t, "err_cancelled", Code(context.DeadlineExceeded))
	assert.Equal(t, "err_fatal", Code(Fatalf("rollback failed")))
	assert.Equal(t, "err_internal", Code(errors.New("who knows")))
	assert.Equal(t, "ok", Code(nil))
}

func TestCodeSurvivesDeepWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrSignature))
	assert.Equal(t, "err_signature", Code(err))
	assert.Equal(t, 3, ExitCode(err))
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("generic")))
	assert.Equal(t, 2, ExitCode(Validationf("x")))
	assert.Equal(t, 3, ExitCode(Integrityf("x")))
	assert.Equal(t, 3, ExitCode(Signaturef("x")))
	assert.Equal(t, 4, ExitCode(Unavailablef("x")))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Validationf("x")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Conflictf("x")))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(Unavailablef("x")))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(Integrityf("x")))
}

func TestRetriable(t *testing.T) {
	assert.True(t, Retriable(Unavailablef("x")))
	assert.True(t, Retriable(errors.New("unknown")))
	assert.False(t, Retriable(Signaturef("x")))
	assert.False(t, Retriable(Integrityf("x")))
	assert.False(t, Retriable(Validationf("x")))
	assert.False(t, Retriable(nil))
}
