package auth_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/core/pkg/auth"
	"github.com/ransomeye/core/pkg/faults"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func mintToken(t *testing.T, key *rsa.PrivateKey, claims auth.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func operatorClaims(subject, tenant string) auth.Claims {
	return auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenant,
		Roles:    []string{"operator"},
	}
}

func TestValidateAcceptsGoodToken(t *testing.T) {
	key := testKey(t)
	v := auth.NewValidator(&key.PublicKey)

	claims, err := v.Validate(mintToken(t, key, operatorClaims("op-1", "tenant-1")))
	require.NoError(t, err)
	assert.Equal(t, "op-1", claims.Subject)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, []string{"operator"}, claims.Roles)
}

func TestValidateRejectsWrongKey(t *testing.T) {
	key := testKey(t)
	other := testKey(t)
	v := auth.NewValidator(&other.PublicKey)

	_, err := v.Validate(mintToken(t, key, operatorClaims("op-1", "tenant-1")))
	assert.True(t, errors.Is(err, faults.ErrSignature))
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	key := testKey(t)
	v := auth.NewValidator(&key.PublicKey)

	claims := operatorClaims("op-1", "tenant-1")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	_, err := v.Validate(mintToken(t, key, claims))
	assert.True(t, errors.Is(err, faults.ErrSignature))
}

func TestValidateRejectsMissingTenant(t *testing.T) {
	key := testKey(t)
	v := auth.NewValidator(&key.PublicKey)

	_, err := v.Validate(mintToken(t, key, operatorClaims("op-1", "")))
	assert.True(t, errors.Is(err, faults.ErrValidation))
}

func TestValidateWithoutKeyFailsClosed(t *testing.T) {
	v := auth.NewValidator(nil)
	_, err := v.Validate("anything")
	assert.True(t, errors.Is(err, faults.ErrSignature))
}

func middlewareHarness(t *testing.T, v *auth.Validator) (http.Handler, *auth.Principal, *int) {
	t.Helper()
	var seen auth.Principal
	var rejected int
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := auth.FromContext(r.Context()); ok {
			seen = p
		}
		w.WriteHeader(http.StatusOK)
	})
	reject := func(w http.ResponseWriter, _ *http.Request, _ error) {
		rejected++
		w.WriteHeader(http.StatusUnauthorized)
	}
	return auth.Middleware(v, reject)(next), &seen, &rejected
}

func TestMiddlewareBearerToken(t *testing.T) {
	key := testKey(t)
	h, seen, rejected := middlewareHarness(t, auth.NewValidator(&key.PublicKey))

	req := httptest.NewRequest(http.MethodGet, "/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, key, operatorClaims("op-7", "tenant-9")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, *rejected)
	assert.Equal(t, "op-7", seen.ID)
	assert.Equal(t, "tenant-9", seen.TenantID)
	assert.False(t, seen.Agent)
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	key := testKey(t)
	h, _, rejected := middlewareHarness(t, auth.NewValidator(&key.PublicKey))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alerts", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, *rejected)
}

func TestMiddlewarePublicPaths(t *testing.T) {
	key := testKey(t)
	h, _, rejected := middlewareHarness(t, auth.NewValidator(&key.PublicKey))

	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	assert.Zero(t, *rejected)
}

func TestMiddlewareMTLSPeer(t *testing.T) {
	key := testKey(t)
	h, seen, rejected := middlewareHarness(t, auth.NewValidator(&key.PublicKey))

	req := httptest.NewRequest(http.MethodPost, "https://core.example/events", nil)
	req.TLS.PeerCertificates = []*x509.Certificate{{
		Subject: pkix.Name{
			CommonName:   "agent-42",
			Organization: []string{"tenant-3"},
		},
	}}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, *rejected)
	assert.Equal(t, "agent-42", seen.ID)
	assert.Equal(t, "tenant-3", seen.TenantID)
	assert.True(t, seen.Agent)
	assert.Equal(t, []string{"agent"}, seen.Roles)
}
