// Package auth authenticates API callers: operators present JWT bearer
// tokens, agents present mTLS client certificates. Requests with
// neither are rejected.
package auth

import (
	"context"
	"crypto/rsa"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ransomeye/core/pkg/faults"
)

// Principal identifies an authenticated caller.
type Principal struct {
	ID       string
	TenantID string
	Roles    []string
	Agent    bool
}

type principalKey struct{}

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the authenticated principal, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Claims are the JWT claims the core API expects.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// Validator checks operator bearer tokens against a trusted RSA key.
type Validator struct {
	pub *rsa.PublicKey
}

// NewValidator wraps the verification key. A nil key yields a validator
// that rejects every token.
func NewValidator(pub *rsa.PublicKey) *Validator {
	return &Validator{pub: pub}
}

// Validate parses and verifies one token string.
func (v *Validator) Validate(tokenStr string) (*Claims, error) {
	if v == nil || v.pub == nil {
		return nil, faults.Signaturef("auth: no verification key configured")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return v.pub, nil },
		jwt.WithValidMethods([]string{"RS256", "PS256"}))
	if err != nil || !token.Valid {
		return nil, faults.Signaturef("auth: token rejected")
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return nil, faults.Validationf("auth: token missing subject or tenant binding")
	}
	return claims, nil
}

// publicPaths need no authentication.
var publicPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// Middleware authenticates every non-public request. mTLS client
// certificates (verified at the TLS layer) identify agents; bearer
// tokens identify operators.
func Middleware(v *Validator, reject func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
				cert := r.TLS.PeerCertificates[0]
				p := Principal{
					ID:       cert.Subject.CommonName,
					TenantID: tenantFromCert(cert.Subject.Organization),
					Roles:    []string{"agent"},
					Agent:    true,
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}

			header := r.Header.Get("Authorization")
			scheme, token, found := strings.Cut(header, " ")
			if !found || scheme != "Bearer" {
				reject(w, r, faults.Signaturef("auth: missing bearer token"))
				return
			}
			claims, err := v.Validate(token)
			if err != nil {
				reject(w, r, err)
				return
			}
			p := Principal{
				ID:       claims.Subject,
				TenantID: claims.TenantID,
				Roles:    claims.Roles,
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func tenantFromCert(orgs []string) string {
	if len(orgs) > 0 {
		return orgs[0]
	}
	return ""
}
