// Package sign implements the signing primitive used for manifests and
// receipts: RSA-PSS over SHA-256 with salt length equal to the digest
// length, RSA-4096 keys, PEM encoding on disk. Verification is
// fail-closed: any error aborts the caller.
package sign

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/ransomeye/core/pkg/faults"
)

// KeyBits is the required modulus size for signing keys.
const KeyBits = 4096

var pssOptions = &rsa.PSSOptions{
	SaltLength: sha256.Size,
	Hash:       crypto.SHA256,
}

// ErrSignerNotConfigured is returned when a component that must sign has
// no key loaded. Producing unsigned output is never an option.
var ErrSignerNotConfigured = errors.New("sign: signer not configured (fail-closed)")

// Signer signs canonical bytes with an RSA private key.
type Signer struct {
	key   *rsa.PrivateKey
	keyID string
}

// NewSigner wraps an already-loaded private key.
func NewSigner(key *rsa.PrivateKey, keyID string) *Signer {
	return &Signer{key: key, keyID: keyID}
}

// LoadSigner reads a PEM private key from path.
func LoadSigner(path, keyID string) (*Signer, error) {
	key, err := LoadPrivateKey(path)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, keyID: keyID}, nil
}

// KeyID identifies the key for audit records.
func (s *Signer) KeyID() string { return s.keyID }

// Public returns the verification half of the signing key.
func (s *Signer) Public() *rsa.PublicKey { return &s.key.PublicKey }

// Sign produces a detached RSA-PSS signature over data.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, ErrSignerNotConfigured
	}
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], pssOptions)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// Verify checks a detached signature. It returns faults.ErrSignature on
// mismatch and faults.ErrValidation on malformed input; both abort the
// caller's unit of work.
func Verify(pub *rsa.PublicKey, data, sig []byte) error {
	if pub == nil {
		return faults.Validationf("sign: nil public key")
	}
	if len(sig) == 0 {
		return faults.Validationf("sign: empty signature")
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, pssOptions); err != nil {
		return faults.Signaturef("sign: pss verify")
	}
	return nil
}

// Generate creates a new RSA-4096 keypair.
func Generate() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("sign: keygen: %w", err)
	}
	return key, nil
}

// LoadPrivateKey reads a PKCS#8 or PKCS#1 PEM private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sign: read key %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, faults.Validationf("sign: no PEM block in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, faults.Validationf("sign: parse private key %s", path)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, faults.Validationf("sign: %s is not an RSA key", path)
	}
	return key, nil
}

// LoadPublicKey reads a PKIX or PKCS#1 PEM public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sign: read key %s: %w", path, err)
	}
	return ParsePublicKey(raw)
}

// ParsePublicKey parses PEM public key bytes.
func ParsePublicKey(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, faults.Validationf("sign: no PEM block in public key")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, faults.Validationf("sign: parse public key")
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, faults.Validationf("sign: not an RSA public key")
	}
	return key, nil
}

// EncodePrivatePEM serializes a private key as PKCS#8 PEM.
func EncodePrivatePEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("sign: marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicPEM serializes a public key as PKIX PEM.
func EncodePublicPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("sign: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
