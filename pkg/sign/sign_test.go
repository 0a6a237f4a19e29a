package sign

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ransomeye/core/pkg/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2048-bit keys keep the suite fast; the production key size is enforced
// at keygen, not at verify.
func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key := testKey(t)
	signer := NewSigner(key, "test-key")

	payload := []byte(`{"version":"1"}`)
	sig, err := signer.Sign(payload)
	require.NoError(t, err)

	require.NoError(t, Verify(signer.Public(), payload, sig))

	// PSS is randomized: two signatures differ but both verify.
	sig2, err := signer.Sign(payload)
	require.NoError(t, err)
	assert.NotEqual(t, sig, sig2)
	require.NoError(t, Verify(signer.Public(), payload, sig2))
}

func TestVerifyFailsClosedOnTamper(t *testing.T) {
	key := testKey(t)
	signer := NewSigner(key, "test-key")

	payload := []byte("original")
	sig, err := signer.Sign(payload)
	require.NoError(t, err)

	err = Verify(signer.Public(), []byte("tampered"), sig)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrSignature))

	flipped := append([]byte(nil), sig...)
	flipped[0] ^= 0x01
	err = Verify(signer.Public(), payload, flipped)
	assert.True(t, errors.Is(err, faults.ErrSignature))
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	key := testKey(t)
	err := Verify(&key.PublicKey, []byte("x"), nil)
	assert.True(t, errors.Is(err, faults.ErrValidation))

	err = Verify(nil, []byte("x"), []byte("sig"))
	assert.True(t, errors.Is(err, faults.ErrValidation))
}

func TestNilSignerFailsClosed(t *testing.T) {
	var s *Signer
	_, err := s.Sign([]byte("x"))
	assert.ErrorIs(t, err, ErrSignerNotConfigured)
}

func TestPEMRoundTrip(t *testing.T) {
	key := testKey(t)
	dir := t.TempDir()

	privPEM, err := EncodePrivatePEM(key)
	require.NoError(t, err)
	pubPEM, err := EncodePublicPEM(&key.PublicKey)
	require.NoError(t, err)

	privPath := filepath.Join(dir, "sign.key")
	pubPath := filepath.Join(dir, "sign.pub")
	require.NoError(t, os.WriteFile(privPath, privPEM, 0o600))
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0o644))

	signer, err := LoadSigner(privPath, "loaded")
	require.NoError(t, err)
	pub, err := LoadPublicKey(pubPath)
	require.NoError(t, err)

	sig, err := signer.Sign([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, Verify(pub, []byte("payload"), sig))
}

func TestLoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "junk.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := LoadPrivateKey(path)
	assert.True(t, errors.Is(err, faults.ErrValidation))
	_, err = LoadPublicKey(path)
	assert.True(t, errors.Is(err, faults.ErrValidation))
}
