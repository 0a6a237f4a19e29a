// Package canonical provides the deterministic serialization used as the
// input to every hash and signature in RansomEye: RFC 8785 (JCS) canonical
// JSON with NFC-normalized strings, plus the SHA-256 helpers built on it.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Marshal returns the canonical byte form of v.
//
// 1. v is marshalled to intermediate JSON so struct tags are respected.
// 2. Every string (values and object keys) is normalized to Unicode NFC.
// 3. The result is transformed per RFC 8785: keys sorted by UTF-16 code
//    units, shortest round-trip number form, no insignificant whitespace.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	return Transform(intermediate)
}

// Transform canonicalizes raw JSON bytes. Malformed input is rejected.
func Transform(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode failed: %w", err)
	}
	normalized, err := json.Marshal(normalizeNFC(generic))
	if err != nil {
		return nil, fmt.Errorf("canonical: re-marshal failed: %w", err)
	}
	out, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// normalizeNFC walks a decoded JSON value and NFC-normalizes every string,
// including object keys. Numbers stay json.Number so jcs formats them.
func normalizeNFC(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeNFC(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeNFC(val)
		}
		return out
	case string:
		return norm.NFC.String(t)
	default:
		return v
	}
}

// Hash computes the SHA-256 digest of raw bytes.
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HashHex computes the lowercase hex SHA-256 digest of raw bytes.
func HashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashValue canonicalizes v and returns the hex SHA-256 of the result.
func HashValue(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashHex(b), nil
}
