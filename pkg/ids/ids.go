// Package ids generates the identifiers used across the detection core:
// ULIDs for events, alerts, incidents, and jobs, and deterministic
// 128-bit content ids for entities.
package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh ULID. ULIDs from a single process are strictly
// monotonic, so lexicographic filename order equals creation order.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// Parse validates a ULID string.
func Parse(s string) (ulid.ULID, error) {
	return ulid.ParseStrict(s)
}

// Valid reports whether s is a well-formed ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Entity derives the deterministic entity id: the first 128 bits of
// sha256(type || ":" || value), hex-encoded. The value must already be
// normalized; identity is a pure function of (type, value).
func Entity(entityType, value string) string {
	sum := sha256.Sum256([]byte(entityType + ":" + value))
	return hex.EncodeToString(sum[:16])
}
