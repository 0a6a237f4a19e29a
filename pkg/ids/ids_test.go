package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsMonotonicWithinProcess(t *testing.T) {
	got := make([]string, 200)
	for i := range got {
		got[i] = New()
	}
	sorted := append([]string(nil), got...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, got, "ULIDs must sort in creation order")

	seen := map[string]bool{}
	for _, id := range got {
		require.False(t, seen[id], "duplicate ULID %s", id)
		seen[id] = true
		require.True(t, Valid(id))
	}
}

func TestEntityKnownVector(t *testing.T) {
	sum := sha256.Sum256([]byte("ip:10.0.0.1"))
	assert.Equal(t, hex.EncodeToString(sum[:16]), Entity("ip", "10.0.0.1"))
	assert.Len(t, Entity("host", "web-01"), 32)
}

// Property: entity ids are a pure function of (type, value) and distinct
// types never collide for the same value.
func TestEntityDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same input, same id", prop.ForAll(
		func(typ, value string) bool {
			return Entity(typ, value) == Entity(typ, value)
		},
		gen.AlphaString(), gen.AnyString(),
	))

	properties.Property("type participates in the id", prop.ForAll(
		func(value string) bool {
			return Entity("host", value) != Entity("domain", value)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
