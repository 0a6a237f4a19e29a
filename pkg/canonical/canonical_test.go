package canonical

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysAndStripsWhitespace(t *testing.T) {
	got, err := Marshal(map[string]any{"b": 2, "a": 1, "c": []int{3, 1}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":[3,1]}`, string(got))
}

func TestMarshalRespectsStructTags(t *testing.T) {
	type sample struct {
		Zed   string `json:"zed"`
		Alpha int    `json:"alpha"`
	}
	got, err := Marshal(sample{Zed: "z", Alpha: 7})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":7,"zed":"z"}`, string(got))
}

func TestMarshalNormalizesToNFC(t *testing.T) {
	// U+0065 U+0301 (e + combining acute) must become U+00E9.
	decomposed := "é"
	composed := "é"
	a, err := Marshal(map[string]string{decomposed: decomposed})
	require.NoError(t, err)
	b, err := Marshal(map[string]string{composed: composed})
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestTransformRejectsMalformedJSON(t *testing.T) {
	_, err := Transform([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestHashHex(t *testing.T) {
	// sha256("") well-known vector.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashHex(nil))
}

// Invariant: parse(canonical(v)) deep-equals v, and canonicalization is
// idempotent byte-for-byte.
func TestCanonicalIdempotence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// gopter's Gen.Map cannot map to `any` directly (a mapper returning
	// interface{} is mistaken for one returning *gopter.GenResult), so widen
	// the ResultType via the *GenResult mapper form instead. MapOf applies the
	// first element's sieve and shrinker to every element regardless of type,
	// so the string sieve must ignore non-strings and typed shrinkers must go.
	anyType := reflect.TypeOf((*any)(nil)).Elem()
	asAny := func(g gopter.Gen) gopter.Gen {
		return g.Map(func(r *gopter.GenResult) *gopter.GenResult {
			r.ResultType = anyType
			r.Shrinker = gopter.NoShrinker
			if sieve := r.Sieve; sieve != nil {
				r.Sieve = func(v interface{}) bool {
					if _, ok := v.(string); !ok {
						return true
					}
					return sieve(v)
				}
			}
			return r
		})
	}
	genValue := gen.MapOf(gen.Identifier(), gen.OneGenOf(
		asAny(gen.AnyString()),
		asAny(gen.Int64()),
		asAny(gen.Bool()),
	))

	properties.Property("canonical is idempotent", prop.ForAll(
		func(m map[string]any) bool {
			first, err := Marshal(m)
			if err != nil {
				return false
			}
			second, err := Transform(first)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		genValue,
	))

	properties.Property("parse(canonical(v)) preserves structure", prop.ForAll(
		func(m map[string]any) bool {
			b, err := Marshal(m)
			if err != nil {
				return false
			}
			var back map[string]any
			if err := json.Unmarshal(b, &back); err != nil {
				return false
			}
			rt, err := Marshal(back)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(b, rt)
		},
		genValue,
	))

	properties.TestingRun(t)
}
