package entity

import (
	"errors"
	"sort"
	"testing"

	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIP(t *testing.T) {
	cases := map[string]string{
		"10.0.0.1":                "10.0.0.1",
		"2001:0DB8:0:0:0:0:0:1":   "2001:db8::1",
		"2001:db8::0:1":           "2001:db8::1",
		"::ffff:192.168.1.1":      "192.168.1.1",
		"fe80:0:0:0:0:0:0:1":      "fe80::1",
		"0:0:0:0:0:0:0:1":         "::1",
		"2001:db8:0:1:1:1:1:1":    "2001:db8:0:1:1:1:1:1",
		"2001:DB8:AAAA:0:0:0:0:1": "2001:db8:aaaa::1",
	}
	for in, want := range cases {
		got, err := Normalize(contracts.EntityIP, in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := Normalize(contracts.EntityIP, "999.1.1.1")
	assert.True(t, errors.Is(err, faults.ErrValidation))
}

func TestNormalizeDomain(t *testing.T) {
	got, err := Normalize(contracts.EntityDomain, "Example.COM.")
	require.NoError(t, err)
	assert.Equal(t, "example.com", got)

	got, err = Normalize(contracts.EntityDomain, "bücher.example")
	require.NoError(t, err)
	assert.Equal(t, "xn--bcher-kva.example", got)
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		// Path is percent-decoded then re-encoded, fragment dropped.
		"HTTP://Example.com:80/a%20b?q=1#frag": "http://example.com/a%20b?q=1",
		"https://example.com:443/path":         "https://example.com/path",
		"https://example.com:8443/path":        "https://example.com:8443/path",
		"http://[2001:DB8::1]:80/x":            "http://[2001:db8::1]/x",
	}
	for in, want := range cases {
		got, err := Normalize(contracts.EntityURL, in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := Normalize(contracts.EntityURL, "not-a-url")
	assert.True(t, errors.Is(err, faults.ErrValidation))
}

func TestNormalizeFileHash(t *testing.T) {
	md5 := "D41D8CD98F00B204E9800998ECF8427E"
	got, err := Normalize(contracts.EntityFileHash, md5)
	require.NoError(t, err)
	assert.Equal(t, "md5:d41d8cd98f00b204e9800998ecf8427e", got)

	sha256hex := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	got, err = Normalize(contracts.EntityFileHash, "SHA256:"+sha256hex)
	require.NoError(t, err)
	assert.Equal(t, "sha256:"+sha256hex, got)

	got, err = Normalize(contracts.EntityFileHash, sha256hex)
	require.NoError(t, err)
	assert.Equal(t, "sha256:"+sha256hex, got, "length inference for untagged digests")

	_, err = Normalize(contracts.EntityFileHash, "zz11")
	assert.True(t, errors.Is(err, faults.ErrValidation))
	_, err = Normalize(contracts.EntityFileHash, "abcd")
	assert.True(t, errors.Is(err, faults.ErrValidation), "bare hash of unknown length")
}

func TestNormalizeUserShapes(t *testing.T) {
	got, err := Normalize(contracts.EntityUser, `CORP\Alice`)
	require.NoError(t, err)
	assert.Equal(t, `corp\alice`, got)

	got, err = Normalize(contracts.EntityUser, "alice@EXAMPLE.ORG")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", got)

	got, err = Normalize(contracts.EntityUser, "root")
	require.NoError(t, err)
	assert.Equal(t, "root", got)
}

func TestNormalizeProcess(t *testing.T) {
	got, err := Normalize(contracts.EntityProcess, ProcessValue(`C:\Windows\System32\CMD.EXE`, "/C  Whoami"))
	require.NoError(t, err)
	assert.Equal(t, "cmd.exe /c whoami", got)

	got, err = Normalize(contracts.EntityProcess, ProcessValue("/usr/bin/ssh", ""))
	require.NoError(t, err)
	assert.Equal(t, "ssh", got)
}

func TestIdentityIsPureFunctionOfNormalizedValue(t *testing.T) {
	a, err := New(contracts.EntityIP, "2001:0DB8::1")
	require.NoError(t, err)
	b, err := New(contracts.EntityIP, "2001:db8:0:0:0:0:0:1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.Value, b.Value)
}

func TestFromEventNetwork(t *testing.T) {
	e := contracts.Event{
		EventID: "e1", AgentID: "a1", TenantID: "t1", OccurredAt: 1,
		Kind: contracts.KindNetwork,
		Payload: map[string]any{
			"host":   "WEB-01",
			"src_ip": "10.0.0.1",
			"dst_ip": "10.0.0.1", // duplicate of src — must dedupe
			"domain": "Example.com",
		},
	}
	got, err := FromEvent(e)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i].ID < got[j].ID }))
}

func TestFromEventRequiresEntitiesUnlessOptional(t *testing.T) {
	e := contracts.Event{
		EventID: "e1", AgentID: "a1", TenantID: "t1", OccurredAt: 1,
		Kind:    contracts.KindNetwork,
		Payload: map[string]any{"bytes": float64(1000)},
	}
	_, err := FromEvent(e)
	assert.True(t, errors.Is(err, faults.ErrValidation))

	e.Kind = contracts.KindIntegrity
	got, err := FromEvent(e)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFromEventMalformedFieldPoisonsEvent(t *testing.T) {
	e := contracts.Event{
		EventID: "e1", AgentID: "a1", TenantID: "t1", OccurredAt: 1,
		Kind:    contracts.KindNetwork,
		Payload: map[string]any{"src_ip": "not-an-ip", "host": "ok"},
	}
	_, err := FromEvent(e)
	assert.True(t, errors.Is(err, faults.ErrValidation))
}

func TestFromEventProcess(t *testing.T) {
	e := contracts.Event{
		EventID: "e1", AgentID: "a1", TenantID: "t1", OccurredAt: 1,
		Kind: contracts.KindProcess,
		Payload: map[string]any{
			"host":    "web-01",
			"exe":     "/usr/sbin/crond",
			"cmdline": "-n",
			"user":    "root",
		},
	}
	got, err := FromEvent(e)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	var values []string
	for _, ent := range got {
		values = append(values, string(ent.Type)+"="+ent.Value)
	}
	assert.Contains(t, values, "process=crond -n")
}
