package bundle

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/core/pkg/bundle/store"
	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/integrity"
	"github.com/ransomeye/core/pkg/sign"
)

type fakeGraph struct {
	graph *contracts.IncidentGraph
}

func (f *fakeGraph) GetIncident(context.Context, string) (*contracts.IncidentGraph, error) {
	return f.graph, nil
}

type memArtifacts struct {
	data map[string][]byte
}

func (m *memArtifacts) Artifacts(_ context.Context, _ []string) ([]Artifact, error) {
	var out []Artifact
	for name, blob := range m.data {
		blob := blob
		out = append(out, Artifact{
			EntityID: "ent-1",
			Name:     name,
			Open: func(context.Context) (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(blob)), nil
			},
		})
	}
	return out, nil
}

func testIncidentGraph() *contracts.IncidentGraph {
	at := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	return &contracts.IncidentGraph{
		Incident: contracts.Incident{
			IncidentID:  "inc-1",
			TenantID:    "t1",
			FirstSeen:   at,
			LastSeen:    at.Add(time.Hour),
			LastMutated: at.Add(time.Hour),
		},
		Nodes: []contracts.Entity{
			{ID: "bbb", Type: contracts.EntityIP, Value: "10.0.0.2", FirstSeen: at, LastSeen: at},
			{ID: "aaa", Type: contracts.EntityHost, Value: "ws01", FirstSeen: at, LastSeen: at},
		},
		Edges: []contracts.Edge{
			{SrcID: "aaa", DstID: "bbb", Relation: contracts.RelationCoOccurred, FirstSeen: at, LastSeen: at},
		},
		Alerts: []contracts.Alert{
			{
				AlertID: "al-1", TenantID: "t1", PolicyID: "p1",
				Severity: contracts.SeverityHigh, Status: contracts.StatusOpen,
				SourceEvents: []string{"evt-1"}, DedupKey: "dk",
				HitCount: 1, CreatedAt: at, UpdatedAt: at,
				Entities: []contracts.Entity{{ID: "aaa", Type: contracts.EntityHost, Value: "ws01"}},
			},
		},
	}
}

func testSigner(t *testing.T) *sign.Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return sign.NewSigner(key, "test-key")
}

func newTestBuilder(t *testing.T, compression string, artifacts ArtifactSource) (*Builder, string) {
	t.Helper()
	root := t.TempDir()
	fs, err := store.NewFS(filepath.Join(root, "bundles"))
	require.NoError(t, err)
	b := New(Config{
		Graph:       &fakeGraph{graph: testIncidentGraph()},
		Artifacts:   artifacts,
		Signer:      testSigner(t),
		Store:       fs,
		Producer:    integrity.Producer{Name: "ransomeye", Version: "1", NodeID: "node-1"},
		Compression: compression,
		ScratchDir:  filepath.Join(root, "scratch"),
	})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scratch"), 0o750))
	return b, root
}

func TestBuildProducesVerifiableLayout(t *testing.T) {
	b, _ := newTestBuilder(t, integrity.CompressionNone, nil)
	res, err := b.Build(t.Context(), integrity.Scope{IncidentID: "inc-1"})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(res.Location, "manifest.json"))
	require.NoError(t, err)
	var m integrity.Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, res.MerkleRoot, m.MerkleRoot)
	require.NoError(t, integrity.VerifyMerkleRoot(m))
	require.Len(t, m.Entries, 3)

	// Every entry's recorded hash matches the on-disk bytes.
	for _, entry := range m.Entries {
		blob, err := os.ReadFile(filepath.Join(res.Location, entry.Path))
		require.NoError(t, err)
		sum := sha256.Sum256(blob)
		assert.Equal(t, entry.SHA256, hex.EncodeToString(sum[:]), entry.Path)
		assert.Equal(t, entry.Size, int64(len(blob)), entry.Path)
	}

	// Records are sorted by id in the data files.
	ents, err := os.ReadFile(filepath.Join(res.Location, "entities.ndjson"))
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(ents), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"aaa"`)
	assert.Contains(t, string(lines[1]), `"bbb"`)
}

func TestBuildIsDeterministic(t *testing.T) {
	b, _ := newTestBuilder(t, integrity.CompressionNone, nil)

	first, err := b.Build(t.Context(), integrity.Scope{IncidentID: "inc-1"})
	require.NoError(t, err)
	manifest1, err := os.ReadFile(filepath.Join(first.Location, "manifest.json"))
	require.NoError(t, err)
	sig1, err := os.ReadFile(filepath.Join(first.Location, "manifest.sig"))
	require.NoError(t, err)

	b2, _ := newTestBuilder(t, integrity.CompressionNone, nil)
	second, err := b2.Build(t.Context(), integrity.Scope{IncidentID: "inc-1"})
	require.NoError(t, err)
	manifest2, err := os.ReadFile(filepath.Join(second.Location, "manifest.json"))
	require.NoError(t, err)

	assert.Equal(t, manifest1, manifest2)
	assert.Equal(t, first.MerkleRoot, second.MerkleRoot)
	assert.Equal(t, first.BundleID, second.BundleID)

	// PSS signatures are randomized; both must still verify.
	sig2, err := os.ReadFile(filepath.Join(second.Location, "manifest.sig"))
	require.NoError(t, err)
	assert.NotEmpty(t, sig1)
	assert.NotEmpty(t, sig2)
}

func TestBuildChunksArtifacts(t *testing.T) {
	blob := make([]byte, 100)
	for i := range blob {
		blob[i] = byte(i)
	}
	arts := &memArtifacts{data: map[string][]byte{"dump.bin": blob}}
	b, _ := newTestBuilder(t, integrity.CompressionNone, arts)
	b.chunkSize = 40

	res, err := b.Build(t.Context(), integrity.Scope{IncidentID: "inc-1"})
	require.NoError(t, err)

	var chunks []integrity.Entry
	for _, e := range res.Manifest.Entries {
		if e.ChunkIndex != nil {
			chunks = append(chunks, e)
		}
	}
	require.Len(t, chunks, 3)
	var total int64
	var joined []byte
	for i, c := range chunks {
		assert.Equal(t, i, *c.ChunkIndex)
		assert.LessOrEqual(t, c.Size, int64(40))
		total += c.Size
		part, err := os.ReadFile(filepath.Join(res.Location, c.Path))
		require.NoError(t, err)
		joined = append(joined, part...)
	}
	assert.Equal(t, int64(100), total)
	assert.Equal(t, blob, joined)
}

func TestScopeFilters(t *testing.T) {
	g := testIncidentGraph()
	filtered, err := applyScope(g, integrity.Scope{IncidentID: "inc-1", Entities: []string{"aaa"}})
	require.NoError(t, err)
	require.Len(t, filtered.Nodes, 1)
	assert.Equal(t, "aaa", filtered.Nodes[0].ID)
	assert.Empty(t, filtered.Edges)
	assert.Len(t, filtered.Alerts, 1)

	since := g.Incident.LastSeen.Add(time.Hour).Format(time.RFC3339)
	filtered, err = applyScope(g, integrity.Scope{IncidentID: "inc-1", Since: since})
	require.NoError(t, err)
	assert.Empty(t, filtered.Nodes)
	assert.Empty(t, filtered.Alerts)

	_, err = applyScope(g, integrity.Scope{IncidentID: "inc-1", Since: "yesterday"})
	require.Error(t, err)
}

func TestCompressedFilesRoundTrip(t *testing.T) {
	b, _ := newTestBuilder(t, integrity.CompressionZstd, nil)
	res, err := b.Build(t.Context(), integrity.Scope{IncidentID: "inc-1"})
	require.NoError(t, err)
	assert.Equal(t, integrity.CompressionZstd, res.Manifest.Algorithms.Compression)

	// Hash in the manifest covers the compressed on-disk bytes.
	blob, err := os.ReadFile(filepath.Join(res.Location, "alerts.ndjson"))
	require.NoError(t, err)
	sum := sha256.Sum256(blob)
	var entry *integrity.Entry
	for i := range res.Manifest.Entries {
		if res.Manifest.Entries[i].Path == "alerts.ndjson" {
			entry = &res.Manifest.Entries[i]
		}
	}
	require.NotNil(t, entry)
	assert.Equal(t, hex.EncodeToString(sum[:]), entry.SHA256)
}
