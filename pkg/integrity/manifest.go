package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/ransomeye/core/pkg/canonical"
	"github.com/ransomeye/core/pkg/faults"
)

// Algorithm identifiers recorded in every manifest.
const (
	HashAlgorithm      = "sha-256"
	SignatureAlgorithm = "rsa-pss-sha256"
	CompressionZstd    = "zstd"
	CompressionGzip    = "gzip"
	CompressionNone    = "none"
)

// ManifestVersion is the current on-disk manifest schema version.
const ManifestVersion = "1"

// Entry describes one file inside a bundle. Hashes are computed while the
// file is written, never by a second read pass.
type Entry struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256"`
	ChunkIndex *int   `json:"chunk_index,omitempty"`
}

// Producer identifies the node that built a bundle.
type Producer struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	NodeID  string `json:"node_id"`
}

// Algorithms records the primitives a bundle was built with.
type Algorithms struct {
	Hash        string `json:"hash"`
	Signature   string `json:"signature"`
	Compression string `json:"compression"`
}

// Scope records what slice of an incident a bundle covers.
type Scope struct {
	IncidentID string   `json:"incident_id"`
	Since      string   `json:"since,omitempty"`
	Entities   []string `json:"entities,omitempty"`
}

// Manifest is the signed table of contents of a bundle.
type Manifest struct {
	Version    string     `json:"version"`
	Producer   Producer   `json:"producer"`
	CreatedAt  string     `json:"created_at"`
	Algorithms Algorithms `json:"algorithms"`
	Scope      Scope      `json:"scope"`
	Entries    []Entry    `json:"entries"`
	MerkleRoot string     `json:"merkle_root"`
}

// NewManifest assembles a manifest, computing the merkle root and
// stamping the creation time (RFC 3339 UTC, millisecond precision).
func NewManifest(producer Producer, algorithms Algorithms, scope Scope, entries []Entry) Manifest {
	return NewManifestAt(producer, algorithms, scope, entries, time.Now())
}

// NewManifestAt is NewManifest with an explicit creation time, so builds
// derived from the same stored state stay byte-identical.
func NewManifestAt(producer Producer, algorithms Algorithms, scope Scope, entries []Entry, at time.Time) Manifest {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	return Manifest{
		Version:    ManifestVersion,
		Producer:   producer,
		CreatedAt:  at.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Algorithms: algorithms,
		Scope:      scope,
		Entries:    sorted,
		MerkleRoot: MerkleRoot(sorted),
	}
}

// CanonicalBytes returns the canonical JSON form signed as manifest.sig.
func (m Manifest) CanonicalBytes() ([]byte, error) {
	return canonical.Marshal(m)
}

// MerkleRoot computes SHA-256 over the sorted concatenation of the entry
// hashes. It is tamper-evident on its own, before any signature check.
func MerkleRoot(entries []Entry) string {
	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.SHA256
	}
	sort.Strings(hashes)
	h := sha256.New()
	for _, hx := range hashes {
		raw, err := hex.DecodeString(hx)
		if err != nil {
			// A non-hex entry hash can only come from manifest tampering;
			// hash the literal bytes so the root still diverges.
			raw = []byte(hx)
		}
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyMerkleRoot recomputes the root from entries and compares.
func VerifyMerkleRoot(m Manifest) error {
	if got := MerkleRoot(m.Entries); got != m.MerkleRoot {
		return faults.Integrityf("manifest merkle root mismatch: recorded %s, recomputed %s", m.MerkleRoot, got)
	}
	return nil
}
