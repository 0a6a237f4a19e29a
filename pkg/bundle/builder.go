// Package bundle materializes incidents into signed, chunked, verifiable
// archives. Building is streaming and single-pass: every hash in the
// manifest is computed while the bytes are written.
package bundle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ransomeye/core/pkg/canonical"
	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/integrity"
	"github.com/ransomeye/core/pkg/sign"
)

// DefaultChunkSize caps payload chunks at 256 MiB.
const DefaultChunkSize = 256 << 20

// CompressionAuto selects zstd, falling back to gzip if the zstd encoder
// cannot initialize.
const CompressionAuto = "auto"

// GraphSource materializes incidents for export.
type GraphSource interface {
	GetIncident(ctx context.Context, incidentID string) (*contracts.IncidentGraph, error)
}

// Artifact is one raw file referenced by an entity, streamed into the
// bundle's chunk series.
type Artifact struct {
	EntityID string
	Name     string
	Open     func(ctx context.Context) (io.ReadCloser, error)
}

// ArtifactSource resolves the raw files referenced by a set of entities.
type ArtifactSource interface {
	Artifacts(ctx context.Context, entityIDs []string) ([]Artifact, error)
}

// Store is where finished bundles live.
type Store interface {
	// Put moves a finished scratch directory into the store under
	// bundleID and returns its location.
	Put(ctx context.Context, bundleID, srcDir string) (location string, err error)
	// Fetch materializes a stored bundle into destDir.
	Fetch(ctx context.Context, bundleID, destDir string) error
}

// Builder assembles bundles from the correlation graph.
type Builder struct {
	graph       GraphSource
	artifacts   ArtifactSource
	signer      *sign.Signer
	store       Store
	producer    integrity.Producer
	chunkSize   int64
	compression string
	scratchRoot string
	logger      *slog.Logger
}

// Config parameterizes a Builder. Artifacts may be nil when no artifact
// store is deployed.
type Config struct {
	Graph       GraphSource
	Artifacts   ArtifactSource
	Signer      *sign.Signer
	Store       Store
	Producer    integrity.Producer
	ChunkSize   int64
	Compression string
	ScratchDir  string
}

// New builds a Builder.
func New(cfg Config) *Builder {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionAuto
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	return &Builder{
		graph:       cfg.Graph,
		artifacts:   cfg.Artifacts,
		signer:      cfg.Signer,
		store:       cfg.Store,
		producer:    cfg.Producer,
		chunkSize:   cfg.ChunkSize,
		compression: cfg.Compression,
		scratchRoot: cfg.ScratchDir,
		logger:      slog.Default().With("component", "bundle"),
	}
}

// Result describes a finished bundle.
type Result struct {
	BundleID   string
	Location   string
	MerkleRoot string
	Manifest   integrity.Manifest
}

// Build materializes one incident under the given scope. Deterministic
// for a fixed stored state: same scope twice yields byte-identical
// manifests (the signature alone differs, PSS is randomized).
func (b *Builder) Build(ctx context.Context, scope integrity.Scope) (*Result, error) {
	g, err := b.loadLive(ctx, scope.IncidentID)
	if err != nil {
		return nil, err
	}
	g, err = applyScope(g, scope)
	if err != nil {
		return nil, err
	}

	compression, err := b.resolveCompression(ctx)
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp(b.scratchRoot, "bundle-*")
	if err != nil {
		return nil, faults.Unavailablef("bundle: scratch dir: %v", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	var entries []integrity.Entry

	sort.Slice(g.Nodes, func(i, j int) bool { return g.Nodes[i].ID < g.Nodes[j].ID })
	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].SrcID != g.Edges[j].SrcID {
			return g.Edges[i].SrcID < g.Edges[j].SrcID
		}
		return g.Edges[i].DstID < g.Edges[j].DstID
	})
	sort.Slice(g.Alerts, func(i, j int) bool { return g.Alerts[i].AlertID < g.Alerts[j].AlertID })

	for _, data := range []struct {
		path  string
		write func(io.Writer) error
	}{
		{"entities.ndjson", func(w io.Writer) error { return writeNDJSON(ctx, w, g.Nodes) }},
		{"edges.ndjson", func(w io.Writer) error { return writeNDJSON(ctx, w, g.Edges) }},
		{"alerts.ndjson", func(w io.Writer) error { return writeNDJSON(ctx, w, g.Alerts) }},
	} {
		entry, err := b.writeFile(scratch, data.path, compression, data.write)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	chunkEntries, err := b.writeArtifacts(ctx, scratch, g)
	if err != nil {
		return nil, err
	}
	entries = append(entries, chunkEntries...)

	algorithms := integrity.Algorithms{
		Hash:        integrity.HashAlgorithm,
		Signature:   integrity.SignatureAlgorithm,
		Compression: compression,
	}
	// created_at derives from the graph state, not the wall clock, so a
	// rebuild of the same state is byte-identical.
	manifest := integrity.NewManifestAt(b.producer, algorithms, scope, entries, g.Incident.LastMutated)
	manifestBytes, err := manifest.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	if err := integrity.WriteAtomic(scratch+"/manifest.json", manifestBytes, 0o640); err != nil {
		return nil, err
	}
	sig, err := b.signer.Sign(manifestBytes)
	if err != nil {
		return nil, err
	}
	if err := integrity.WriteAtomic(scratch+"/manifest.sig", []byte(hex.EncodeToString(sig)+"\n"), 0o640); err != nil {
		return nil, err
	}

	bundleID := scope.IncidentID + "-" + manifest.MerkleRoot[:16]
	location, err := b.store.Put(ctx, bundleID, scratch)
	if err != nil {
		return nil, err
	}
	b.logger.InfoContext(ctx, "bundle built",
		"bundle_id", bundleID, "incident_id", scope.IncidentID,
		"entries", len(entries), "compression", compression, "location", location)
	return &Result{
		BundleID:   bundleID,
		Location:   location,
		MerkleRoot: manifest.MerkleRoot,
		Manifest:   manifest,
	}, nil
}

// loadLive follows merge tombstones to the surviving incident.
func (b *Builder) loadLive(ctx context.Context, incidentID string) (*contracts.IncidentGraph, error) {
	id := incidentID
	for hop := 0; hop < 32; hop++ {
		g, err := b.graph.GetIncident(ctx, id)
		if err != nil {
			return nil, err
		}
		if !g.Incident.Frozen() {
			return g, nil
		}
		id = g.Incident.MergedInto
	}
	return nil, faults.Integrityf("bundle: merge chain from %s does not terminate", incidentID)
}

func (b *Builder) resolveCompression(ctx context.Context) (string, error) {
	switch b.compression {
	case integrity.CompressionZstd, CompressionAuto:
		if _, err := zstd.NewWriter(io.Discard); err != nil {
			if b.compression == integrity.CompressionZstd {
				return "", faults.Unavailablef("bundle: zstd unavailable: %v", err)
			}
			b.logger.WarnContext(ctx, "zstd unavailable, falling back to gzip", "error", err)
			return integrity.CompressionGzip, nil
		}
		return integrity.CompressionZstd, nil
	case integrity.CompressionGzip, integrity.CompressionNone:
		return b.compression, nil
	default:
		return "", faults.Validationf("bundle: unknown compression %q", b.compression)
	}
}

func (b *Builder) writeFile(scratch, relPath, compression string, write func(io.Writer) error) (integrity.Entry, error) {
	fw, err := newFileWriter(scratch, relPath, compression)
	if err != nil {
		return integrity.Entry{}, err
	}
	if err := write(fw); err != nil {
		_ = fw.file.Close()
		return integrity.Entry{}, err
	}
	return fw.Close()
}

func (b *Builder) writeArtifacts(ctx context.Context, scratch string, g *contracts.IncidentGraph) ([]integrity.Entry, error) {
	if b.artifacts == nil {
		return nil, nil
	}
	entityIDs := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		entityIDs[i] = n.ID
	}
	artifacts, err := b.artifacts.Artifacts(ctx, entityIDs)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, nil
	}
	sort.Slice(artifacts, func(i, j int) bool {
		if artifacts[i].EntityID != artifacts[j].EntityID {
			return artifacts[i].EntityID < artifacts[j].EntityID
		}
		return artifacts[i].Name < artifacts[j].Name
	})

	cw, err := newChunkWriter(scratch, b.chunkSize)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, CopyBlockSize)
	for _, art := range artifacts {
		if err := ctx.Err(); err != nil {
			return nil, faults.Unavailablef("bundle: cancelled: %v", err)
		}
		rc, err := art.Open(ctx)
		if err != nil {
			return nil, faults.Unavailablef("bundle: open artifact %s/%s: %v", art.EntityID, art.Name, err)
		}
		_, err = io.CopyBuffer(cw, rc, buf)
		_ = rc.Close()
		if err != nil {
			return nil, err
		}
	}
	return cw.Close()
}

func writeNDJSON[T any](ctx context.Context, w io.Writer, records []T) error {
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return faults.Unavailablef("bundle: cancelled: %v", err)
		}
		line, err := canonical.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return nil
}

// applyScope restricts a graph to the requested slice.
func applyScope(g *contracts.IncidentGraph, scope integrity.Scope) (*contracts.IncidentGraph, error) {
	var since time.Time
	if scope.Since != "" {
		parsed, err := time.Parse(time.RFC3339, scope.Since)
		if err != nil {
			return nil, faults.Validationf("bundle: scope since %q: %v", scope.Since, err)
		}
		since = parsed
	}
	keepEntity := map[string]bool{}
	restrict := len(scope.Entities) > 0
	if restrict {
		for _, id := range scope.Entities {
			keepEntity[id] = true
		}
	}

	out := &contracts.IncidentGraph{Incident: g.Incident}
	kept := map[string]bool{}
	for _, n := range g.Nodes {
		if restrict && !keepEntity[n.ID] {
			continue
		}
		if !since.IsZero() && n.LastSeen.Before(since) {
			continue
		}
		out.Nodes = append(out.Nodes, n)
		kept[n.ID] = true
	}
	for _, e := range g.Edges {
		if !kept[e.SrcID] || !kept[e.DstID] {
			continue
		}
		if !since.IsZero() && e.LastSeen.Before(since) {
			continue
		}
		out.Edges = append(out.Edges, e)
	}
	for _, a := range g.Alerts {
		if !since.IsZero() && a.CreatedAt.Before(since) {
			continue
		}
		if restrict {
			touches := false
			for _, ent := range a.Entities {
				if kept[ent.ID] {
					touches = true
					break
				}
			}
			if !touches {
				continue
			}
		}
		out.Alerts = append(out.Alerts, a)
	}
	return out, nil
}

// Handler returns the build_bundle queue handler.
func Handler(b *Builder) func(ctx context.Context, job *contracts.Job) error {
	return func(ctx context.Context, job *contracts.Job) error {
		var payload contracts.BuildBundlePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return faults.Validationf("bundle: job payload: %v", err)
		}
		if payload.IncidentID == "" {
			return faults.Validationf("bundle: job missing incident_id")
		}
		_, err := b.Build(ctx, integrity.Scope{
			IncidentID: payload.IncidentID,
			Since:      payload.Since,
			Entities:   payload.Entities,
		})
		return err
	}
}
