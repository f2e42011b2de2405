// Package syncer brings an installation up to a manifest: full manifests are downloaded chunk by chunk
// and reassembled, diff manifests have their patch blobs staged for the patch engine.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mycoool/sophonsync/internal/hashcache"
	"github.com/mycoool/sophonsync/internal/manifest"
	"github.com/mycoool/sophonsync/internal/progress"
	"github.com/mycoool/sophonsync/internal/syncerr"
)

// SkipCheck decides when an existing file counts as already synced.
type SkipCheck string

const (
	SkipBySize        SkipCheck = "size"
	SkipBySizeAndHash SkipCheck = "size_and_hash"
)

// FailurePolicy decides what one failed asset does to the rest of the run.
type FailurePolicy string

const (
	// FailFast cancels the run on the first failure. Assets already written stay on disk.
	FailFast FailurePolicy = "fail_fast"
	// ContinueOnError finishes every asset and reports all failures together.
	ContinueOnError FailurePolicy = "continue"
)

const (
	DefaultAssetWorkers = 5
	DefaultChunkWorkers = 10
)

// Source is the transport surface the syncer needs.
type Source interface {
	FetchChunk(ctx context.Context, baseURL string, c manifest.ChunkRef) ([]byte, error)
	FetchChunkToStaging(ctx context.Context, chunkURL, name, stagingRoot string) ([]byte, error)
	FetchAndExtract(ctx context.Context, baseURL, name, destDir string, cleanup bool) ([]byte, error)
}

// Options configures a Syncer.
type Options struct {
	ManifestURL  string
	ChunkURL     string
	AssetWorkers int
	ChunkWorkers int
	SkipCheck    SkipCheck
	Policy       FailurePolicy
	// SkipPreflight disables the writability and free-space checks.
	SkipPreflight bool
	// WriteExpected records the manifest path set after a clean full sync.
	WriteExpected bool
	Hashes        *hashcache.Cache
	Progress      progress.Reporter
}

// Syncer is safe for sequential reuse; each call owns its worker pools.
type Syncer struct {
	src    Source
	opts   Options
	tracer trace.Tracer
}

func New(src Source, opts Options) *Syncer {
	if opts.AssetWorkers <= 0 {
		opts.AssetWorkers = DefaultAssetWorkers
	}
	if opts.ChunkWorkers <= 0 {
		opts.ChunkWorkers = DefaultChunkWorkers
	}
	if opts.SkipCheck == "" {
		opts.SkipCheck = SkipBySize
	}
	if opts.Policy == "" {
		opts.Policy = FailFast
	}
	if opts.Progress == nil {
		opts.Progress = progress.Nop
	}
	return &Syncer{
		src:    src,
		opts:   opts,
		tracer: otel.Tracer("github.com/mycoool/sophonsync/internal/syncer"),
	}
}

// Result of Run. Exactly one of Full and Stage is set.
type Result struct {
	Kind  string
	Full  *Summary
	Stage *StageResult
}

// Run downloads and extracts manifestName into root, parses it and dispatches on its variant. The
// extracted "<name>~" of a diff manifest stays in root for the patch step.
func (s *Syncer) Run(ctx context.Context, manifestName, root string, sel TagSelector) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "syncer.run", trace.WithAttributes(attribute.String("manifest", manifestName)))
	defer span.End()

	data, err := s.src.FetchAndExtract(ctx, s.opts.ManifestURL, manifestName, root, false)
	if err != nil {
		return Result{}, endSpan(span, fmt.Errorf("fetch manifest: %w", err))
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return Result{}, endSpan(span, err)
	}

	switch v := m.(type) {
	case *manifest.Full:
		log.Printf("syncer: full manifest with %d assets", len(v.Assets))
		span.SetAttributes(attribute.String("manifest.kind", "full"))
		extracted := filepath.Join(root, filepath.Base(manifestName)+"~")
		if err := os.Remove(extracted); err != nil && !os.IsNotExist(err) {
			log.Printf("syncer: remove %s: %v", extracted, err)
		}
		sum, err := s.SyncFull(ctx, v, root)
		return Result{Kind: "full", Full: &sum}, endSpan(span, err)
	case *manifest.Diff:
		log.Printf("syncer: diff manifest with %d patch assets", len(v.PatchAssets))
		span.SetAttributes(attribute.String("manifest.kind", "diff"))
		res, err := s.StageDiff(ctx, v, root, sel)
		return Result{Kind: "diff", Stage: &res}, endSpan(span, err)
	}
	return Result{}, endSpan(span, fmt.Errorf("unexpected manifest type %T", m))
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// AssetFailure is one asset that could not be synced.
type AssetFailure struct {
	Name string
	Err  error
}

// Summary of a full sync.
type Summary struct {
	Total   int
	Synced  int
	Skipped int
	Dirs    int
	Bytes   int64
	Failed  []AssetFailure
}

type summaryAcc struct {
	mu  sync.Mutex
	sum Summary
}

func (a *summaryAcc) add(fn func(*Summary)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.sum)
}

func safeRoot(root string) (string, error) {
	clean := filepath.Clean(root)
	if strings.TrimSpace(root) == "" || clean == "/" || clean == "." {
		return "", syncerr.Newf(syncerr.CodeValidation, "sync", root, "refuse to sync into unsafe root")
	}
	return clean, nil
}

// joinFailures flattens per-asset failures for ContinueOnError runs.
func joinFailures(failed []AssetFailure) error {
	if len(failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(failed))
	for _, f := range failed {
		errs = append(errs, fmt.Errorf("%s: %w", f.Name, f.Err))
	}
	return fmt.Errorf("%d assets failed: %w", len(failed), errors.Join(errs...))
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}
