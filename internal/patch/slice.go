package patch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mycoool/sophonsync/internal/fsutil"
	"github.com/mycoool/sophonsync/internal/manifest"
	"github.com/mycoool/sophonsync/internal/progress"
	"github.com/mycoool/sophonsync/internal/syncerr"
	"github.com/mycoool/sophonsync/internal/transport"
)

// Kept slice-mode targets that failed their hash check live under <staging>/rejected, mirroring the
// asset's relative path with RejectedSuffix appended.
const (
	RejectedDirName = "rejected"
	RejectedSuffix  = ".rejected"
)

// RejectedPath returns where the rejected target of assetName is kept under root.
func RejectedPath(root, assetName string) (string, error) {
	rel := manifest.NormalizePath(assetName)
	if rel == "" {
		return "", syncerr.Newf(syncerr.CodeValidation, "resolve", assetName, "path escapes installation root")
	}
	return filepath.Join(root, transport.StagingDirName, RejectedDirName, filepath.FromSlash(rel)+RejectedSuffix), nil
}

// ApplySlices patches every asset of m whose info for tag carries a chunk. Assets unchanged for tag
// are skipped.
func (e *Engine) ApplySlices(ctx context.Context, m *manifest.Diff, tag string) Report {
	ctx, span := e.tracer.Start(ctx, "patch.apply_slices", trace.WithAttributes(attribute.String("version_tag", tag)))
	type job struct {
		asset manifest.DiffAsset
		chunk manifest.PatchChunk
	}
	var jobs []job
	skipped := 0
	for _, a := range m.PatchAssets {
		info, ok := a.InfoFor(tag)
		if !ok {
			continue
		}
		if info.Chunk == nil {
			skipped++
			continue
		}
		jobs = append(jobs, job{asset: a, chunk: *info.Chunk})
	}

	r := Report{Mode: "slice", Total: len(jobs) + skipped, Skipped: skipped}
	phase := progress.Begin(e.opts.Progress, "patch", len(jobs))
	defer phase.End()
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			r.record(phase, j.asset.Name, err)
			continue
		}
		r.record(phase, j.asset.Name, e.ApplySlice(ctx, j.asset, j.chunk))
	}
	return e.finish(span, r)
}

// ApplySlice cuts the chunk's byte range out of its staged blob, patches into a temporary target and
// installs it over the asset path only when the asset hash matches. The stale source is removed only
// after a successful install.
func (e *Engine) ApplySlice(ctx context.Context, asset manifest.DiffAsset, chunk manifest.PatchChunk) error {
	assetPath, err := e.resolve(asset.Name)
	if err != nil {
		return err
	}
	source := ""
	if !chunk.IsNewFile() {
		if source, err = e.resolve(chunk.OriginalFileName); err != nil {
			return err
		}
	}
	staging := filepath.Join(e.root, transport.StagingDirName)
	blob, err := transport.StagingPath(e.root, chunk.PatchName)
	if err != nil {
		return err
	}

	tmpPatch, err := e.cutSlice(blob, staging, chunk)
	if tmpPatch != "" {
		defer removeBestEffort(tmpPatch)
	}
	if err != nil {
		return err
	}

	tmpTarget, err := reserveTemp(staging, ".target-*")
	if err != nil {
		return syncerr.New(syncerr.CodeIO, "create temp target", asset.Name, err)
	}
	defer func() {
		if fsutil.Exists(tmpTarget) {
			removeBestEffort(tmpTarget)
		}
	}()

	if err := e.tool.Patch(ctx, source, tmpPatch, tmpTarget); err != nil {
		return toolFailure(asset.Name, err)
	}

	ok, why, err := e.checkFile(tmpTarget, asset.Hash, -1)
	if err != nil {
		return syncerr.New(syncerr.CodeValidation, "verify target", asset.Name, fmt.Errorf("%w: %w", ErrTargetMismatch, err))
	}
	if !ok {
		if e.opts.KeepRejected {
			e.keepRejected(tmpTarget, asset.Name)
		}
		return syncerr.New(syncerr.CodeValidation, "verify target", asset.Name, fmt.Errorf("%w: %s", ErrTargetMismatch, why))
	}

	if err := os.MkdirAll(filepath.Dir(assetPath), 0o755); err != nil {
		return syncerr.New(syncerr.CodeIO, "create asset dir", asset.Name, err)
	}
	if err := os.Rename(tmpTarget, assetPath); err != nil {
		return syncerr.New(syncerr.CodeIO, "install", asset.Name, err)
	}
	if source != "" && source != assetPath {
		removeBestEffort(source)
	}
	return nil
}

func (e *Engine) keepRejected(tmpTarget, assetName string) {
	kept, err := RejectedPath(e.root, assetName)
	if err == nil {
		err = os.MkdirAll(filepath.Dir(kept), 0o755)
	}
	if err == nil {
		err = os.Rename(tmpTarget, kept)
	}
	if err != nil {
		log.Printf("patch: warning: could not keep rejected target of %s: %v", assetName, err)
		return
	}
	log.Printf("patch: kept rejected target of %s at %s", assetName, kept)
}

// cutSlice copies [Offset, Offset+Length) of blob into a new temp file under staging. A blob shorter
// than the range yields a truncated slice, reported as an invalid patch.
func (e *Engine) cutSlice(blob, staging string, chunk manifest.PatchChunk) (string, error) {
	in, err := os.Open(blob)
	if err != nil {
		return "", syncerr.New(syncerr.CodeValidation, "open staged blob", chunk.PatchName, fmt.Errorf("%w: %w", ErrPatchInvalid, err))
	}
	defer in.Close()

	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", syncerr.New(syncerr.CodeIO, "create staging dir", staging, err)
	}
	out, err := os.CreateTemp(staging, ".patch-*")
	if err != nil {
		return "", syncerr.New(syncerr.CodeIO, "create temp patch", staging, err)
	}
	name := out.Name()
	n, err := fsutil.CopyRange(out, in, chunk.Offset, chunk.Length)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return name, syncerr.New(syncerr.CodeIO, "write patch slice", chunk.PatchName, err)
	}
	if n != chunk.Length {
		return name, syncerr.New(syncerr.CodeValidation, "write patch slice", chunk.PatchName,
			fmt.Errorf("%w: slice truncated to %d of %d bytes", ErrPatchInvalid, n, chunk.Length))
	}
	return name, nil
}

func reserveTemp(dir, pattern string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return "", err
	}
	return name, nil
}
