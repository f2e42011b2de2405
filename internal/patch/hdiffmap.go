package patch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mycoool/sophonsync/internal/progress"
	"github.com/mycoool/sophonsync/internal/syncerr"
)

// MapFileName is the whole-file patch map shipped inside an hdiff package.
const MapFileName = "hdiffmap.json"

// MapEntry describes one source → target transformation.
type MapEntry struct {
	SourceName string `json:"source_file_name"`
	SourceHash string `json:"source_file_md5"`
	SourceSize int64  `json:"source_file_size"`
	TargetName string `json:"target_file_name"`
	TargetHash string `json:"target_file_md5"`
	TargetSize int64  `json:"target_file_size"`
	PatchName  string `json:"patch_file_name"`
	PatchHash  string `json:"patch_file_md5"`
	PatchSize  int64  `json:"patch_file_size"`
}

type hdiffMap struct {
	DiffMap []MapEntry `json:"diff_map"`
}

// ReadHdiffMap reads the entries of an hdiffmap.json file.
func ReadHdiffMap(path string) ([]MapEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeIO, "read hdiff map", path, err)
	}
	var m hdiffMap
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, syncerr.New(syncerr.CodeParse, "parse hdiff map", path, err)
	}
	return m.DiffMap, nil
}

// ApplyMap applies every entry in order and reports the outcome of each.
func (e *Engine) ApplyMap(ctx context.Context, entries []MapEntry) Report {
	ctx, span := e.tracer.Start(ctx, "patch.apply_map", trace.WithAttributes(attribute.Int("entries", len(entries))))
	r := Report{Mode: "map", Total: len(entries)}
	phase := progress.Begin(e.opts.Progress, "patch", len(entries))
	defer phase.End()

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			r.record(phase, entry.TargetName, err)
			continue
		}
		r.record(phase, entry.TargetName, e.ApplyMapEntry(ctx, entry))
	}
	return e.finish(span, r)
}

// ApplyMapEntry validates source and patch, runs the patcher, removes the consumed patch and a stale
// source, then checks the target. A target mismatch is returned but the new file stays in place.
func (e *Engine) ApplyMapEntry(ctx context.Context, entry MapEntry) error {
	source, err := e.resolve(entry.SourceName)
	if err != nil {
		return err
	}
	patchPath, err := e.resolve(entry.PatchName)
	if err != nil {
		return err
	}
	target, err := e.resolve(entry.TargetName)
	if err != nil {
		return err
	}

	ok, why, err := e.checkFile(source, entry.SourceHash, entry.SourceSize)
	if err != nil {
		return syncerr.New(syncerr.CodeValidation, "validate source", entry.SourceName, fmt.Errorf("%w: %w", ErrSourceInvalid, err))
	}
	if !ok {
		return syncerr.New(syncerr.CodeValidation, "validate source", entry.SourceName, fmt.Errorf("%w: %s", ErrSourceInvalid, why))
	}
	ok, why, err = e.checkFile(patchPath, entry.PatchHash, entry.PatchSize)
	if err != nil {
		return syncerr.New(syncerr.CodeValidation, "validate patch", entry.PatchName, fmt.Errorf("%w: %w", ErrPatchInvalid, err))
	}
	if !ok {
		return syncerr.New(syncerr.CodeValidation, "validate patch", entry.PatchName, fmt.Errorf("%w: %s", ErrPatchInvalid, why))
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return syncerr.New(syncerr.CodeIO, "create target dir", entry.TargetName, err)
	}
	if err := e.tool.Patch(ctx, source, patchPath, target); err != nil {
		return toolFailure(entry.SourceName, err)
	}
	removeBestEffort(patchPath)
	if source != target {
		removeBestEffort(source)
	}

	ok, why, err = e.checkFile(target, entry.TargetHash, entry.TargetSize)
	if err != nil {
		return syncerr.New(syncerr.CodeValidation, "verify target", entry.TargetName, fmt.Errorf("%w: %w", ErrTargetMismatch, err))
	}
	if !ok {
		return syncerr.New(syncerr.CodeValidation, "verify target", entry.TargetName, fmt.Errorf("%w: %s", ErrTargetMismatch, why))
	}
	return nil
}
