// Package patch applies binary patches to an installation in three layouts: a JSON map of whole-file
// patches, byte-range slices of staged patch blobs, and a legacy list of in-place ".hdiff" files.
//
// Every batch is best-effort: a failed entry is reported and the batch moves on.
package patch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mycoool/sophonsync/internal/hashcache"
	"github.com/mycoool/sophonsync/internal/manifest"
	"github.com/mycoool/sophonsync/internal/progress"
	"github.com/mycoool/sophonsync/internal/syncerr"
)

var (
	ErrSourceInvalid   = errors.New("source file invalid")
	ErrPatchInvalid    = errors.New("patch file invalid")
	ErrPatchToolFailed = errors.New("patch tool failed")
	ErrTargetMismatch  = errors.New("patched file does not match expected md5/size")
)

// Patcher runs the external binary patcher.
type Patcher interface {
	Patch(ctx context.Context, source, patchPath, target string) error
}

// Options tunes an Engine.
type Options struct {
	// KeepRejected keeps a slice-mode target that failed its hash check at RejectedPath. Otherwise it
	// is removed.
	KeepRejected bool
	Hashes       *hashcache.Cache
	Progress     progress.Reporter
}

// Engine applies patches below one installation root.
type Engine struct {
	root   string
	tool   Patcher
	opts   Options
	tracer trace.Tracer
}

func New(root string, tool Patcher, opts Options) *Engine {
	if opts.Progress == nil {
		opts.Progress = progress.Nop
	}
	return &Engine{
		root:   filepath.Clean(root),
		tool:   tool,
		opts:   opts,
		tracer: otel.Tracer("github.com/mycoool/sophonsync/internal/patch"),
	}
}

// EntryResult is one failed entry of a batch.
type EntryResult struct {
	Name string
	Err  error
}

// Report summarizes a batch.
type Report struct {
	Mode    string
	Total   int
	Applied int
	Skipped int
	Failed  []EntryResult
}

// Err joins the failures of the batch, or returns nil.
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}

// Count returns how many failures match target.
func (r Report) Count(target error) int {
	n := 0
	for _, f := range r.Failed {
		if errors.Is(f.Err, target) {
			n++
		}
	}
	return n
}

func (r *Report) record(phase *progress.Phase, name string, err error) {
	phase.Step(name, err)
	if err != nil {
		log.Printf("patch: %s: %v", name, err)
		r.Failed = append(r.Failed, EntryResult{Name: name, Err: err})
		return
	}
	r.Applied++
}

func (e *Engine) finish(span trace.Span, r Report) Report {
	span.SetAttributes(
		attribute.Int("applied", r.Applied),
		attribute.Int("skipped", r.Skipped),
		attribute.Int("failed", len(r.Failed)),
	)
	if len(r.Failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d entries failed", len(r.Failed)))
	}
	span.End()
	log.Printf("patch: %s done: %d applied, %d skipped, %d failed of %d", r.Mode, r.Applied, r.Skipped, len(r.Failed), r.Total)
	return r
}

// resolve joins a manifest-relative name onto the root, refusing names that escape it.
func (e *Engine) resolve(name string) (string, error) {
	rel := manifest.NormalizePath(name)
	if rel == "" {
		return "", syncerr.Newf(syncerr.CodeValidation, "resolve", name, "path escapes installation root")
	}
	return filepath.Join(e.root, filepath.FromSlash(rel)), nil
}

// checkFile compares the live md5 and size of path with the declared values. Empty want skips the
// hash and a negative size skips the size.
func (e *Engine) checkFile(path, wantHash string, wantSize int64) (bool, string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return false, "", err
	}
	if wantSize >= 0 && st.Size() != wantSize {
		return false, fmt.Sprintf("size %d, want %d", st.Size(), wantSize), nil
	}
	if wantHash == "" {
		return true, "", nil
	}
	got, err := e.opts.Hashes.FileMD5(path)
	if err != nil {
		return false, "", err
	}
	if !strings.EqualFold(got, strings.TrimSpace(wantHash)) {
		return false, fmt.Sprintf("md5 %s, want %s", got, wantHash), nil
	}
	return true, "", nil
}

func removeBestEffort(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("patch: warning: failed to remove %s: %v", path, err)
	}
}

func toolFailure(name string, err error) error {
	return syncerr.New(syncerr.CodeTool, "patch", name, fmt.Errorf("%w: %w", ErrPatchToolFailed, err))
}
