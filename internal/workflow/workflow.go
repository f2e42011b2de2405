// Package workflow drives the user-facing operations over an installation: full download, hdiff and
// ldiff patching, verification and cleanup. Each operation detects what the installation holds,
// extracts a package when needed, runs the engine packages and removes the producer's files.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/mycoool/sophonsync/internal/hashcache"
	"github.com/mycoool/sophonsync/internal/ignore"
	"github.com/mycoool/sophonsync/internal/progress"
	"github.com/mycoool/sophonsync/internal/syncer"
	"github.com/mycoool/sophonsync/internal/syncerr"
	"github.com/mycoool/sophonsync/internal/verify"
)

// Producer files shipped inside patch packages.
const (
	DeleteListName = "deletefiles.txt"
	ReadmeName     = "README.txt"
)

var (
	ErrNoPackage  = errors.New("no patch package found")
	ErrBadPackage = errors.New("patch package is wrongly built; redownload and unpack it manually")
	ErrNoManifest = errors.New("no manifest file found")
	ErrNotDiff    = errors.New("manifest is not a diff manifest")
)

// Toolset is the external tool surface the workflows need.
type Toolset interface {
	Extract(ctx context.Context, archive, dest string) error
	Patch(ctx context.Context, source, patchPath, target string) error
}

// Prompter asks the user for a value.
type Prompter interface {
	Ask(ctx context.Context, question string) (string, error)
}

// PromptFunc adapts a function to Prompter.
type PromptFunc func(ctx context.Context, question string) (string, error)

func (f PromptFunc) Ask(ctx context.Context, question string) (string, error) { return f(ctx, question) }

type Options struct {
	Root string

	KeepRejected bool
	ScanDir      string
	Protect      *ignore.Matcher
	DryRun       bool

	VerifyWorkers int
	SizeMismatch  verify.SizePolicy

	Hashes   *hashcache.Cache
	Progress progress.Reporter
	// Prompt asks for a package archive when none is unpacked. Nil fails instead.
	Prompt   Prompter
	Selector syncer.TagSelector
}

// Runner runs workflows against one installation.
type Runner struct {
	tools Toolset
	opts  Options
}

func New(tools Toolset, opts Options) (*Runner, error) {
	root := filepath.Clean(opts.Root)
	st, err := os.Stat(root)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeIO, "open installation", opts.Root, err)
	}
	if !st.IsDir() {
		return nil, syncerr.Newf(syncerr.CodeValidation, "open installation", opts.Root, "not a directory")
	}
	opts.Root = root
	if opts.Progress == nil {
		opts.Progress = progress.Nop
	}
	if opts.Protect == nil {
		opts.Protect = ignore.New(root, ignore.DefaultProtected)
	}
	return &Runner{tools: tools, opts: opts}, nil
}

// Root returns the installation directory.
func (r *Runner) Root() string { return r.opts.Root }

func (r *Runner) path(name string) string { return filepath.Join(r.opts.Root, name) }

// ensureUnpacked extracts a package archive into the root unless ready already holds. archive may be
// empty, in which case the prompter is asked for one.
func (r *Runner) ensureUnpacked(ctx context.Context, archive, kind string, ready func() bool) error {
	if ready() {
		return nil
	}
	if archive == "" {
		if r.opts.Prompt == nil {
			return fmt.Errorf("%w at %s", ErrNoPackage, r.opts.Root)
		}
		answer, err := r.opts.Prompt.Ask(ctx, fmt.Sprintf("Please enter %s archive location: ", kind))
		if err != nil {
			return err
		}
		archive = strings.TrimSpace(answer)
	}
	if _, err := os.Stat(archive); err != nil {
		return syncerr.New(syncerr.CodeIO, "open archive", archive, err)
	}
	log.Printf("workflow: extracting %s package %s", kind, archive)
	if err := r.tools.Extract(ctx, archive, r.opts.Root); err != nil {
		return fmt.Errorf("extract %s: %w", kind, err)
	}
	if !ready() {
		return syncerr.New(syncerr.CodeValidation, "unpack", archive, ErrBadPackage)
	}
	return nil
}

// removeProducerFile deletes a package file, ignoring absence.
func (r *Runner) removeProducerFile(name string) {
	path := r.path(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("workflow: warning: failed to remove %s: %v", path, err)
	}
}

// Download fetches manifestName and syncs or stages the installation through s.
func (r *Runner) Download(ctx context.Context, s *syncer.Syncer, manifestName string) (syncer.Result, error) {
	if manifestName == "" {
		return syncer.Result{}, syncerr.Newf(syncerr.CodeValidation, "download", "", "manifest name is required")
	}
	res, err := s.Run(ctx, manifestName, r.opts.Root, r.opts.Selector)
	if err != nil {
		return res, err
	}
	if res.Stage != nil {
		log.Printf("workflow: staged %d patch blobs for %s; run ldiff to apply them", res.Stage.Blobs, res.Stage.Tag)
	}
	return res, nil
}

// Verify checks the installation against its pkg_version listing.
func (r *Runner) Verify(ctx context.Context) (verify.Result, error) {
	v := verify.New(verify.Options{
		Workers:      r.opts.VerifyWorkers,
		SizeMismatch: r.opts.SizeMismatch,
		Hashes:       r.opts.Hashes,
		Progress:     r.opts.Progress,
	})
	return v.Verify(ctx, r.opts.Root, r.path(verify.ListName))
}
