package workflow

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mycoool/sophonsync/internal/fsutil"
	"github.com/mycoool/sophonsync/internal/manifest"
	"github.com/mycoool/sophonsync/internal/patch"
	"github.com/mycoool/sophonsync/internal/reconcile"
	"github.com/mycoool/sophonsync/internal/syncer"
	"github.com/mycoool/sophonsync/internal/syncerr"
	"github.com/mycoool/sophonsync/internal/transport"
)

// extractedSuffix marks a manifest already extracted from its archive.
const extractedSuffix = "~"

// LocateManifest returns the first regular file directly under root whose name contains "manifest",
// or "" when there is none.
func LocateManifest(root string) string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.Contains(e.Name(), "manifest") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	// An extracted copy is preferred over its archive.
	for _, n := range names {
		if strings.HasSuffix(n, extractedSuffix) {
			return filepath.Join(root, n)
		}
	}
	return filepath.Join(root, names[0])
}

// LdiffUnpacked reports whether root holds a manifest file and a staging directory.
func LdiffUnpacked(root string) bool {
	if LocateManifest(root) == "" {
		return false
	}
	st, err := os.Stat(filepath.Join(root, transport.StagingDirName))
	return err == nil && st.IsDir()
}

// LoadManifest parses the manifest found in the root. A manifest that is not yet extracted is
// extracted next to itself and the archive removed. It returns the extracted file's path.
func (r *Runner) LoadManifest(ctx context.Context) (manifest.Manifest, string, error) {
	path := LocateManifest(r.opts.Root)
	if path == "" {
		return nil, "", syncerr.New(syncerr.CodeIO, "locate manifest", r.opts.Root, ErrNoManifest)
	}
	if !strings.Contains(filepath.Base(path), extractedSuffix) {
		dir := filepath.Dir(path)
		if err := r.tools.Extract(ctx, path, dir); err != nil {
			return nil, "", err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("workflow: warning: failed to remove %s: %v", path, err)
		}
		path = filepath.Join(dir, filepath.Base(path)+extractedSuffix)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", syncerr.New(syncerr.CodeIO, "read manifest", path, err)
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return nil, "", err
	}
	return m, path, nil
}

// LdiffResult summarizes an ldiff run.
type LdiffResult struct {
	Tag     string
	Patch   patch.Report
	Deleted reconcile.Summary
}

// Err joins patch and deletion failures.
func (r LdiffResult) Err() error { return errors.Join(r.Patch.Err(), r.Deleted.Err()) }

// Ldiff applies a staged diff: it selects a version tag, patches every asset from its blob slice,
// removes files the manifest no longer names, then removes the staged blobs and the manifest.
func (r *Runner) Ldiff(ctx context.Context, archive string) (LdiffResult, error) {
	if err := r.ensureUnpacked(ctx, archive, "ldiff", func() bool { return LdiffUnpacked(r.opts.Root) }); err != nil {
		return LdiffResult{}, err
	}
	m, manifestPath, err := r.LoadManifest(ctx)
	if err != nil {
		return LdiffResult{}, err
	}
	diff, ok := m.(*manifest.Diff)
	if !ok {
		return LdiffResult{}, syncerr.New(syncerr.CodeValidation, "ldiff", manifestPath, ErrNotDiff)
	}
	log.Printf("workflow: item count: %d", len(diff.PatchAssets))

	tag, err := syncer.SelectTag(ctx, diff, r.opts.Selector)
	if err != nil {
		return LdiffResult{}, err
	}
	res := LdiffResult{Tag: tag}
	engine := patch.New(r.opts.Root, r.tools, patch.Options{
		KeepRejected: r.opts.KeepRejected,
		Hashes:       r.opts.Hashes,
		Progress:     r.opts.Progress,
	})
	res.Patch = engine.ApplySlices(ctx, diff, tag)

	res.Deleted, err = r.deleteUnexpected(manifest.ExpectedPaths(diff))
	if err != nil {
		return res, err
	}
	r.cleanStaging()
	if err := os.Remove(manifestPath); err != nil && !os.IsNotExist(err) {
		log.Printf("workflow: warning: failed to remove %s: %v", manifestPath, err)
	}
	return res, nil
}

func (r *Runner) deleteUnexpected(expected map[string]struct{}) (reconcile.Summary, error) {
	return reconcile.DeleteUnexpected(r.opts.Root, expected, reconcile.Options{
		ScanDir:  r.opts.ScanDir,
		Protect:  r.opts.Protect,
		DryRun:   r.opts.DryRun,
		Progress: r.opts.Progress,
	})
}

// cleanStaging removes the staging directory. Kept rejected targets survive together with the
// directories that hold them.
func (r *Runner) cleanStaging() {
	dir := r.path(transport.StagingDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	kept := 0
	for _, e := range entries {
		if e.IsDir() && e.Name() == patch.RejectedDirName {
			if kept = countRejected(filepath.Join(dir, e.Name())); kept > 0 {
				continue
			}
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			log.Printf("workflow: warning: failed to remove %s: %v", e.Name(), err)
		}
	}
	if kept > 0 {
		log.Printf("workflow: kept %d rejected files in %s for inspection", kept, filepath.Join(dir, patch.RejectedDirName))
		return
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		log.Printf("workflow: warning: failed to remove %s: %v", dir, err)
	}
}

func countRejected(dir string) int {
	n := 0
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(d.Name(), patch.RejectedSuffix) {
			n++
		}
		return nil
	})
	return n
}

// CleanupResult summarizes a cleanup run.
type CleanupResult struct {
	// Source is what decided the deletions: "manifest", "expected" or "delete_list".
	Source  string
	Deleted reconcile.Summary
}

// Cleanup deletes leftover files. With a manifest in the root, files it does not name are removed;
// otherwise the path set of the last full sync is used; otherwise deletefiles.txt is applied.
func (r *Runner) Cleanup(ctx context.Context) (CleanupResult, error) {
	if LocateManifest(r.opts.Root) != "" {
		m, _, err := r.LoadManifest(ctx)
		if err != nil {
			return CleanupResult{Source: "manifest"}, err
		}
		sum, err := r.deleteUnexpected(manifest.ExpectedPaths(m))
		return CleanupResult{Source: "manifest", Deleted: sum}, err
	}
	if fsutil.Exists(r.path(reconcile.ExpectedFileName)) {
		expected, err := reconcile.ReadExpected(r.opts.Root)
		if err != nil {
			return CleanupResult{Source: "expected"}, syncerr.New(syncerr.CodeParse, "read expected set", reconcile.ExpectedFileName, err)
		}
		sum, err := r.deleteUnexpected(expected)
		return CleanupResult{Source: "expected", Deleted: sum}, err
	}
	list := r.path(DeleteListName)
	sum, err := reconcile.DeleteListed(r.opts.Root, list, r.opts.Progress)
	return CleanupResult{Source: "delete_list", Deleted: sum}, err
}
