// Package reconcile removes files that no longer belong to an installation, either from an explicit
// delete list or by set difference against a manifest.
package reconcile

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/mycoool/sophonsync/internal/fsutil"
	"github.com/mycoool/sophonsync/internal/ignore"
	"github.com/mycoool/sophonsync/internal/manifest"
	"github.com/mycoool/sophonsync/internal/progress"
	"github.com/mycoool/sophonsync/internal/syncerr"
)

// Files and directories owned by the sync tooling itself are never reconciled.
const (
	ownedPrefix    = ".sophonsync"
	stagingDirName = "ldiff"
)

// Failure is one path that could not be removed.
type Failure struct {
	Path string
	Err  error
}

// Summary of a reconciliation pass.
type Summary struct {
	Deleted     []string
	AlreadyGone []string
	Failed      []Failure
}

// Err joins every failure, or returns nil.
func (s Summary) Err() error {
	if len(s.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(s.Failed))
	for _, f := range s.Failed {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}

// Options for DeleteUnexpected.
type Options struct {
	// ScanDir is the root-relative directory to walk. Empty walks the whole root.
	ScanDir string
	// Protect matches subtrees that are never deleted. Nil uses ignore.DefaultProtected.
	Protect *ignore.Matcher
	// DryRun reports what would be deleted without deleting.
	DryRun   bool
	Progress progress.Reporter
}

func safeRoot(root string) (string, error) {
	clean := filepath.Clean(root)
	if clean == "" || clean == "/" || clean == "." {
		return "", fmt.Errorf("refuse to reconcile unsafe root %q", root)
	}
	return clean, nil
}

// DeleteListed removes every path named in listFile (one root-relative path per line, backslashes
// allowed). Missing files are reported as already gone. Per-path failures do not stop the pass.
func DeleteListed(root, listFile string, rep progress.Reporter) (Summary, error) {
	var sum Summary
	clean, err := safeRoot(root)
	if err != nil {
		return sum, syncerr.New(syncerr.CodeValidation, "delete listed", root, err)
	}
	f, err := os.Open(listFile)
	if err != nil {
		return sum, syncerr.New(syncerr.CodeIO, "open delete list", listFile, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return sum, syncerr.New(syncerr.CodeIO, "read delete list", listFile, err)
	}

	phase := progress.Begin(rep, "delete", len(lines))
	defer phase.End()
	for _, line := range lines {
		rel := manifest.NormalizePath(line)
		if rel == "" {
			err := syncerr.Newf(syncerr.CodeValidation, "delete", line, "path escapes installation root")
			sum.Failed = append(sum.Failed, Failure{Path: line, Err: err})
			phase.Step(line, err)
			continue
		}
		target := filepath.Join(clean, filepath.FromSlash(rel))
		err := os.Remove(target)
		switch {
		case err == nil:
			sum.Deleted = append(sum.Deleted, rel)
		case os.IsNotExist(err):
			log.Printf("reconcile: already gone: %s", rel)
			sum.AlreadyGone = append(sum.AlreadyGone, rel)
			err = nil
		default:
			err = syncerr.New(syncerr.CodeIO, "delete", rel, err)
			sum.Failed = append(sum.Failed, Failure{Path: rel, Err: err})
		}
		phase.Step(rel, err)
	}
	return sum, nil
}

// DeleteUnexpected walks root/ScanDir and removes every regular file whose root-relative path is not
// in expected. Protected subtrees, the staging directory and tool-owned files are skipped.
func DeleteUnexpected(root string, expected map[string]struct{}, opts Options) (Summary, error) {
	var sum Summary
	clean, err := safeRoot(root)
	if err != nil {
		return sum, syncerr.New(syncerr.CodeValidation, "delete unexpected", root, err)
	}
	protect := opts.Protect
	if protect == nil {
		protect = ignore.New(clean, ignore.DefaultProtected)
	}
	scan := clean
	if rel := manifest.NormalizePath(opts.ScanDir); rel != "" {
		scan = filepath.Join(clean, filepath.FromSlash(rel))
	}
	if _, err := os.Stat(scan); err != nil {
		if os.IsNotExist(err) {
			log.Printf("reconcile: scan dir %s does not exist, nothing to delete", scan)
			return sum, nil
		}
		return sum, syncerr.New(syncerr.CodeIO, "stat scan dir", scan, err)
	}

	var victims []string
	walkErr := filepath.WalkDir(scan, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			sum.Failed = append(sum.Failed, Failure{Path: path, Err: syncerr.New(syncerr.CodeIO, "walk", path, err)})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(clean, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if skipOwned(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if protect.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := expected[rel]; ok {
			return nil
		}
		victims = append(victims, rel)
		return nil
	})
	if walkErr != nil {
		return sum, syncerr.New(syncerr.CodeIO, "walk", scan, walkErr)
	}

	phase := progress.Begin(opts.Progress, "delete", len(victims))
	defer phase.End()
	for _, rel := range victims {
		if opts.DryRun {
			sum.Deleted = append(sum.Deleted, rel)
			phase.Step(rel, nil)
			continue
		}
		err := os.Remove(filepath.Join(clean, filepath.FromSlash(rel)))
		if err != nil && !os.IsNotExist(err) {
			err = syncerr.New(syncerr.CodeIO, "delete", rel, err)
			sum.Failed = append(sum.Failed, Failure{Path: rel, Err: err})
		} else {
			err = nil
			sum.Deleted = append(sum.Deleted, rel)
		}
		phase.Step(rel, err)
	}
	log.Printf("reconcile: deleted %d unexpected files under %s (%d failed)", len(sum.Deleted), scan, len(sum.Failed))
	return sum, nil
}

func skipOwned(rel string, isDir bool) bool {
	if strings.HasSuffix(rel, fsutil.PartialSuffix) {
		return true
	}
	if strings.Contains(rel, "/") {
		return false
	}
	if strings.HasPrefix(rel, ownedPrefix) {
		return true
	}
	return isDir && rel == stagingDirName
}
