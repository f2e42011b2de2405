package workflow

import (
	"context"
	"errors"
	"log"

	"github.com/mycoool/sophonsync/internal/fsutil"
	"github.com/mycoool/sophonsync/internal/patch"
	"github.com/mycoool/sophonsync/internal/reconcile"
)

// HdiffMode is the layout of an unpacked hdiff package.
type HdiffMode string

const (
	HdiffNone     HdiffMode = ""
	HdiffMap      HdiffMode = "hdiffmap"
	HdiffFileList HdiffMode = "hdifffiles"
)

// DetectHdiffMode inspects root. A map wins over a file list; a file list needs its delete list.
func DetectHdiffMode(root string) HdiffMode {
	r := Runner{opts: Options{Root: root}}
	return r.detectHdiffMode()
}

func (r *Runner) detectHdiffMode() HdiffMode {
	switch {
	case fsutil.Exists(r.path(patch.MapFileName)):
		return HdiffMap
	case fsutil.Exists(r.path(patch.FileListName)) && fsutil.Exists(r.path(DeleteListName)):
		return HdiffFileList
	}
	return HdiffNone
}

// HdiffResult summarizes an hdiff run.
type HdiffResult struct {
	Mode    HdiffMode
	Patch   patch.Report
	Deleted reconcile.Summary
}

// Err joins patch and deletion failures.
func (r HdiffResult) Err() error { return errors.Join(r.Patch.Err(), r.Deleted.Err()) }

// Hdiff applies an hdiff package, extracting archive first when the root holds none.
func (r *Runner) Hdiff(ctx context.Context, archive string) (HdiffResult, error) {
	if err := r.ensureUnpacked(ctx, archive, "hdiff", func() bool { return r.detectHdiffMode() != HdiffNone }); err != nil {
		return HdiffResult{}, err
	}
	res := HdiffResult{Mode: r.detectHdiffMode()}
	engine := patch.New(r.opts.Root, r.tools, patch.Options{
		KeepRejected: r.opts.KeepRejected,
		Hashes:       r.opts.Hashes,
		Progress:     r.opts.Progress,
	})

	switch res.Mode {
	case HdiffMap:
		entries, err := patch.ReadHdiffMap(r.path(patch.MapFileName))
		if err != nil {
			return res, err
		}
		log.Printf("workflow: patching %d files via %s", len(entries), patch.MapFileName)
		res.Patch = engine.ApplyMap(ctx, entries)
		res.Deleted = r.deleteListed()
		r.removeProducerFile(patch.MapFileName)
	case HdiffFileList:
		paths, err := patch.ReadHdiffFiles(r.path(patch.FileListName))
		if err != nil {
			return res, err
		}
		log.Printf("workflow: patching %d files via %s", len(paths), patch.FileListName)
		res.Patch = engine.ApplyFileList(ctx, paths)
		res.Deleted = r.deleteListed()
		r.removeProducerFile(patch.FileListName)
		r.removeProducerFile(ReadmeName)
	}
	r.removeProducerFile(DeleteListName)
	return res, nil
}

// deleteListed applies deletefiles.txt when present.
func (r *Runner) deleteListed() reconcile.Summary {
	list := r.path(DeleteListName)
	if !fsutil.Exists(list) {
		log.Printf("workflow: no %s, nothing to delete", DeleteListName)
		return reconcile.Summary{}
	}
	sum, err := reconcile.DeleteListed(r.opts.Root, list, r.opts.Progress)
	if err != nil {
		log.Printf("workflow: delete listed files: %v", err)
		sum.Failed = append(sum.Failed, reconcile.Failure{Path: list, Err: err})
	}
	return sum
}
