package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mycoool/sophonsync/internal/config"
	"github.com/mycoool/sophonsync/internal/hashcache"
	"github.com/mycoool/sophonsync/internal/ignore"
	"github.com/mycoool/sophonsync/internal/journal"
	"github.com/mycoool/sophonsync/internal/pidfile"
	"github.com/mycoool/sophonsync/internal/progress"
	"github.com/mycoool/sophonsync/internal/statusserver"
	"github.com/mycoool/sophonsync/internal/syncer"
	"github.com/mycoool/sophonsync/internal/telemetry"
	"github.com/mycoool/sophonsync/internal/tools"
	"github.com/mycoool/sophonsync/internal/transport"
	"github.com/mycoool/sophonsync/internal/verify"
	"github.com/mycoool/sophonsync/internal/workflow"
)

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"download": runDownload,
	"hdiff":    runHdiff,
	"ldiff":    runLdiff,
	"verify":   runVerify,
	"cleanup":  runCleanup,
	"diff":     runDiff,
}

// app holds the services of one invocation.
type app struct {
	cfg      *config.Config
	tools    *tools.Toolbox
	hashes   *hashcache.Cache
	progress progress.Reporter
	prompt   *linePrompter
	runner   *workflow.Runner
}

func run(ctx context.Context, name string, cfg *config.Config, args []string) error {
	shutdown, err := telemetry.Setup(ctx, cfg.OTelEndpoint, version)
	if err != nil {
		log.Printf("sophonsync: telemetry disabled: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			log.Printf("sophonsync: telemetry shutdown: %v", err)
		}
	}()

	toolbox := tools.New(tools.Config{
		SevenZip: cfg.Tools.SevenZip,
		Hdiffz:   cfg.Tools.Hdiffz,
		Hpatchz:  cfg.Tools.Hpatchz,
		Launcher: cfg.Tools.Launcher,
		DataDir:  cfg.DataDir,
	})
	defer func() {
		if err := toolbox.Close(); err != nil {
			log.Printf("sophonsync: tool cleanup: %v", err)
		}
	}()

	a := &app{
		cfg:    cfg,
		tools:  toolbox,
		hashes: hashcache.New(0),
		prompt: newLinePrompter(os.Stdin, os.Stdout),
	}
	if name == "diff" {
		return commands[name](ctx, a, args)
	}

	if cfg.Root == "" {
		answer, err := a.prompt.Ask(ctx, "Please enter game folder: ")
		if err != nil {
			return err
		}
		cfg.Root = answer
	}
	if cfg.Root == "" {
		return usageError{"installation root is required (-root or SOPHONSYNC_ROOT)"}
	}

	if st, err := os.Stat(cfg.Root); err != nil || !st.IsDir() {
		return usageError{fmt.Sprintf("installation root %s is not a directory", cfg.Root)}
	}
	lock, err := pidfile.New(filepath.Join(cfg.Root, pidfile.FileName))
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Remove(); err != nil {
			log.Printf("sophonsync: remove lock: %v", err)
		}
	}()

	reporters := []progress.Reporter{progress.NewLogger(2 * time.Second)}

	var status *statusserver.Server
	if cfg.StatusAddr != "" {
		status = statusserver.New()
		reporters = append(reporters, status)
		srvCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			if err := status.Serve(srvCtx, cfg.StatusAddr); err != nil {
				log.Printf("sophonsync: status server: %v", err)
			}
		}()
	}

	var rec *journal.Recorder
	if path := cfg.JournalFile(); path != "" {
		j, err := journal.Open(path)
		if err != nil {
			log.Printf("sophonsync: journal disabled: %v", err)
		} else {
			defer j.Close()
			if err := j.CleanOld(90); err != nil {
				log.Printf("sophonsync: journal cleanup: %v", err)
			}
			rec, err = j.Start(journal.RunInfo{Command: name, Root: cfg.Root, Manifest: cfg.Manifest, VersionTag: cfg.VersionTag})
			if err != nil {
				log.Printf("sophonsync: journal disabled: %v", err)
			} else {
				reporters = append(reporters, rec)
			}
		}
	}
	a.progress = progress.Multi(reporters...)

	var selector syncer.TagSelector = a.prompt
	if cfg.VersionTag != "" {
		selector = syncer.FixedTag(cfg.VersionTag)
	}
	a.runner, err = workflow.New(toolbox, workflow.Options{
		Root:          cfg.Root,
		KeepRejected:  cfg.KeepRejected,
		ScanDir:       cfg.ScanDir,
		Protect:       ignore.New(cfg.Root, cfg.Protect),
		DryRun:        cfg.DryRun,
		VerifyWorkers: cfg.VerifyWorkers,
		SizeMismatch:  verify.SizePolicy(cfg.SizeMismatch),
		Hashes:        a.hashes,
		Progress:      a.progress,
		Prompt:        a.prompt,
		Selector:      selector,
	})
	if err != nil {
		return err
	}

	runID := ""
	if rec != nil {
		runID = rec.RunID()
	}
	if status != nil {
		status.BeginRun(runID, name, cfg.Root)
	}
	started := time.Now()
	runErr := commands[name](ctx, a, args)
	if rec != nil {
		if err := rec.Finish(runErr); err != nil {
			log.Printf("sophonsync: journal: %v", err)
		}
	}
	if status != nil {
		status.FinishRun(runErr)
	}
	log.Printf("sophonsync: %s finished in %s", name, time.Since(started).Round(time.Millisecond))
	return runErr
}

func runDownload(ctx context.Context, a *app, args []string) error {
	name := a.cfg.Manifest
	if len(args) > 0 {
		name = args[0]
	}
	if name == "" {
		return usageError{"download needs a manifest name (argument or -manifest)"}
	}
	if a.cfg.ManifestURL == "" || a.cfg.ChunkURL == "" {
		return usageError{"download needs -manifest-url and -chunk-url"}
	}
	fetcher := transport.New(nil, a.tools, transport.Options{
		ScratchDir:    filepath.Join(a.cfg.DataDir, "scratch"),
		VerifyChunks:  a.cfg.VerifyChunks,
		HeaderTimeout: a.cfg.HTTPTimeout,
	})
	s := syncer.New(fetcher, syncer.Options{
		ManifestURL:   a.cfg.ManifestURL,
		ChunkURL:      a.cfg.ChunkURL,
		AssetWorkers:  a.cfg.AssetWorkers,
		ChunkWorkers:  a.cfg.ChunkWorkers,
		SkipCheck:     syncer.SkipCheck(a.cfg.SkipCheck),
		Policy:        syncer.FailurePolicy(a.cfg.FailurePolicy),
		SkipPreflight: a.cfg.SkipPreflight,
		WriteExpected: true,
		Hashes:        a.hashes,
		Progress:      a.progress,
	})
	res, err := a.runner.Download(ctx, s, name)
	switch {
	case res.Full != nil:
		log.Printf("sophonsync: %d synced, %d skipped, %d directories, %s downloaded",
			res.Full.Synced, res.Full.Skipped, res.Full.Dirs, humanize.Bytes(uint64(res.Full.Bytes)))
	case res.Stage != nil:
		log.Printf("sophonsync: version %s: %d blobs staged (%d fetched, %s)",
			res.Stage.Tag, res.Stage.Blobs, res.Stage.Fetched, humanize.Bytes(uint64(res.Stage.Bytes)))
	}
	return err
}

func runHdiff(ctx context.Context, a *app, args []string) error {
	res, err := a.runner.Hdiff(ctx, firstArg(args))
	if err != nil {
		return err
	}
	log.Printf("sophonsync: %s: %d applied, %d skipped, %d failed; %d deleted",
		res.Mode, res.Patch.Applied, res.Patch.Skipped, len(res.Patch.Failed), len(res.Deleted.Deleted))
	return res.Err()
}

func runLdiff(ctx context.Context, a *app, args []string) error {
	res, err := a.runner.Ldiff(ctx, firstArg(args))
	if err != nil {
		return err
	}
	log.Printf("sophonsync: version %s: %d applied, %d unchanged, %d failed; %d deleted",
		res.Tag, res.Patch.Applied, res.Patch.Skipped, len(res.Patch.Failed), len(res.Deleted.Deleted))
	return res.Err()
}

func runVerify(ctx context.Context, a *app, _ []string) error {
	res, err := a.runner.Verify(ctx)
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("%d of %d files failed verification", res.Failed, res.Checked)
	}
	fmt.Println("All files verified successfully!")
	return nil
}

func runCleanup(ctx context.Context, a *app, _ []string) error {
	res, err := a.runner.Cleanup(ctx)
	if err != nil {
		return err
	}
	verb := "deleted"
	if a.cfg.DryRun {
		verb = "would delete"
	}
	log.Printf("sophonsync: cleanup by %s: %s %d files, %d already gone, %d failed",
		res.Source, verb, len(res.Deleted.Deleted), len(res.Deleted.AlreadyGone), len(res.Deleted.Failed))
	return res.Deleted.Err()
}

func runDiff(ctx context.Context, a *app, args []string) error {
	if len(args) != 3 {
		return usageError{"diff needs <old> <new> <out>"}
	}
	if err := a.tools.Diff(ctx, args[0], args[1], args[2]); err != nil {
		return err
	}
	st, err := os.Stat(args[2])
	if err != nil {
		return errors.New("hdiffz produced no output")
	}
	log.Printf("sophonsync: wrote %s (%s)", args[2], humanize.Bytes(uint64(st.Size())))
	return nil
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
