// Package tools runs the external archive extractor, binary differ and binary patcher.
//
// A Toolbox resolves each executable once, optionally copies it into a private tools directory, and
// prefixes every invocation with a sandbox launcher when the host needs one (NixOS runs foreign
// binaries through steam-run).
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/mycoool/sophonsync/internal/fsutil"
	"github.com/mycoool/sophonsync/internal/syncerr"
)

// ErrNotFound is returned by Patch when the patch file does not exist.
var ErrNotFound = errors.New("patch file not found")

const (
	LauncherAuto = "auto"
	LauncherNone = "none"

	defaultLauncher = "steam-run"
)

// Config names the executables. Empty names fall back to 7z, hdiffz and hpatchz on PATH.
type Config struct {
	SevenZip string
	Hdiffz   string
	Hpatchz  string
	// Launcher is "auto" (steam-run on NixOS), "none", or a command to prefix every invocation with.
	Launcher string
	// DataDir, when set, receives private copies of the executables under DataDir/tools.
	DataDir string
}

type lazyTool struct {
	name string
	once sync.Once
	path string
	err  error
}

// Toolbox is safe for concurrent use: every call runs its own process.
type Toolbox struct {
	cfg Config

	sevenZip lazyTool
	hdiffz   lazyTool
	hpatchz  lazyTool

	launcherOnce sync.Once
	launcher     string

	mu           sync.Mutex
	materialized []string
	closed       bool
}

// detectPlatform is swapped in tests.
var detectPlatform = func(ctx context.Context) string {
	hi, err := host.InfoWithContext(ctx)
	if err != nil || hi == nil {
		return ""
	}
	return hi.Platform
}

func New(cfg Config) *Toolbox {
	if strings.TrimSpace(cfg.Launcher) == "" {
		cfg.Launcher = LauncherAuto
	}
	return &Toolbox{
		cfg:      cfg,
		sevenZip: lazyTool{name: firstNonEmpty(cfg.SevenZip, "7z")},
		hdiffz:   lazyTool{name: firstNonEmpty(cfg.Hdiffz, "hdiffz")},
		hpatchz:  lazyTool{name: firstNonEmpty(cfg.Hpatchz, "hpatchz")},
	}
}

// Extract unpacks archive into dest, overwriting existing files.
func (t *Toolbox) Extract(ctx context.Context, archive, dest string) error {
	return t.run(ctx, &t.sevenZip, archive, "x", archive, "-o"+dest, "-aoa")
}

// Diff writes a binary patch that turns oldPath into newPath.
func (t *Toolbox) Diff(ctx context.Context, oldPath, newPath, out string) error {
	return t.run(ctx, &t.hdiffz, out, oldPath, newPath, out)
}

// Patch applies patchPath to source and writes target, overwriting it. An empty source is passed as
// is, which the patcher treats as creating a new file.
func (t *Toolbox) Patch(ctx context.Context, source, patchPath, target string) error {
	if _, err := os.Stat(patchPath); err != nil {
		if os.IsNotExist(err) {
			return syncerr.New(syncerr.CodeTool, "hpatchz", patchPath, ErrNotFound)
		}
		return syncerr.New(syncerr.CodeIO, "stat patch", patchPath, err)
	}
	return t.run(ctx, &t.hpatchz, source, source, patchPath, target, "-f")
}

// Close removes private tool copies. The Toolbox must not be used afterwards.
func (t *Toolbox) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	var errs []error
	for _, p := range t.materialized {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	t.materialized = nil
	if t.cfg.DataDir != "" {
		// Only removes the directory when nothing else lives there.
		_ = os.Remove(filepath.Join(t.cfg.DataDir, "tools"))
	}
	return errors.Join(errs...)
}

func (t *Toolbox) run(ctx context.Context, tool *lazyTool, subject string, args ...string) error {
	exe, err := t.resolve(tool)
	if err != nil {
		return syncerr.New(syncerr.CodeTool, "resolve "+tool.name, subject, err)
	}
	name, argv := exe, args
	if l := t.launcherFor(ctx); l != "" {
		name, argv = l, append([]string{exe}, args...)
	}

	cmd := exec.CommandContext(ctx, name, argv...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return syncerr.New(syncerr.CodeTool, filepath.Base(tool.name), subject, err)
	}
	return nil
}

func (t *Toolbox) resolve(tool *lazyTool) (string, error) {
	tool.once.Do(func() {
		p, err := exec.LookPath(tool.name)
		if err != nil {
			tool.err = err
			return
		}
		if t.cfg.DataDir == "" {
			tool.path = p
			return
		}
		dst := filepath.Join(t.cfg.DataDir, "tools", filepath.Base(p))
		if err := fsutil.CopyFile(dst, p, 0o755); err != nil {
			tool.err = fmt.Errorf("materialize %s: %w", p, err)
			return
		}
		t.mu.Lock()
		t.materialized = append(t.materialized, dst)
		t.mu.Unlock()
		tool.path = dst
	})
	return tool.path, tool.err
}

func (t *Toolbox) launcherFor(ctx context.Context) string {
	t.launcherOnce.Do(func() {
		switch l := strings.TrimSpace(t.cfg.Launcher); l {
		case LauncherNone:
		case LauncherAuto:
			if detectPlatform(ctx) == "nixos" {
				t.launcher = defaultLauncher
				log.Printf("tools: NixOS detected, running tools through %s", defaultLauncher)
			}
		default:
			t.launcher = l
		}
	})
	return t.launcher
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
