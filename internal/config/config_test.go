package config

import (
	"flag"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func mustWriteFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(new(strings.Builder))
	return fs
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SOPHONSYNC_CONFIG", "")
	cfg, err := Load(newFlagSet(), []string{"-data-dir", t.TempDir()})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AssetWorkers != 5 || cfg.ChunkWorkers != 10 {
		t.Fatalf("unexpected pool sizes %d/%d", cfg.AssetWorkers, cfg.ChunkWorkers)
	}
	if cfg.SkipCheck != "size" || cfg.FailurePolicy != "fail_fast" || cfg.SizeMismatch != "report" {
		t.Fatalf("unexpected policies %+v", cfg)
	}
	if !cfg.KeepRejected || cfg.ScanDir != "StarRail_Data" || !reflect.DeepEqual(cfg.Protect, []string{"Persistent/"}) {
		t.Fatalf("unexpected reconcile defaults %+v", cfg)
	}
	if cfg.Tools.Launcher != "auto" {
		t.Fatalf("unexpected launcher %q", cfg.Tools.Launcher)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	profile := filepath.Join(dir, "profile.yaml")
	mustWriteFile(t, profile, []byte("root: /games/from-profile\nasset_workers: 3\nchunk_workers: 4\nskip_check: size_and_hash\ntools:\n  launcher: none\n"))
	t.Setenv("SOPHONSYNC_CONFIG", profile)
	t.Setenv("SOPHONSYNC_CHUNK_WORKERS", "7")
	t.Setenv("SOPHONSYNC_PROTECT", "Persistent/,Screenshots/")

	cfg, err := Load(newFlagSet(), []string{"-data-dir", dir, "-asset-workers", "2", "extra"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Root != "/games/from-profile" {
		t.Fatalf("profile value lost: %q", cfg.Root)
	}
	if cfg.AssetWorkers != 2 {
		t.Fatalf("flag should win, got %d", cfg.AssetWorkers)
	}
	if cfg.ChunkWorkers != 7 {
		t.Fatalf("env should beat profile, got %d", cfg.ChunkWorkers)
	}
	if cfg.SkipCheck != "size_and_hash" || cfg.Tools.Launcher != "none" {
		t.Fatalf("profile values lost %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Protect, []string{"Persistent/", "Screenshots/"}) {
		t.Fatalf("unexpected protect %v", cfg.Protect)
	}
	if cfg.DataDir != dir {
		t.Fatalf("unexpected data dir %q", cfg.DataDir)
	}
}

func TestLoad_DotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SOPHONSYNC_CONFIG", "")
	t.Setenv("SOPHONSYNC_SCAN_DIR", "FromEnv")
	t.Cleanup(func() { os.Unsetenv("SOPHONSYNC_VERSION_TAG") })
	envFile := filepath.Join(dir, "custom.env")
	mustWriteFile(t, envFile, []byte("# comment\nSOPHONSYNC_SCAN_DIR=FromFile\nexport SOPHONSYNC_VERSION_TAG=\"2.1.0\"\n"))

	cfg, err := Load(newFlagSet(), []string{"-data-dir", dir, "-env-file", envFile})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ScanDir != "FromEnv" {
		t.Fatalf("set env must win over .env, got %q", cfg.ScanDir)
	}
	if cfg.VersionTag != "2.1.0" {
		t.Fatalf(".env value not applied, got %q", cfg.VersionTag)
	}
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv("SOPHONSYNC_CONFIG", "")
	cases := [][]string{
		{"-skip-check", "mtime"},
		{"-failure-policy", "retry"},
		{"-size-mismatch", "ignore"},
		{"-asset-workers", "0"},
		{"-manifest-url", "not a url"},
	}
	for _, args := range cases {
		t.Run(args[0], func(t *testing.T) {
			_, err := Load(newFlagSet(), append([]string{"-data-dir", t.TempDir()}, args...))
			if err == nil || !strings.Contains(err.Error(), "invalid config") {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestProfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	cfg := Default()
	cfg.Root = "/games/hsr"
	cfg.VersionTag = "2.0.0"
	if err := cfg.SaveProfile(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := cfg.SaveProfile(path); err != nil {
		t.Fatalf("save again: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Fatalf("expected backup: %v", err)
	}
	got := &Config{}
	if err := got.LoadProfile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, cfg)
	}
}

func TestJournalFile(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	if got := cfg.JournalFile(); got != filepath.Join("/data", "journal.db") {
		t.Fatalf("unexpected default %q", got)
	}
	cfg.JournalPath = JournalOff
	if cfg.JournalFile() != "" {
		t.Fatalf("expected disabled journal")
	}
}
