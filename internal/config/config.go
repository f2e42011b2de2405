// Package config assembles run settings from defaults, an optional YAML profile, .env files, the
// environment and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Tools locates the external executables.
type Tools struct {
	SevenZip string `yaml:"sevenzip" env:"SOPHONSYNC_7Z"`
	Hdiffz   string `yaml:"hdiffz" env:"SOPHONSYNC_HDIFFZ"`
	Hpatchz  string `yaml:"hpatchz" env:"SOPHONSYNC_HPATCHZ"`
	// Launcher is "auto", "none" or a command prefixed to every tool run.
	Launcher string `yaml:"launcher" env:"SOPHONSYNC_LAUNCHER" validate:"required"`
}

// Config is the settings of one run.
type Config struct {
	Root    string `yaml:"root" env:"SOPHONSYNC_ROOT"`
	DataDir string `yaml:"data_dir" env:"SOPHONSYNC_DATA_DIR" validate:"required"`

	ManifestURL string        `yaml:"manifest_url" env:"SOPHONSYNC_MANIFEST_URL" validate:"omitempty,url"`
	ChunkURL    string        `yaml:"chunk_url" env:"SOPHONSYNC_CHUNK_URL" validate:"omitempty,url"`
	Manifest    string        `yaml:"manifest" env:"SOPHONSYNC_MANIFEST"`
	VersionTag  string        `yaml:"version_tag" env:"SOPHONSYNC_VERSION_TAG"`
	HTTPTimeout time.Duration `yaml:"http_timeout" env:"SOPHONSYNC_HTTP_TIMEOUT"`

	AssetWorkers  int  `yaml:"asset_workers" env:"SOPHONSYNC_ASSET_WORKERS" validate:"min=1,max=64"`
	ChunkWorkers  int  `yaml:"chunk_workers" env:"SOPHONSYNC_CHUNK_WORKERS" validate:"min=1,max=128"`
	VerifyWorkers int  `yaml:"verify_workers" env:"SOPHONSYNC_VERIFY_WORKERS" validate:"min=0,max=256"`
	VerifyChunks  bool `yaml:"verify_chunks" env:"SOPHONSYNC_VERIFY_CHUNKS"`
	SkipPreflight bool `yaml:"skip_preflight" env:"SOPHONSYNC_SKIP_PREFLIGHT"`

	SkipCheck     string `yaml:"skip_check" env:"SOPHONSYNC_SKIP_CHECK" validate:"oneof=size size_and_hash"`
	FailurePolicy string `yaml:"failure_policy" env:"SOPHONSYNC_FAILURE_POLICY" validate:"oneof=fail_fast continue"`
	SizeMismatch  string `yaml:"size_mismatch" env:"SOPHONSYNC_SIZE_MISMATCH" validate:"oneof=report fail"`
	KeepRejected  bool   `yaml:"keep_rejected" env:"SOPHONSYNC_KEEP_REJECTED"`

	ScanDir string   `yaml:"scan_dir" env:"SOPHONSYNC_SCAN_DIR"`
	Protect []string `yaml:"protect" env:"SOPHONSYNC_PROTECT" envSeparator:","`
	DryRun  bool     `yaml:"dry_run" env:"SOPHONSYNC_DRY_RUN"`

	Tools Tools `yaml:"tools"`

	StatusAddr   string `yaml:"status_addr" env:"SOPHONSYNC_STATUS_ADDR" validate:"omitempty,hostname_port"`
	JournalPath  string `yaml:"journal" env:"SOPHONSYNC_JOURNAL"`
	OTelEndpoint string `yaml:"otel_endpoint" env:"SOPHONSYNC_OTEL_ENDPOINT" validate:"omitempty,url"`
}

// JournalOff disables the run journal.
const JournalOff = "off"

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DataDir:       defaultDataDir(),
		AssetWorkers:  5,
		ChunkWorkers:  10,
		SkipCheck:     "size",
		FailurePolicy: "fail_fast",
		SizeMismatch:  "report",
		KeepRejected:  true,
		ScanDir:       "StarRail_Data",
		Protect:       []string{"Persistent/"},
		Tools:         Tools{Launcher: "auto"},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".sophonsync")
	}
	return "./sophonsync_data"
}

// JournalFile resolves the journal location, or "" when disabled.
func (c *Config) JournalFile() string {
	switch c.JournalPath {
	case JournalOff:
		return ""
	case "":
		return filepath.Join(c.DataDir, "journal.db")
	}
	return c.JournalPath
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadProfile merges the YAML profile at path into c. Keys absent from the file keep their value.
func (c *Config) LoadProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to unmarshal profile %s: %w", path, err)
	}
	return nil
}

// SaveProfile writes c as YAML, keeping a backup of an existing file.
func (c *Config) SaveProfile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".bak"); err != nil {
			return fmt.Errorf("failed to backup profile: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// loadDotEnv loads .env style files without overriding variables that are already set.
// Priority: explicit file, <dataDir>/.env, ./.env.
func loadDotEnv(envFile, dataDir string) error {
	var paths []string
	for _, p := range []string{envFile, filepath.Join(dataDir, ".env"), ".env"} {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil
	}
	return godotenv.Load(paths...)
}

type listFlag struct{ dst *[]string }

func (l listFlag) String() string {
	if l.dst == nil {
		return ""
	}
	return strings.Join(*l.dst, ",")
}

func (l listFlag) Set(v string) error {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*l.dst = out
	return nil
}

func (c *Config) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Root, "root", c.Root, "Game installation directory")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "Directory for tools, journal and .env")
	fs.StringVar(&c.ManifestURL, "manifest-url", c.ManifestURL, "Base URL serving manifests")
	fs.StringVar(&c.ChunkURL, "chunk-url", c.ChunkURL, "Base URL serving chunks and patch blobs")
	fs.StringVar(&c.Manifest, "manifest", c.Manifest, "Manifest name to fetch or the local manifest file")
	fs.StringVar(&c.VersionTag, "version-tag", c.VersionTag, "Source version tag for diff manifests (prompted when empty)")
	fs.DurationVar(&c.HTTPTimeout, "http-timeout", c.HTTPTimeout, "Per-request timeout (0 disables)")
	fs.IntVar(&c.AssetWorkers, "asset-workers", c.AssetWorkers, "Concurrent assets")
	fs.IntVar(&c.ChunkWorkers, "chunk-workers", c.ChunkWorkers, "Concurrent chunks per asset")
	fs.IntVar(&c.VerifyWorkers, "verify-workers", c.VerifyWorkers, "Concurrent verify checks (0 = number of CPUs)")
	fs.BoolVar(&c.VerifyChunks, "verify-chunks", c.VerifyChunks, "Check chunk checksums declared by the manifest")
	fs.BoolVar(&c.SkipPreflight, "skip-preflight", c.SkipPreflight, "Skip the disk space and writability check")
	fs.StringVar(&c.SkipCheck, "skip-check", c.SkipCheck, "When an existing file counts as synced: size or size_and_hash")
	fs.StringVar(&c.FailurePolicy, "failure-policy", c.FailurePolicy, "fail_fast or continue")
	fs.StringVar(&c.SizeMismatch, "size-mismatch", c.SizeMismatch, "Verify size mismatch handling: report or fail")
	fs.BoolVar(&c.KeepRejected, "keep-rejected", c.KeepRejected, "Keep patched files that failed their hash check")
	fs.StringVar(&c.ScanDir, "scan-dir", c.ScanDir, "Directory scanned for unexpected files")
	fs.Var(listFlag{&c.Protect}, "protect", "Comma separated protected patterns")
	fs.BoolVar(&c.DryRun, "dry-run", c.DryRun, "Report deletions without deleting")
	fs.StringVar(&c.Tools.SevenZip, "7z", c.Tools.SevenZip, "Path to 7z")
	fs.StringVar(&c.Tools.Hdiffz, "hdiffz", c.Tools.Hdiffz, "Path to hdiffz")
	fs.StringVar(&c.Tools.Hpatchz, "hpatchz", c.Tools.Hpatchz, "Path to hpatchz")
	fs.StringVar(&c.Tools.Launcher, "launcher", c.Tools.Launcher, "Tool launcher: auto, none or a command")
	fs.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "Serve run status on this address, e.g. 127.0.0.1:9310")
	fs.StringVar(&c.JournalPath, "journal", c.JournalPath, "Run journal database (off disables)")
	fs.StringVar(&c.OTelEndpoint, "otel-endpoint", c.OTelEndpoint, "OTLP/HTTP trace endpoint")
}

// Load parses args into a Config. Flags win over the environment (after .env files are applied),
// which wins over the YAML profile, which wins over defaults.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := Default()
	var profile, envFile string
	fs.StringVar(&profile, "config", "", "YAML profile (default $SOPHONSYNC_CONFIG)")
	fs.StringVar(&envFile, "env-file", "", "Load env vars from a .env file")
	cfg.bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	set := map[string]string{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = f.Value.String() })

	if err := loadDotEnv(envFile, cfg.DataDir); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	layered := Default()
	if profile == "" {
		profile = os.Getenv("SOPHONSYNC_CONFIG")
	}
	if profile != "" {
		if err := layered.LoadProfile(profile); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(layered); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	*cfg = *layered
	for name, v := range set {
		if err := fs.Set(name, v); err != nil {
			return nil, fmt.Errorf("flag -%s: %w", name, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
