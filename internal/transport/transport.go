// Package transport fetches manifests, chunks and patch blobs from the content CDN.
package transport

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"

	"github.com/mycoool/sophonsync/internal/fsutil"
	"github.com/mycoool/sophonsync/internal/manifest"
	"github.com/mycoool/sophonsync/internal/syncerr"
)

// StagingDirName is the directory under the installation root that holds downloaded patch blobs.
const StagingDirName = "ldiff"

// HTTPClient defines the http.Client subset required by Fetcher.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Extractor unpacks an archive into a directory.
type Extractor interface {
	Extract(ctx context.Context, archive, dest string) error
}

// Options tunes a Fetcher.
type Options struct {
	// ScratchDir holds downloaded archives until they are extracted. Defaults to the OS temp dir.
	ScratchDir string
	// VerifyChunks checks the compressed xxh64 and decompressed md5 of chunks when the manifest has them.
	VerifyChunks bool
	// HeaderTimeout bounds the wait for response headers. Bodies are not time-limited.
	HeaderTimeout time.Duration
}

// Fetcher performs plain GETs against the CDN. It never retries.
type Fetcher struct {
	http    HTTPClient
	extract Extractor
	opts    Options
}

// New constructs a Fetcher. A nil client gets an http.Client with a header timeout.
func New(client HTTPClient, extract Extractor, opts Options) *Fetcher {
	if opts.ScratchDir == "" {
		opts.ScratchDir = filepath.Join(os.TempDir(), "sophonsync")
	}
	if opts.HeaderTimeout <= 0 {
		opts.HeaderTimeout = 30 * time.Second
	}
	if client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.ResponseHeaderTimeout = opts.HeaderTimeout
		tr.MaxIdleConnsPerHost = 32
		client = &http.Client{Transport: tr}
	}
	return &Fetcher{http: client, extract: extract, opts: opts}
}

// JoinURL appends name to base with exactly one slash.
func JoinURL(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(name, "/")
}

// FetchRaw downloads baseURL/name into memory without extraction.
func (f *Fetcher) FetchRaw(ctx context.Context, baseURL, name string) ([]byte, error) {
	endpoint := JoinURL(baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeTransport, "build request", endpoint, err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeTransport, "fetch", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, syncerr.Newf(syncerr.CodeTransport, "fetch", endpoint, "unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeTransport, "read body", endpoint, err)
	}
	return b, nil
}

// FetchAndExtract downloads baseURL/name, extracts it into destDir and returns the contents of the
// extracted "<name>~". The downloaded archive is always removed; the extracted file only when cleanup
// is set.
func (f *Fetcher) FetchAndExtract(ctx context.Context, baseURL, name, destDir string, cleanup bool) ([]byte, error) {
	return f.fetchAndExtract(ctx, baseURL, name, destDir, cleanup, nil)
}

// FetchChunk fetches one full-manifest chunk through a private scratch directory and returns its
// decompressed bytes. With VerifyChunks set it checks the declared digests.
func (f *Fetcher) FetchChunk(ctx context.Context, baseURL string, c manifest.ChunkRef) ([]byte, error) {
	var check func([]byte) error
	if f.opts.VerifyChunks && c.CompressedXXH != 0 {
		check = func(raw []byte) error {
			if got := xxhash.Sum64(raw); got != c.CompressedXXH {
				return syncerr.Newf(syncerr.CodeValidation, "verify chunk", c.Name, "xxh64 %016x, want %016x", got, c.CompressedXXH)
			}
			return nil
		}
	}
	if err := os.MkdirAll(f.opts.ScratchDir, 0o755); err != nil {
		return nil, syncerr.New(syncerr.CodeIO, "create scratch dir", f.opts.ScratchDir, err)
	}
	dest, err := os.MkdirTemp(f.opts.ScratchDir, "chunk-*")
	if err != nil {
		return nil, syncerr.New(syncerr.CodeIO, "create scratch dir", f.opts.ScratchDir, err)
	}
	defer os.RemoveAll(dest)

	data, err := f.fetchAndExtract(ctx, baseURL, c.Name, dest, true, check)
	if err != nil {
		return nil, err
	}
	if f.opts.VerifyChunks && c.DecompressedHash != "" {
		sum := md5.Sum(data)
		if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, c.DecompressedHash) {
			return nil, syncerr.Newf(syncerr.CodeValidation, "verify chunk", c.Name, "md5 %s, want %s", got, c.DecompressedHash)
		}
	}
	return data, nil
}

func (f *Fetcher) fetchAndExtract(ctx context.Context, baseURL, name, destDir string, cleanup bool, check func([]byte) error) ([]byte, error) {
	if f.extract == nil {
		return nil, syncerr.Newf(syncerr.CodeTool, "extract", name, "no extractor configured")
	}
	raw, err := f.FetchRaw(ctx, baseURL, name)
	if err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(raw); err != nil {
			return nil, err
		}
	}

	// The extractor derives "<name>~" from the archive file name, so the archive keeps its bare name
	// inside a private directory.
	if err := os.MkdirAll(f.opts.ScratchDir, 0o755); err != nil {
		return nil, syncerr.New(syncerr.CodeIO, "create scratch dir", f.opts.ScratchDir, err)
	}
	holder, err := os.MkdirTemp(f.opts.ScratchDir, "dl-*")
	if err != nil {
		return nil, syncerr.New(syncerr.CodeIO, "create scratch dir", f.opts.ScratchDir, err)
	}
	defer os.RemoveAll(holder)
	archive := filepath.Join(holder, filepath.Base(name))
	if err := os.WriteFile(archive, raw, 0o644); err != nil {
		return nil, syncerr.New(syncerr.CodeIO, "write archive", archive, err)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, syncerr.New(syncerr.CodeIO, "create dest dir", destDir, err)
	}
	if err := f.extract.Extract(ctx, archive, destDir); err != nil {
		return nil, err
	}
	extracted := filepath.Join(destDir, filepath.Base(name)+"~")
	data, err := os.ReadFile(extracted)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeIO, "read extracted", extracted, err)
	}
	if cleanup {
		if err := os.Remove(extracted); err != nil {
			return nil, syncerr.New(syncerr.CodeIO, "remove extracted", extracted, err)
		}
	}
	return data, nil
}

// StagingPath returns where a patch blob is staged under root. Names that would leave the staging
// directory are rejected.
func StagingPath(root, name string) (string, error) {
	rel := manifest.NormalizePath(name)
	if rel == "" {
		return "", syncerr.Newf(syncerr.CodeValidation, "stage blob", name, "path escapes staging directory")
	}
	return filepath.Join(root, StagingDirName, filepath.FromSlash(rel)), nil
}

// FetchChunkToStaging downloads chunkURL/name into <stagingRoot>/ldiff/<name>. An existing staged
// file is reused: the call returns (nil, nil) without touching the network.
func (f *Fetcher) FetchChunkToStaging(ctx context.Context, chunkURL, name, stagingRoot string) ([]byte, error) {
	dst, err := StagingPath(stagingRoot, name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dst); err == nil {
		return nil, nil
	}
	b, err := f.FetchRaw(ctx, chunkURL, name)
	if err != nil {
		return nil, err
	}
	if err := fsutil.WriteFileAtomic(dst, b, 0o644); err != nil {
		return nil, syncerr.New(syncerr.CodeIO, "stage blob", dst, err)
	}
	log.Printf("transport: staged %s (%s)", name, humanize.Bytes(uint64(len(b))))
	return b, nil
}
