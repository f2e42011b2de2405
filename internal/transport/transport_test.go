package transport

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cespare/xxhash/v2"

	"github.com/mycoool/sophonsync/internal/manifest"
	"github.com/mycoool/sophonsync/internal/syncerr"
)

// copyExtractor stands in for the archive tool: "extraction" copies the archive to <dest>/<name>~.
type copyExtractor struct{ calls atomic.Int32 }

func (e *copyExtractor) Extract(_ context.Context, archive, dest string) error {
	e.calls.Add(1)
	b, err := os.ReadFile(archive)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, filepath.Base(archive)+"~"), b, 0o644)
}

func newServer(t *testing.T, files map[string]string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		body, ok := files[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchRaw_StatusError(t *testing.T) {
	srv := newServer(t, map[string]string{"a": "A"}, nil)
	f := New(srv.Client(), nil, Options{ScratchDir: t.TempDir()})

	b, err := f.FetchRaw(context.Background(), srv.URL+"/", "a")
	if err != nil || string(b) != "A" {
		t.Fatalf("unexpected result %q %v", b, err)
	}
	_, err = f.FetchRaw(context.Background(), srv.URL, "missing")
	if !errors.Is(err, syncerr.Transport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status in %v", err)
	}
}

func TestFetchAndExtract_Cleanup(t *testing.T) {
	srv := newServer(t, map[string]string{"manifest_abc": "payload"}, nil)
	scratch := t.TempDir()
	dest := t.TempDir()
	f := New(srv.Client(), &copyExtractor{}, Options{ScratchDir: scratch})

	b, err := f.FetchAndExtract(context.Background(), srv.URL, "manifest_abc", dest, false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(b) != "payload" {
		t.Fatalf("unexpected payload %q", b)
	}
	if _, err := os.Stat(filepath.Join(dest, "manifest_abc~")); err != nil {
		t.Fatalf("expected extracted file kept: %v", err)
	}
	entries, _ := os.ReadDir(scratch)
	if len(entries) != 0 {
		t.Fatalf("expected scratch archive removed, found %d entries", len(entries))
	}

	if _, err := f.FetchAndExtract(context.Background(), srv.URL, "manifest_abc", dest, true); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "manifest_abc~")); !os.IsNotExist(err) {
		t.Fatalf("expected extracted file removed, got %v", err)
	}
}

func TestFetchChunk_VerifiesDigests(t *testing.T) {
	srv := newServer(t, map[string]string{"c1": "chunk-bytes"}, nil)
	f := New(srv.Client(), &copyExtractor{}, Options{ScratchDir: t.TempDir(), VerifyChunks: true})
	sum := md5.Sum([]byte("chunk-bytes"))

	good := manifest.ChunkRef{Name: "c1", CompressedXXH: xxhash.Sum64String("chunk-bytes"), DecompressedHash: hex.EncodeToString(sum[:])}
	b, err := f.FetchChunk(context.Background(), srv.URL, good)
	if err != nil || string(b) != "chunk-bytes" {
		t.Fatalf("unexpected result %q %v", b, err)
	}

	bad := good
	bad.CompressedXXH++
	if _, err := f.FetchChunk(context.Background(), srv.URL, bad); !errors.Is(err, syncerr.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	bad = good
	bad.DecompressedHash = strings.Repeat("0", 32)
	if _, err := f.FetchChunk(context.Background(), srv.URL, bad); !errors.Is(err, syncerr.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFetchChunkToStaging_Idempotent(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, map[string]string{"blob1": "patchdata"}, &hits)
	root := t.TempDir()
	f := New(srv.Client(), nil, Options{ScratchDir: t.TempDir()})

	b, err := f.FetchChunkToStaging(context.Background(), srv.URL, "blob1", root)
	if err != nil || string(b) != "patchdata" {
		t.Fatalf("unexpected result %q %v", b, err)
	}
	got, err := os.ReadFile(filepath.Join(root, StagingDirName, "blob1"))
	if err != nil || string(got) != "patchdata" {
		t.Fatalf("unexpected staged file %q %v", got, err)
	}

	b, err = f.FetchChunkToStaging(context.Background(), srv.URL, "blob1", root)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(b) != 0 {
		t.Fatalf("expected empty result for staged blob")
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one request, got %d", hits.Load())
	}
}

func TestFetchChunkToStaging_RejectsEscapingName(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, map[string]string{"blob1": "patchdata"}, &hits)
	root := filepath.Join(t.TempDir(), "game")
	f := New(srv.Client(), nil, Options{ScratchDir: t.TempDir()})

	for _, name := range []string{"../../outside.bin", `..\evil.bin`, "ok/../../../x"} {
		if _, err := f.FetchChunkToStaging(context.Background(), srv.URL, name, root); !errors.Is(err, syncerr.Validation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	if hits.Load() != 0 {
		t.Fatalf("escaping names must not be fetched, got %d requests", hits.Load())
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("nothing should be written, got %v", err)
	}

	got, err := StagingPath(root, `sub\blob1`)
	if err != nil || got != filepath.Join(root, StagingDirName, "sub", "blob1") {
		t.Fatalf("unexpected staging path %q %v", got, err)
	}
}
