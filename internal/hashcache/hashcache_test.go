package hashcache

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
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

func TestCache_EvictsOldest(t *testing.T) {
	c := New(2)
	c.Put("a", "1")
	c.Put("b", "2")
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a")
	}
	c.Put("c", "3")
	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected b evicted")
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
}

func TestNew_EnvOverride(t *testing.T) {
	t.Setenv("SOPHONSYNC_HASHCACHE_ENTRIES", "3")
	c := New(0)
	if c.maxEntries != 3 {
		t.Fatalf("expected 3, got %d", c.maxEntries)
	}
}

func TestFileMD5_CachesByMtime(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.bin")
	mustWriteFile(t, p, []byte("hello"))

	c := New(8)
	sum, err := c.FileMD5(p)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if sum != "5d41402abc4b2a76b9719d911017c592" {
		t.Fatalf("unexpected md5 %s", sum)
	}
	if c.Len() != 1 {
		t.Fatalf("expected cached entry")
	}

	mustWriteFile(t, p, []byte("world"))
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(p, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	ok, err := c.Matches(p, "7D793037A0760186574B0282F2F435E7")
	if err != nil {
		t.Fatalf("matches: %v", err)
	}
	if !ok {
		t.Fatalf("expected case-insensitive match after rewrite")
	}
}

func TestFileMD5_NilCache(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x")
	mustWriteFile(t, p, nil)
	var c *Cache
	sum, err := c.FileMD5(p)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if sum != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Fatalf("unexpected md5 %s", sum)
	}
}

func TestFileMD5_SameSizeRewriteWithRestoredMtime(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("inode and ctime are only keyed on linux")
	}
	p := filepath.Join(t.TempDir(), "a.bin")
	mustWriteFile(t, p, []byte("hello"))
	st, err := os.Stat(p)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	c := New(8)
	if _, err := c.FileMD5(p); err != nil {
		t.Fatalf("hash: %v", err)
	}

	f, err := os.OpenFile(p, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteAt([]byte("world"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := os.Chtimes(p, st.ModTime(), st.ModTime()); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	sum, err := c.FileMD5(p)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if sum != "7d793037a0760186574b0282f2f435e7" {
		t.Fatalf("expected digest of the rewritten content, got %s", sum)
	}
}
