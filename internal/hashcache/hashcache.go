// Package hashcache computes MD5 digests of installed files and remembers them by path, size and mtime
// (plus inode and ctime where the platform exposes them), so a verify after a sync does not hash unchanged files twice.
package hashcache

import (
	"container/list"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type cacheValue struct {
	key string
	sum string
}

// Cache is a bounded LRU of hex digests.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	ll         *list.List
	m          map[string]*list.Element
}

// New returns a cache holding at most maxEntries digests. maxEntries <= 0 uses
// SOPHONSYNC_HASHCACHE_ENTRIES or 4096.
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 4096
		if raw := strings.TrimSpace(os.Getenv("SOPHONSYNC_HASHCACHE_ENTRIES")); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				maxEntries = v
			}
		}
	}
	return &Cache{
		maxEntries: maxEntries,
		ll:         list.New(),
		m:          make(map[string]*list.Element),
	}
}

func (c *Cache) Get(key string) (string, bool) {
	if c == nil || key == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.m[key]; ok {
		c.ll.MoveToFront(ele)
		return ele.Value.(*cacheValue).sum, true
	}
	return "", false
}

func (c *Cache) Put(key, sum string) {
	if c == nil || key == "" || sum == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.m[key]; ok {
		c.ll.MoveToFront(ele)
		ele.Value.(*cacheValue).sum = sum
		return
	}
	ele := c.ll.PushFront(&cacheValue{key: key, sum: sum})
	c.m[key] = ele
	for c.ll.Len() > c.maxEntries {
		back := c.ll.Back()
		if back == nil {
			break
		}
		delete(c.m, back.Value.(*cacheValue).key)
		c.ll.Remove(back)
	}
}

// Len reports the number of cached digests.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Key identifies one version of a file. Nanosecond mtime avoids false hits after a same-size rewrite.
func Key(fullPath string, size int64, mod time.Time) string {
	return strings.Join([]string{
		fullPath,
		strconv.FormatInt(size, 10),
		strconv.FormatInt(mod.UnixNano(), 10),
	}, "|")
}

// FileMD5 returns the lowercase hex MD5 of the file at path, consulting c first.
// A nil cache always hashes.
func (c *Cache) FileMD5(path string) (string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	key := Key(path, st.Size(), st.ModTime())
	if id := identity(st); id != "" {
		key += "|" + id
	}
	if sum, ok := c.Get(key); ok {
		return sum, nil
	}
	sum, err := FileMD5(path)
	if err != nil {
		return "", err
	}
	c.Put(key, sum)
	return sum, nil
}

// FileMD5 hashes the file at path without caching.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Matches reports whether the file at path has the given MD5, compared case-insensitively.
func (c *Cache) Matches(path, want string) (bool, error) {
	got, err := c.FileMD5(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(got, strings.TrimSpace(want)), nil
}
