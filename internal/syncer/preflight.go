package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/mycoool/sophonsync/internal/manifest"
	"github.com/mycoool/sophonsync/internal/syncerr"
)

// diskFree is swapped in tests.
var diskFree = func(ctx context.Context, path string) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

func (s *Syncer) preflight(ctx context.Context, m *manifest.Full, root string) error {
	if err := ensureTargetWritable(root); err != nil {
		return syncerr.New(syncerr.CodeIO, "preflight", root, err)
	}
	need := bytesToDownload(m, root)
	free, err := diskFree(ctx, root)
	if err != nil {
		log.Printf("syncer: disk usage unavailable for %s: %v", root, err)
		return nil
	}
	if need > 0 && uint64(need) > free {
		return syncerr.Newf(syncerr.CodeValidation, "preflight", root,
			"not enough disk space: need %s, have %s", formatBytes(need), formatBytes(int64(free)))
	}
	log.Printf("syncer: preflight ok, up to %s to download, %s free", formatBytes(need), formatBytes(int64(free)))
	return nil
}

// bytesToDownload estimates the bytes of assets whose size check fails. Hash checks are not run here.
func bytesToDownload(m *manifest.Full, root string) int64 {
	var need int64
	for _, a := range m.Assets {
		if a.IsDir() {
			continue
		}
		rel := manifest.NormalizePath(a.Name)
		if rel == "" {
			continue
		}
		if st, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err == nil && st.Size() == a.Size {
			continue
		}
		need += a.Size
	}
	return need
}

func ensureTargetWritable(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}
	f, err := os.CreateTemp(root, ".sophonsync-write-test-*")
	if err != nil {
		return fmt.Errorf("write test in target dir: %w", err)
	}
	name := f.Name()
	_, werr := f.WriteString("ok")
	cerr := f.Close()
	_ = os.Remove(name)
	if werr != nil {
		return fmt.Errorf("write test failed: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("close test file failed: %w", cerr)
	}
	return nil
}
