package reconcile

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/mycoool/sophonsync/internal/ignore"
	"github.com/mycoool/sophonsync/internal/syncerr"
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

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestDeleteListed_NormalizesAndReportsMissing(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "StarRail_Data", "old.bin"), []byte("x"))
	mustWriteFile(t, filepath.Join(root, "keep.bin"), []byte("x"))
	list := filepath.Join(root, "deletefiles.txt")
	mustWriteFile(t, list, []byte("StarRail_Data\\old.bin\r\n\n  gone.bin  \n../outside.bin\n"))

	sum, err := DeleteListed(root, list, nil)
	if err != nil {
		t.Fatalf("delete listed: %v", err)
	}
	if exists(filepath.Join(root, "StarRail_Data", "old.bin")) {
		t.Fatalf("expected old.bin deleted")
	}
	if !exists(filepath.Join(root, "keep.bin")) {
		t.Fatalf("keep.bin should survive")
	}
	if len(sum.Deleted) != 1 || sum.Deleted[0] != "StarRail_Data/old.bin" {
		t.Fatalf("unexpected deleted %v", sum.Deleted)
	}
	if len(sum.AlreadyGone) != 1 || sum.AlreadyGone[0] != "gone.bin" {
		t.Fatalf("unexpected already gone %v", sum.AlreadyGone)
	}
	if len(sum.Failed) != 1 || !errors.Is(sum.Err(), syncerr.Validation) {
		t.Fatalf("expected escaping path to fail validation, got %v", sum.Failed)
	}
}

func TestDeleteListed_MissingList(t *testing.T) {
	_, err := DeleteListed(t.TempDir(), filepath.Join(t.TempDir(), "nope.txt"), nil)
	if !errors.Is(err, syncerr.IO) {
		t.Fatalf("expected IO error, got %v", err)
	}
}

func TestDeleteUnexpected_ProtectedSubtree(t *testing.T) {
	root := t.TempDir()
	files := []string{
		"StarRail_Data/a.bin",
		"StarRail_Data/stale.bin",
		"StarRail_Data/Persistent/cache.bin",
		"StarRail_Data/sub/Persistent/deep.bin",
		"StarRail_Data/sub/old.bin",
		"ldiff/blob1",
		".sophonsync.pid",
		"pkg_version",
	}
	for _, f := range files {
		mustWriteFile(t, filepath.Join(root, filepath.FromSlash(f)), []byte("x"))
	}
	expected := map[string]struct{}{"StarRail_Data/a.bin": {}}

	sum, err := DeleteUnexpected(root, expected, Options{})
	if err != nil {
		t.Fatalf("delete unexpected: %v", err)
	}
	sort.Strings(sum.Deleted)
	want := []string{"StarRail_Data/stale.bin", "StarRail_Data/sub/old.bin", "pkg_version"}
	if len(sum.Deleted) != len(want) {
		t.Fatalf("unexpected deleted %v", sum.Deleted)
	}
	for i := range want {
		if sum.Deleted[i] != want[i] {
			t.Fatalf("unexpected deleted %v", sum.Deleted)
		}
	}
	for _, keep := range []string{"StarRail_Data/a.bin", "StarRail_Data/Persistent/cache.bin", "StarRail_Data/sub/Persistent/deep.bin", "ldiff/blob1", ".sophonsync.pid"} {
		if !exists(filepath.Join(root, filepath.FromSlash(keep))) {
			t.Fatalf("%s should survive", keep)
		}
	}
}

func TestDeleteUnexpected_ScanDirAndDryRun(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "StarRail_Data", "stale.bin"), []byte("x"))
	mustWriteFile(t, filepath.Join(root, "config.ini"), []byte("x"))
	mustWriteFile(t, filepath.Join(root, "StarRail_Data", "Screens", "a.png"), []byte("x"))

	opts := Options{ScanDir: "StarRail_Data", DryRun: true, Protect: ignore.New(root, []string{"Screens/"})}
	sum, err := DeleteUnexpected(root, map[string]struct{}{}, opts)
	if err != nil {
		t.Fatalf("delete unexpected: %v", err)
	}
	if len(sum.Deleted) != 1 || sum.Deleted[0] != "StarRail_Data/stale.bin" {
		t.Fatalf("unexpected deleted %v", sum.Deleted)
	}
	if !exists(filepath.Join(root, "StarRail_Data", "stale.bin")) {
		t.Fatalf("dry run must not delete")
	}

	sum, err = DeleteUnexpected(root, nil, Options{ScanDir: "Missing"})
	if err != nil || len(sum.Deleted) != 0 {
		t.Fatalf("expected no-op for missing scan dir, got %v %v", sum, err)
	}
}

func TestExpected_RoundTrip(t *testing.T) {
	root := t.TempDir()
	in := map[string]struct{}{"b.bin": {}, `StarRail_Data\a.bin`: {}}
	if err := WriteExpected(root, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadExpected(root)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := got["StarRail_Data/a.bin"]; !ok || len(got) != 2 {
		t.Fatalf("unexpected set %v", got)
	}
	if _, err := ReadExpected(t.TempDir()); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist, got %v", err)
	}
}
