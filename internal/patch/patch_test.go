package patch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/mycoool/sophonsync/internal/manifest"
	"github.com/mycoool/sophonsync/internal/syncerr"
	"github.com/mycoool/sophonsync/internal/tools"
	"github.com/mycoool/sophonsync/internal/transport"
)

// fakePatcher treats a patch file's content as the complete new target.
type fakePatcher struct {
	mu      sync.Mutex
	fail    error
	sources []string
}

func (f *fakePatcher) Patch(_ context.Context, source, patchPath, target string) error {
	f.mu.Lock()
	f.sources = append(f.sources, source)
	f.mu.Unlock()
	if _, err := os.Stat(patchPath); err != nil {
		return syncerr.New(syncerr.CodeTool, "hpatchz", patchPath, tools.ErrNotFound)
	}
	if f.fail != nil {
		return f.fail
	}
	if source != "" {
		if _, err := os.Stat(source); err != nil {
			return err
		}
	}
	b, err := os.ReadFile(patchPath)
	if err != nil {
		return err
	}
	return os.WriteFile(target, b, 0o644)
}

func mustWriteFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestApplyMap_EndToEnd(t *testing.T) {
	root := t.TempDir()
	oldContent, newContent := "0123456789", "hello world!"
	mustWriteFile(t, filepath.Join(root, "StarRail_Data", "A.bin"), []byte(oldContent))
	mustWriteFile(t, filepath.Join(root, "StarRail_Data", "A.bin.hdiff"), []byte(newContent))

	entry := MapEntry{
		SourceName: "StarRail_Data/A.bin", SourceHash: strings.ToUpper(md5hex(oldContent)), SourceSize: 10,
		TargetName: "StarRail_Data/A.bin", TargetHash: md5hex(newContent), TargetSize: 12,
		PatchName: "StarRail_Data/A.bin.hdiff", PatchHash: md5hex(newContent), PatchSize: 12,
	}
	e := New(root, &fakePatcher{}, Options{})
	r := e.ApplyMap(context.Background(), []MapEntry{entry})
	if err := r.Err(); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if r.Applied != 1 {
		t.Fatalf("unexpected report %+v", r)
	}
	b, _ := os.ReadFile(filepath.Join(root, "StarRail_Data", "A.bin"))
	if md5hex(string(b)) != md5hex(newContent) {
		t.Fatalf("target not patched: %q", b)
	}
	if exists(filepath.Join(root, "StarRail_Data", "A.bin.hdiff")) {
		t.Fatalf("patch should be deleted")
	}
}

func TestApplyMap_InvalidInputsTouchNothing(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "a.bin"), []byte("old"))
	mustWriteFile(t, filepath.Join(root, "a.hdiff"), []byte("new"))
	base := MapEntry{
		SourceName: "a.bin", SourceHash: md5hex("old"), SourceSize: 3,
		TargetName: "b.bin", TargetHash: md5hex("new"), TargetSize: 3,
		PatchName: "a.hdiff", PatchHash: md5hex("new"), PatchSize: 3,
	}
	badSource := base
	badSource.SourceHash = md5hex("other")
	badPatch := base
	badPatch.PatchSize = 99
	missing := base
	missing.SourceName = "nope.bin"

	fp := &fakePatcher{}
	r := New(root, fp, Options{}).ApplyMap(context.Background(), []MapEntry{badSource, badPatch, missing})
	if len(r.Failed) != 3 || r.Applied != 0 {
		t.Fatalf("unexpected report %+v", r)
	}
	if r.Count(ErrSourceInvalid) != 2 || r.Count(ErrPatchInvalid) != 1 {
		t.Fatalf("unexpected failure kinds %+v", r.Failed)
	}
	if !errors.Is(r.Err(), syncerr.Validation) {
		t.Fatalf("expected validation code")
	}
	if len(fp.sources) != 0 {
		t.Fatalf("patcher must not run for invalid entries")
	}
	if !exists(filepath.Join(root, "a.bin")) || !exists(filepath.Join(root, "a.hdiff")) || exists(filepath.Join(root, "b.bin")) {
		t.Fatalf("invalid entries must not touch files")
	}
}

func TestApplyMap_TargetMismatchKeepsResult(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "a.bin"), []byte("old"))
	mustWriteFile(t, filepath.Join(root, "a.hdiff"), []byte("new"))
	entry := MapEntry{
		SourceName: "a.bin", SourceHash: md5hex("old"), SourceSize: 3,
		TargetName: "b.bin", TargetHash: md5hex("expected"), TargetSize: 8,
		PatchName: "a.hdiff", PatchHash: md5hex("new"), PatchSize: 3,
	}
	err := New(root, &fakePatcher{}, Options{}).ApplyMapEntry(context.Background(), entry)
	if !errors.Is(err, ErrTargetMismatch) {
		t.Fatalf("expected target mismatch, got %v", err)
	}
	if !exists(filepath.Join(root, "b.bin")) {
		t.Fatalf("mismatched target is left in place")
	}
	if exists(filepath.Join(root, "a.bin")) || exists(filepath.Join(root, "a.hdiff")) {
		t.Fatalf("stale source and patch are removed after a successful tool run")
	}
}

func TestApplyMap_ToolFailure(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "a.bin"), []byte("old"))
	mustWriteFile(t, filepath.Join(root, "a.hdiff"), []byte("new"))
	entry := MapEntry{SourceName: "a.bin", SourceSize: 3, TargetName: "a.bin", TargetSize: 3, PatchName: "a.hdiff", PatchSize: 3}
	err := New(root, &fakePatcher{fail: errors.New("exit status 1")}, Options{}).ApplyMapEntry(context.Background(), entry)
	if !errors.Is(err, ErrPatchToolFailed) || !errors.Is(err, syncerr.Tool) {
		t.Fatalf("expected tool failure, got %v", err)
	}
	if !exists(filepath.Join(root, "a.hdiff")) {
		t.Fatalf("patch must survive a failed run")
	}
}

func stageBlob(t *testing.T, root, name, content string) {
	t.Helper()
	mustWriteFile(t, filepath.Join(root, transport.StagingDirName, filepath.FromSlash(name)), []byte(content))
}

func TestApplySlice_InstallsAndCleansUp(t *testing.T) {
	root := t.TempDir()
	stageBlob(t, root, "blob1", "xxxxNEWCONTENTyyyy")
	mustWriteFile(t, filepath.Join(root, "old", "a.bin"), []byte("previous"))

	asset := manifest.DiffAsset{Name: "StarRail_Data/a.bin", Hash: md5hex("NEWCONTENT")}
	chunk := manifest.PatchChunk{PatchName: "blob1", Offset: 4, Length: 10, OriginalFileName: "old/a.bin"}
	if err := New(root, &fakePatcher{}, Options{}).ApplySlice(context.Background(), asset, chunk); err != nil {
		t.Fatalf("apply slice: %v", err)
	}
	b, _ := os.ReadFile(filepath.Join(root, "StarRail_Data", "a.bin"))
	if string(b) != "NEWCONTENT" {
		t.Fatalf("unexpected content %q", b)
	}
	if exists(filepath.Join(root, "old", "a.bin")) {
		t.Fatalf("stale source should be removed")
	}
	entries, _ := os.ReadDir(filepath.Join(root, transport.StagingDirName))
	if len(entries) != 1 {
		t.Fatalf("expected only the blob in staging, got %d entries", len(entries))
	}
}

func TestApplySlice_NewFileHasNoSource(t *testing.T) {
	root := t.TempDir()
	stageBlob(t, root, "blob1", "fresh")
	fp := &fakePatcher{}
	asset := manifest.DiffAsset{Name: "new.bin", Hash: md5hex("fresh")}
	if err := New(root, fp, Options{}).ApplySlice(context.Background(), asset, manifest.PatchChunk{PatchName: "blob1", Length: 5}); err != nil {
		t.Fatalf("apply slice: %v", err)
	}
	if len(fp.sources) != 1 || fp.sources[0] != "" {
		t.Fatalf("expected empty source, got %v", fp.sources)
	}
}

func TestApplySlice_ShortBlobIsInvalidPatch(t *testing.T) {
	root := t.TempDir()
	stageBlob(t, root, "blob1", "short")
	mustWriteFile(t, filepath.Join(root, "a.bin"), []byte("keep"))
	asset := manifest.DiffAsset{Name: "a.bin", Hash: md5hex("whatever")}
	chunk := manifest.PatchChunk{PatchName: "blob1", Offset: 2, Length: 100, OriginalFileName: "a.bin"}
	err := New(root, &fakePatcher{}, Options{}).ApplySlice(context.Background(), asset, chunk)
	if !errors.Is(err, ErrPatchInvalid) || !errors.Is(err, syncerr.Validation) {
		t.Fatalf("expected invalid patch, got %v", err)
	}
	b, _ := os.ReadFile(filepath.Join(root, "a.bin"))
	if string(b) != "keep" {
		t.Fatalf("asset must be untouched, got %q", b)
	}
}

func TestApplySlices_MismatchKeepsRejected(t *testing.T) {
	root := t.TempDir()
	stageBlob(t, root, "blob1", "AAAABBBB")
	mustWriteFile(t, filepath.Join(root, "a.bin"), []byte("old-a"))
	m := &manifest.Diff{PatchAssets: []manifest.DiffAsset{
		{Name: "a.bin", Hash: md5hex("not-this"), Infos: []manifest.AssetInfo{
			{VersionTag: "2.1.0", Chunk: &manifest.PatchChunk{PatchName: "blob1", Offset: 0, Length: 4, OriginalFileName: "a.bin"}},
		}},
		{Name: "b.bin", Hash: md5hex("BBBB"), Infos: []manifest.AssetInfo{
			{VersionTag: "2.1.0", Chunk: &manifest.PatchChunk{PatchName: "blob1", Offset: 4, Length: 4}},
		}},
		{Name: "c.bin", Infos: []manifest.AssetInfo{{VersionTag: "2.1.0"}}},
		{Name: "d.bin", Infos: []manifest.AssetInfo{{VersionTag: "2.0.0", Chunk: &manifest.PatchChunk{PatchName: "blob0"}}}},
	}}

	r := New(root, &fakePatcher{}, Options{KeepRejected: true}).ApplySlices(context.Background(), m, "2.1.0")
	if r.Applied != 1 || r.Skipped != 1 || len(r.Failed) != 1 || r.Count(ErrTargetMismatch) != 1 {
		t.Fatalf("unexpected report %+v", r)
	}
	b, _ := os.ReadFile(filepath.Join(root, "a.bin"))
	if string(b) != "old-a" {
		t.Fatalf("mismatched asset must not be installed, got %q", b)
	}
	kept, err := os.ReadFile(filepath.Join(root, transport.StagingDirName, RejectedDirName, "a.bin"+RejectedSuffix))
	if err != nil || string(kept) != "AAAA" {
		t.Fatalf("expected rejected target kept, got %q %v", kept, err)
	}
	b, _ = os.ReadFile(filepath.Join(root, "b.bin"))
	if string(b) != "BBBB" {
		t.Fatalf("second asset should be installed, got %q", b)
	}
}

func TestApplySlices_RejectedTargetsKeepTheirPaths(t *testing.T) {
	root := t.TempDir()
	stageBlob(t, root, "blob1", "AAAABBBB")
	m := &manifest.Diff{PatchAssets: []manifest.DiffAsset{
		{Name: "a/x.bin", Hash: md5hex("not-a"), Infos: []manifest.AssetInfo{
			{VersionTag: "2.1.0", Chunk: &manifest.PatchChunk{PatchName: "blob1", Offset: 0, Length: 4}},
		}},
		{Name: `b\x.bin`, Hash: md5hex("not-b"), Infos: []manifest.AssetInfo{
			{VersionTag: "2.1.0", Chunk: &manifest.PatchChunk{PatchName: "blob1", Offset: 4, Length: 4}},
		}},
	}}

	r := New(root, &fakePatcher{}, Options{KeepRejected: true}).ApplySlices(context.Background(), m, "2.1.0")
	if len(r.Failed) != 2 || r.Count(ErrTargetMismatch) != 2 {
		t.Fatalf("unexpected report %+v", r)
	}
	for name, want := range map[string]string{"a/x.bin": "AAAA", "b/x.bin": "BBBB"} {
		kept, err := RejectedPath(root, name)
		if err != nil {
			t.Fatalf("rejected path: %v", err)
		}
		got, err := os.ReadFile(kept)
		if err != nil || string(got) != want {
			t.Fatalf("%s: got %q %v, want %q", name, got, err, want)
		}
	}
}

func TestApplySlice_RejectsEscapingBlobName(t *testing.T) {
	root := filepath.Join(t.TempDir(), "game")
	mustWriteFile(t, filepath.Join(filepath.Dir(root), "outside"), []byte("xxxxxxxx"))
	mustWriteFile(t, filepath.Join(root, "a.bin"), []byte("old"))
	fp := &fakePatcher{}
	asset := manifest.DiffAsset{Name: "a.bin", Hash: md5hex("xxxx")}
	chunk := manifest.PatchChunk{PatchName: "../../outside", Length: 4, OriginalFileName: "a.bin"}
	err := New(root, fp, Options{}).ApplySlice(context.Background(), asset, chunk)
	if !errors.Is(err, syncerr.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(fp.sources) != 0 {
		t.Fatalf("patcher must not run, got %v", fp.sources)
	}
}

func TestApplyFileList(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "sub", "a.bin"), []byte("old"))
	mustWriteFile(t, filepath.Join(root, "sub", "a.bin.hdiff"), []byte("new"))
	mustWriteFile(t, filepath.Join(root, "b.bin"), []byte("old"))

	r := New(root, &fakePatcher{}, Options{}).ApplyFileList(context.Background(), []string{"sub/a.bin", "b.bin"})
	if r.Applied != 1 || r.Skipped != 1 || len(r.Failed) != 0 {
		t.Fatalf("unexpected report %+v", r)
	}
	b, _ := os.ReadFile(filepath.Join(root, "sub", "a.bin"))
	if string(b) != "new" {
		t.Fatalf("expected in-place patch, got %q", b)
	}
	if exists(filepath.Join(root, "sub", "a.bin.hdiff")) {
		t.Fatalf("consumed patch should be removed")
	}
}

func TestReadHdiffFilesAndMap(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, FileListName)
	mustWriteFile(t, list, []byte("{\"remoteName\": \"StarRail_Data/a.bin\"}\n\n{\"remoteName\":\"b.bin\",\"extra\":1}\n"))
	got, err := ReadHdiffFiles(list)
	if err != nil {
		t.Fatalf("read files: %v", err)
	}
	if len(got) != 2 || got[0] != "StarRail_Data/a.bin" || got[1] != "b.bin" {
		t.Fatalf("unexpected paths %v", got)
	}
	mustWriteFile(t, list, []byte("{\"name\": \"x\"}\n"))
	if _, err := ReadHdiffFiles(list); !errors.Is(err, syncerr.Parse) {
		t.Fatalf("expected parse error, got %v", err)
	}

	mapPath := filepath.Join(dir, MapFileName)
	mustWriteFile(t, mapPath, []byte(`{"diff_map":[{"source_file_name":"a","source_file_md5":"m","source_file_size":3,"target_file_name":"a","target_file_md5":"n","target_file_size":4,"patch_file_name":"a.hdiff","patch_file_md5":"p","patch_file_size":5}]}`))
	entries, err := ReadHdiffMap(mapPath)
	if err != nil {
		t.Fatalf("read map: %v", err)
	}
	if len(entries) != 1 || entries[0].PatchSize != 5 || entries[0].TargetHash != "n" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}
