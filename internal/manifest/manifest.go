// Package manifest decodes the two manifest variants served by the content CDN: a full asset listing
// and a version-tagged patch listing. Both share the protobuf wire format and are told apart by trial
// decode.
package manifest

import (
	"path/filepath"
	"strings"
)

// Manifest is either *Full or *Diff.
type Manifest interface {
	isManifest()
}

// AssetKind distinguishes files from directories in a full manifest.
type AssetKind int32

const (
	KindFile      AssetKind = 0
	KindDirectory AssetKind = 1
)

// Full lists every asset of an installation and the chunks that rebuild it.
type Full struct {
	Assets []AssetEntry
}

// AssetEntry is one target file (or directory) of a full manifest.
type AssetEntry struct {
	Name   string
	Chunks []ChunkRef
	Kind   AssetKind
	Size   int64
	Hash   string
}

// IsDir reports whether the asset is a directory. Any non-zero type is treated as one.
func (a AssetEntry) IsDir() bool { return a.Kind != KindFile }

// ChunkRef addresses one compressed chunk and where its decompressed bytes land in the target.
type ChunkRef struct {
	Name             string
	DecompressedHash string
	Offset           int64
	Size             int64
	DecompressedSize int64
	CompressedXXH    uint64
	CompressedHash   string
}

// Diff lists per-asset patches keyed by the source version they apply from.
type Diff struct {
	PatchAssets []DiffAsset
}

// DiffAsset is one logical game file that changed between versions.
type DiffAsset struct {
	Name  string
	Size  int64
	Hash  string
	Infos []AssetInfo
}

// AssetInfo selects the patch for one source version. A nil Chunk means the asset is unchanged
// for that version.
type AssetInfo struct {
	VersionTag string
	Chunk      *PatchChunk
}

// PatchChunk is a byte range inside a shared patch blob.
type PatchChunk struct {
	PatchName        string
	VersionTag       string
	BuildID          string
	PatchSize        int64
	PatchHash        string
	Offset           int64
	Length           int64
	OriginalFileName string
	OriginalFileSize int64
	OriginalFileHash string
}

// IsNewFile reports whether the chunk creates the asset instead of patching an existing file.
func (c PatchChunk) IsNewFile() bool { return c.OriginalFileName == "" }

func (*Full) isManifest() {}
func (*Diff) isManifest() {}

// VersionTags returns the tags of the first asset that has any infos, in manifest order and
// without duplicates.
func (d *Diff) VersionTags() []string {
	for _, a := range d.PatchAssets {
		if len(a.Infos) == 0 {
			continue
		}
		seen := make(map[string]struct{}, len(a.Infos))
		tags := make([]string, 0, len(a.Infos))
		for _, info := range a.Infos {
			if _, ok := seen[info.VersionTag]; ok {
				continue
			}
			seen[info.VersionTag] = struct{}{}
			tags = append(tags, info.VersionTag)
		}
		return tags
	}
	return nil
}

// InfoFor returns the info matching tag, if any.
func (a DiffAsset) InfoFor(tag string) (AssetInfo, bool) {
	for _, info := range a.Infos {
		if info.VersionTag == tag {
			return info, true
		}
	}
	return AssetInfo{}, false
}

// ExpectedPaths returns the slash-separated asset names of m.
func ExpectedPaths(m Manifest) map[string]struct{} {
	out := make(map[string]struct{})
	add := func(name string) {
		rel := NormalizePath(name)
		if rel == "" {
			return
		}
		out[rel] = struct{}{}
	}
	switch v := m.(type) {
	case *Full:
		for _, a := range v.Assets {
			add(a.Name)
		}
	case *Diff:
		for _, a := range v.PatchAssets {
			add(a.Name)
		}
	}
	return out
}

// NormalizePath converts a manifest or list path to a clean slash-separated relative path.
// It returns "" for paths that would escape the installation root.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	p = filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return ""
	}
	return p
}
