package manifest

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal encodes m in the same wire format Parse reads. Zero values are omitted.
func Marshal(m Manifest) ([]byte, error) {
	switch v := m.(type) {
	case *Full:
		var b []byte
		for _, a := range v.Assets {
			b = appendMessage(b, 1, encodeAsset(a))
		}
		return b, nil
	case *Diff:
		var b []byte
		for _, a := range v.PatchAssets {
			b = appendMessage(b, 1, encodeDiffAsset(a))
		}
		return b, nil
	}
	return nil, fmt.Errorf("marshal manifest: unsupported type %T", m)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func encodeAsset(a AssetEntry) []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	for _, c := range a.Chunks {
		b = appendMessage(b, 2, encodeChunk(c))
	}
	b = appendVarint(b, 3, uint64(int64(a.Kind)))
	b = appendVarint(b, 4, uint64(a.Size))
	b = appendString(b, 5, a.Hash)
	return b
}

func encodeChunk(c ChunkRef) []byte {
	var b []byte
	b = appendString(b, 1, c.Name)
	b = appendString(b, 2, c.DecompressedHash)
	b = appendVarint(b, 3, uint64(c.Offset))
	b = appendVarint(b, 4, uint64(c.Size))
	b = appendVarint(b, 5, uint64(c.DecompressedSize))
	b = appendVarint(b, 6, c.CompressedXXH)
	b = appendString(b, 7, c.CompressedHash)
	return b
}

func encodeDiffAsset(a DiffAsset) []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	b = appendVarint(b, 2, uint64(a.Size))
	b = appendString(b, 3, a.Hash)
	for _, info := range a.Infos {
		b = appendMessage(b, 4, encodeAssetInfo(info))
	}
	return b
}

func encodeAssetInfo(info AssetInfo) []byte {
	var b []byte
	b = appendString(b, 1, info.VersionTag)
	if info.Chunk != nil {
		b = appendMessage(b, 2, encodePatchChunk(*info.Chunk))
	}
	return b
}

func encodePatchChunk(c PatchChunk) []byte {
	var b []byte
	b = appendString(b, 1, c.PatchName)
	b = appendString(b, 2, c.VersionTag)
	b = appendString(b, 3, c.BuildID)
	b = appendVarint(b, 4, uint64(c.PatchSize))
	b = appendString(b, 5, c.PatchHash)
	b = appendVarint(b, 6, uint64(c.Offset))
	b = appendVarint(b, 7, uint64(c.Length))
	b = appendString(b, 8, c.OriginalFileName)
	b = appendVarint(b, 9, uint64(c.OriginalFileSize))
	b = appendString(b, 10, c.OriginalFileHash)
	return b
}
