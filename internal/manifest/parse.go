package manifest

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/mycoool/sophonsync/internal/syncerr"
)

// ErrUnrecognizedFormat is returned when a buffer matches neither manifest schema.
var ErrUnrecognizedFormat = errors.New("unrecognized manifest format")

// Swappable in tests to observe decode order.
var (
	decodeFullFn = decodeFull
	decodeDiffFn = decodeDiff
)

// Parse decodes b as a full manifest and, only if that fails, as a diff manifest. The order matters:
// both schemas can start with the same bytes, and the full schema wins any tie.
func Parse(b []byte) (Manifest, error) {
	full, fullErr := decodeFullFn(b)
	if fullErr == nil {
		return full, nil
	}
	diff, diffErr := decodeDiffFn(b)
	if diffErr == nil {
		return diff, nil
	}
	return nil, syncerr.New(syncerr.CodeParse, "parse manifest", "",
		fmt.Errorf("%w (full: %v; diff: %v)", ErrUnrecognizedFormat, fullErr, diffErr))
}

// unknownField tells walkMessage to skip the current field.
const unknownField = 0

type fieldDecoder func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walkMessage(b []byte, field fieldDecoder) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		used, err := field(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if used == unknownField {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(used))
			}
		}
		b = b[used:]
	}
	return nil
}

func wireMismatch(want, got protowire.Type) error {
	return fmt.Errorf("wire type %d, want %d", got, want)
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, wireMismatch(protowire.BytesType, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if !utf8.Valid(v) {
		return 0, errors.New("invalid UTF-8 in string field")
	}
	*dst = string(v)
	return n, nil
}

func consumeInt64(typ protowire.Type, b []byte, dst *int64) (int, error) {
	var u uint64
	n, err := consumeUint64(typ, b, &u)
	*dst = int64(u)
	return n, err
}

func consumeUint64(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, wireMismatch(protowire.VarintType, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeMessage(typ protowire.Type, b []byte, decode func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, wireMismatch(protowire.BytesType, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if err := decode(v); err != nil {
		return 0, err
	}
	return n, nil
}

func decodeFull(b []byte) (*Full, error) {
	m := &Full{}
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return unknownField, nil
		}
		return consumeMessage(typ, b, func(v []byte) error {
			a, err := decodeAsset(v)
			if err != nil {
				return err
			}
			m.Assets = append(m.Assets, a)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("decode full manifest: %w", err)
	}
	return m, nil
}

func decodeAsset(b []byte) (AssetEntry, error) {
	var a AssetEntry
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &a.Name)
		case 2:
			return consumeMessage(typ, b, func(v []byte) error {
				c, err := decodeChunk(v)
				if err != nil {
					return err
				}
				a.Chunks = append(a.Chunks, c)
				return nil
			})
		case 3:
			var kind int64
			n, err := consumeInt64(typ, b, &kind)
			a.Kind = AssetKind(int32(kind))
			return n, err
		case 4:
			return consumeInt64(typ, b, &a.Size)
		case 5:
			return consumeString(typ, b, &a.Hash)
		}
		return unknownField, nil
	})
	return a, err
}

func decodeChunk(b []byte) (ChunkRef, error) {
	var c ChunkRef
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &c.Name)
		case 2:
			return consumeString(typ, b, &c.DecompressedHash)
		case 3:
			return consumeInt64(typ, b, &c.Offset)
		case 4:
			return consumeInt64(typ, b, &c.Size)
		case 5:
			return consumeInt64(typ, b, &c.DecompressedSize)
		case 6:
			return consumeUint64(typ, b, &c.CompressedXXH)
		case 7:
			return consumeString(typ, b, &c.CompressedHash)
		}
		return unknownField, nil
	})
	return c, err
}

func decodeDiff(b []byte) (*Diff, error) {
	m := &Diff{}
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return unknownField, nil
		}
		return consumeMessage(typ, b, func(v []byte) error {
			a, err := decodeDiffAsset(v)
			if err != nil {
				return err
			}
			m.PatchAssets = append(m.PatchAssets, a)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("decode diff manifest: %w", err)
	}
	return m, nil
}

func decodeDiffAsset(b []byte) (DiffAsset, error) {
	var a DiffAsset
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &a.Name)
		case 2:
			return consumeInt64(typ, b, &a.Size)
		case 3:
			return consumeString(typ, b, &a.Hash)
		case 4:
			return consumeMessage(typ, b, func(v []byte) error {
				info, err := decodeAssetInfo(v)
				if err != nil {
					return err
				}
				a.Infos = append(a.Infos, info)
				return nil
			})
		}
		return unknownField, nil
	})
	return a, err
}

func decodeAssetInfo(b []byte) (AssetInfo, error) {
	var info AssetInfo
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &info.VersionTag)
		case 2:
			return consumeMessage(typ, b, func(v []byte) error {
				c, err := decodePatchChunk(v)
				if err != nil {
					return err
				}
				info.Chunk = &c
				return nil
			})
		}
		return unknownField, nil
	})
	return info, err
}

func decodePatchChunk(b []byte) (PatchChunk, error) {
	var c PatchChunk
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &c.PatchName)
		case 2:
			return consumeString(typ, b, &c.VersionTag)
		case 3:
			return consumeString(typ, b, &c.BuildID)
		case 4:
			return consumeInt64(typ, b, &c.PatchSize)
		case 5:
			return consumeString(typ, b, &c.PatchHash)
		case 6:
			return consumeInt64(typ, b, &c.Offset)
		case 7:
			return consumeInt64(typ, b, &c.Length)
		case 8:
			return consumeString(typ, b, &c.OriginalFileName)
		case 9:
			return consumeInt64(typ, b, &c.OriginalFileSize)
		case 10:
			return consumeString(typ, b, &c.OriginalFileHash)
		}
		return unknownField, nil
	})
	return c, err
}
