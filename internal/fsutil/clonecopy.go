// Package fsutil holds the file primitives shared by the sync and patch paths: reflink-aware copies and
// write-then-rename replacement.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CloneOrCopy replaces dst's contents with src's, using a reflink clone where the filesystem allows it.
func CloneOrCopy(dst, src *os.File) error {
	if dst == nil || src == nil {
		return fmt.Errorf("invalid file handle")
	}
	if err := tryCloneFile(dst, src); err == nil {
		return nil
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := dst.Truncate(0); err != nil {
		return err
	}
	buf := make([]byte, 4<<20)
	if _, err := io.CopyBuffer(dst, src, buf); err != nil {
		return err
	}
	return nil
}

// CopyFile copies src to dst with the given mode, creating parent directories.
func CopyFile(dst, src string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_RDWR|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if err := CloneOrCopy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}

// CopyRange writes up to length bytes of src starting at offset into dst, which is truncated first.
// Reading past the end of src is not an error: the copy stops short and the written count says so.
func CopyRange(dst, src *os.File, offset, length int64) (int64, error) {
	if offset < 0 || length < 0 {
		return 0, fmt.Errorf("invalid range offset=%d length=%d", offset, length)
	}
	if err := dst.Truncate(0); err != nil {
		return 0, err
	}
	if st, err := src.Stat(); err == nil {
		avail := st.Size() - offset
		if avail < 0 {
			avail = 0
		}
		n := length
		if avail < n {
			n = avail
		}
		if n > 0 && tryCloneRange(dst, src, offset, n) == nil {
			return n, nil
		}
	}

	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	buf := make([]byte, 1<<20)
	var written int64
	for written < length {
		want := int64(len(buf))
		if rem := length - written; rem < want {
			want = rem
		}
		n, err := src.Read(buf[:want])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
