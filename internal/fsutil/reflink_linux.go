//go:build linux

package fsutil

import (
	"os"

	"golang.org/x/sys/unix"
)

func tryCloneFile(dst, src *os.File) error {
	return unix.IoctlFileClone(int(dst.Fd()), int(src.Fd()))
}

// Clone ranges must be block aligned except at EOF; callers fall back to a copy on any error.
func tryCloneRange(dst, src *os.File, offset, length int64) error {
	return unix.IoctlFileCloneRange(int(dst.Fd()), &unix.FileCloneRange{
		Src_fd:      int64(src.Fd()),
		Src_offset:  uint64(offset),
		Src_length:  uint64(length),
		Dest_offset: 0,
	})
}
