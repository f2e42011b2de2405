//go:build !linux

package fsutil

import (
	"errors"
	"os"
)

var errNoReflink = errors.New("reflink not supported")

func tryCloneFile(dst, src *os.File) error { return errNoReflink }

func tryCloneRange(dst, src *os.File, offset, length int64) error { return errNoReflink }
