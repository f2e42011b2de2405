package syncerr

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// Coded is a flattened error for reports and the journal.
type Coded struct {
	Code    string
	Message string
}

func (e Coded) Error() string { return e.Message }

// Classify maps err to a report code. Filesystem errno values win over the taxonomy code
// because they carry a concrete remediation.
func Classify(err error) Coded {
	if err == nil {
		return Coded{}
	}

	code := "UNKNOWN"
	if c := CodeOf(err); c != "" {
		code = string(c)
	}
	switch {
	case errors.Is(err, syscall.EACCES):
		code = "EACCES"
	case errors.Is(err, syscall.EPERM):
		code = "EPERM"
	case errors.Is(err, syscall.EROFS):
		code = "EROFS"
	case errors.Is(err, syscall.ENOSPC):
		code = "ENOSPC"
	case errors.Is(err, syscall.ENOENT):
		code = "ENOENT"
	}

	if pe := (*os.PathError)(nil); errors.As(err, &pe) {
		msg := err.Error()
		switch code {
		case "EACCES", "EPERM", "EROFS":
			msg = fmt.Sprintf("%s (no write permission). Fix: check owner/permissions of the install dir.", msg)
		case "ENOENT":
			msg = fmt.Sprintf("%s (path missing).", msg)
		case "ENOSPC":
			msg = fmt.Sprintf("%s (disk full). Fix: free space on the install filesystem.", msg)
		}
		return Coded{Code: code, Message: msg}
	}
	return Coded{Code: code, Message: err.Error()}
}
