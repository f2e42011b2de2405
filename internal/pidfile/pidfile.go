// Package pidfile guards an installation against concurrent runs with a file holding the owner's PID.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// FileName is the lock file created at the installation root.
const FileName = ".sophonsync.pid"

// PIDFile is a file used to store the process ID of a running process.
type PIDFile struct {
	path string
}

// checkPIDFileAlreadyExists fails when path names a process that is still alive.
func checkPIDFileAlreadyExists(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return nil
	}
	if alive, _ := process.PidExists(int32(pid)); alive {
		return fmt.Errorf("pid file found, ensure sophonsync is not running or delete %s", path)
	}
	return nil
}

// New creates a PIDFile at path holding the current PID. A file left behind by a dead process is
// taken over.
func New(path string) (*PIDFile, error) {
	if err := checkPIDFileAlreadyExists(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file := &PIDFile{path: path}
	if err := file.Write(); err != nil {
		return nil, err
	}
	return file, nil
}

// Write (re)writes the current PID into the file.
func (file PIDFile) Write() error {
	return os.WriteFile(file.path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// Remove removes the PIDFile.
func (file PIDFile) Remove() error {
	return os.Remove(file.path)
}

// Path returns the file location.
func (file PIDFile) Path() string { return file.path }
