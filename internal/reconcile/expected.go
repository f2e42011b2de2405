package reconcile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mycoool/sophonsync/internal/fsutil"
	"github.com/mycoool/sophonsync/internal/manifest"
)

// ExpectedFileName holds the path set of the last completed sync, relative to the root.
const ExpectedFileName = ".sophonsync-expected.json"

type expectedSet struct {
	Version   int      `json:"version"`
	CreatedAt string   `json:"createdAt"`
	Paths     []string `json:"paths"`
}

func expectedPath(root string) (string, error) {
	clean, err := safeRoot(root)
	if err != nil {
		return "", err
	}
	return filepath.Join(clean, ExpectedFileName), nil
}

// WriteExpected persists paths so a later cleanup can run without the manifest.
func WriteExpected(root string, paths map[string]struct{}) error {
	path, err := expectedPath(root)
	if err != nil {
		return err
	}
	list := make([]string, 0, len(paths))
	for p := range paths {
		if rel := manifest.NormalizePath(p); rel != "" {
			list = append(list, rel)
		}
	}
	sort.Strings(list)
	b, err := json.Marshal(expectedSet{
		Version:   1,
		CreatedAt: time.Now().Format(time.RFC3339),
		Paths:     list,
	})
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, b, 0o644)
}

// ReadExpected loads the set written by WriteExpected.
func ReadExpected(root string) (map[string]struct{}, error) {
	path, err := expectedPath(root)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m expectedSet
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ExpectedFileName, err)
	}
	if m.Version != 1 {
		return nil, fmt.Errorf("unsupported expected set version %d", m.Version)
	}
	out := make(map[string]struct{}, len(m.Paths))
	for _, p := range m.Paths {
		out[p] = struct{}{}
	}
	return out, nil
}
