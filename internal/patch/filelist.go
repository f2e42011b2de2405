package patch

import (
	"bufio"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mycoool/sophonsync/internal/progress"
	"github.com/mycoool/sophonsync/internal/syncerr"
	"github.com/mycoool/sophonsync/internal/tools"
)

// FileListName lists in-place patches of a legacy hdiff package, one JSON object per line.
const FileListName = "hdifffiles.txt"

// PatchSuffix is appended to a file's path to locate its in-place patch.
const PatchSuffix = ".hdiff"

// ReadHdiffFiles returns the remoteName of every line of an hdifffiles.txt file.
func ReadHdiffFiles(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeIO, "open file list", path, err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !gjson.Valid(line) {
			return nil, syncerr.Newf(syncerr.CodeParse, "parse file list", path, "line %d: invalid JSON", lineNo)
		}
		name := gjson.Get(line, "remoteName")
		if !name.Exists() || name.String() == "" {
			return nil, syncerr.Newf(syncerr.CodeParse, "parse file list", path, "line %d: missing remoteName", lineNo)
		}
		out = append(out, name.String())
	}
	if err := scanner.Err(); err != nil {
		return nil, syncerr.New(syncerr.CodeIO, "read file list", path, err)
	}
	return out, nil
}

// ApplyFileList patches each path in place from "<path>.hdiff". Only the patcher's own exit status
// decides success. Entries without a patch file are skipped.
func (e *Engine) ApplyFileList(ctx context.Context, paths []string) Report {
	ctx, span := e.tracer.Start(ctx, "patch.apply_file_list", trace.WithAttributes(attribute.Int("entries", len(paths))))
	r := Report{Mode: "file_list", Total: len(paths)}
	phase := progress.Begin(e.opts.Progress, "patch", len(paths))
	defer phase.End()

	for _, name := range paths {
		if err := ctx.Err(); err != nil {
			r.record(phase, name, err)
			continue
		}
		source, err := e.resolve(name)
		if err != nil {
			r.record(phase, name, err)
			continue
		}
		patchPath := filepath.Join(filepath.Dir(source), filepath.Base(source)+PatchSuffix)
		err = e.tool.Patch(ctx, source, patchPath, source)
		if errors.Is(err, tools.ErrNotFound) {
			log.Printf("patch: %s doesn't exist, skipping", patchPath)
			r.Skipped++
			phase.Step(name, nil)
			continue
		}
		if err != nil {
			r.record(phase, name, toolFailure(name, err))
			continue
		}
		removeBestEffort(patchPath)
		r.record(phase, name, nil)
	}
	return e.finish(span, r)
}
