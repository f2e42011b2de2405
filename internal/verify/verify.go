// Package verify checks an installation against its pkg_version listing.
package verify

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/mycoool/sophonsync/internal/hashcache"
	"github.com/mycoool/sophonsync/internal/manifest"
	"github.com/mycoool/sophonsync/internal/progress"
	"github.com/mycoool/sophonsync/internal/syncerr"
)

// ListName is the package listing shipped at the installation root.
const ListName = "pkg_version"

// SizePolicy decides what a size mismatch does to an entry.
type SizePolicy string

const (
	// SizeReport logs the mismatch and lets the md5 decide.
	SizeReport SizePolicy = "report"
	// SizeFail fails the entry.
	SizeFail SizePolicy = "fail"
)

// Entry is one line of the listing.
type Entry struct {
	RemoteName string `json:"remoteName"`
	Hash       string `json:"md5"`
	Size       int64  `json:"fileSize"`
}

// Problem kinds.
const (
	ProblemParse        = "parse"
	ProblemMissing      = "missing"
	ProblemStat         = "stat"
	ProblemSizeMismatch = "size_mismatch"
	ProblemHash         = "hash"
	ProblemHashMismatch = "md5_mismatch"
)

// Problem describes one finding. Fatal problems fail their entry.
type Problem struct {
	Line   int    `json:"line"`
	Name   string `json:"name,omitempty"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
	Fatal  bool   `json:"fatal"`
}

// Result aggregates a verification pass.
type Result struct {
	OK       bool      `json:"ok"`
	Checked  int       `json:"checked"`
	Failed   int       `json:"failed"`
	Problems []Problem `json:"problems,omitempty"`
}

type Options struct {
	// Workers bounds concurrent checks. Zero uses runtime.NumCPU.
	Workers      int
	SizeMismatch SizePolicy
	Hashes       *hashcache.Cache
	Progress     progress.Reporter
}

type Verifier struct {
	opts Options
}

func New(opts Options) *Verifier {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.SizeMismatch == "" {
		opts.SizeMismatch = SizeReport
	}
	if opts.Progress == nil {
		opts.Progress = progress.Nop
	}
	return &Verifier{opts: opts}
}

// Verify checks root against listPath with default options.
func Verify(ctx context.Context, root, listPath string) (Result, error) {
	return New(Options{}).Verify(ctx, root, listPath)
}

// Verify checks every line of listPath. All entries are checked; the result is OK only when every
// one passed. The error is non-nil only when the listing itself cannot be read or ctx ends.
func (v *Verifier) Verify(ctx context.Context, root, listPath string) (Result, error) {
	ctx, span := otel.Tracer("github.com/mycoool/sophonsync/internal/verify").Start(ctx, "verify.run")
	defer span.End()

	lines, err := readLines(listPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(attribute.Int("entries", len(lines)))

	phase := progress.Begin(v.opts.Progress, "verify", len(lines))
	defer phase.End()

	var (
		mu  sync.Mutex
		res = Result{OK: true, Checked: len(lines)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.Workers)
	for i, line := range lines {
		lineNo, line := i+1, line
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			name, problems := v.checkLine(root, lineNo, line)
			failed := false
			for _, p := range problems {
				log.Printf("verify: %s: %s", p.Kind, p.Detail)
				failed = failed || p.Fatal
			}
			var stepErr error
			if failed {
				stepErr = fmt.Errorf("%s", problems[len(problems)-1].Detail)
			}
			phase.Step(name, stepErr)

			mu.Lock()
			res.Problems = append(res.Problems, problems...)
			if failed {
				res.OK = false
				res.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	if res.OK {
		log.Printf("verify: all %d files verified", res.Checked)
	} else {
		log.Printf("verify: %d of %d files failed verification", res.Failed, res.Checked)
		span.SetStatus(codes.Error, fmt.Sprintf("%d entries failed", res.Failed))
	}
	span.SetAttributes(attribute.Int("failed", res.Failed))
	return res, nil
}

func (v *Verifier) checkLine(root string, lineNo int, line string) (string, []Problem) {
	var e Entry
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return fmt.Sprintf("line %d", lineNo), []Problem{{Line: lineNo, Kind: ProblemParse, Detail: fmt.Sprintf("line %d: %v", lineNo, err), Fatal: true}}
	}
	problem := func(kind, detail string, fatal bool) Problem {
		return Problem{Line: lineNo, Name: e.RemoteName, Kind: kind, Detail: detail, Fatal: fatal}
	}

	rel := manifest.NormalizePath(e.RemoteName)
	if rel == "" {
		return e.RemoteName, []Problem{problem(ProblemParse, fmt.Sprintf("%q escapes installation root", e.RemoteName), true)}
	}
	path := filepath.Join(root, filepath.FromSlash(rel))
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		return rel, []Problem{problem(ProblemMissing, "missing file: "+path, true)}
	}
	if err != nil {
		return rel, []Problem{problem(ProblemStat, syncerr.Classify(err).Message, true)}
	}

	var problems []Problem
	if st.Size() != e.Size {
		problems = append(problems, problem(ProblemSizeMismatch,
			fmt.Sprintf("size mismatch: %s (expected %d, got %d)", path, e.Size, st.Size()),
			v.opts.SizeMismatch == SizeFail))
	}
	got, err := v.opts.Hashes.FileMD5(path)
	if err != nil {
		return rel, append(problems, problem(ProblemHash, fmt.Sprintf("failed to calculate md5: %s (%v)", path, err), true))
	}
	if !strings.EqualFold(got, strings.TrimSpace(e.Hash)) {
		problems = append(problems, problem(ProblemHashMismatch,
			fmt.Sprintf("md5 mismatch: %s (expected %s, got %s)", path, e.Hash, got), true))
	}
	return rel, problems
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeIO, "open listing", path, err)
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, syncerr.New(syncerr.CodeIO, "read listing", path, err)
	}
	return lines, nil
}
