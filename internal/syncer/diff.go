package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/mycoool/sophonsync/internal/manifest"
	"github.com/mycoool/sophonsync/internal/progress"
	"github.com/mycoool/sophonsync/internal/syncerr"
)

var (
	// ErrNoVersionTags is returned when no asset of a diff manifest carries any info.
	ErrNoVersionTags = errors.New("diff manifest offers no version tags")
	// ErrUnknownTag is returned when the selected tag is not one the manifest offers.
	ErrUnknownTag = errors.New("version tag not offered by manifest")
)

// TagSelector picks the source version to patch from. tags is sorted.
type TagSelector interface {
	SelectTag(ctx context.Context, tags []string) (string, error)
}

// TagSelectorFunc adapts a function to TagSelector.
type TagSelectorFunc func(ctx context.Context, tags []string) (string, error)

func (f TagSelectorFunc) SelectTag(ctx context.Context, tags []string) (string, error) {
	return f(ctx, tags)
}

// FixedTag always answers tag.
func FixedTag(tag string) TagSelector {
	return TagSelectorFunc(func(context.Context, []string) (string, error) { return tag, nil })
}

// StageResult summarizes diff staging.
type StageResult struct {
	Tag     string
	Infos   int
	Blobs   int
	Fetched int
	Bytes   int64
}

// SelectTag asks sel for one of the tags offered by m and validates the answer.
func SelectTag(ctx context.Context, m *manifest.Diff, sel TagSelector) (string, error) {
	tags := m.VersionTags()
	if len(tags) == 0 {
		return "", syncerr.New(syncerr.CodeValidation, "select tag", "", ErrNoVersionTags)
	}
	slices.Sort(tags)
	if sel == nil {
		return "", syncerr.Newf(syncerr.CodeValidation, "select tag", "", "no tag selector; available: %s", strings.Join(tags, ", "))
	}
	tag, err := sel.SelectTag(ctx, tags)
	if err != nil {
		return "", err
	}
	tag = strings.TrimSpace(tag)
	if !slices.Contains(tags, tag) {
		return "", syncerr.New(syncerr.CodeValidation, "select tag", tag,
			fmt.Errorf("%w (available: %s)", ErrUnknownTag, strings.Join(tags, ", ")))
	}
	return tag, nil
}

// StageDiff selects a version tag and downloads every patch blob referenced by a matching info into
// the staging directory under root. Blobs shared by several assets are fetched once; blobs already
// staged are not fetched again. Nothing is patched here.
func (s *Syncer) StageDiff(ctx context.Context, m *manifest.Diff, root string, sel TagSelector) (StageResult, error) {
	ctx, span := s.tracer.Start(ctx, "syncer.stage_diff")
	defer span.End()

	clean, err := safeRoot(root)
	if err != nil {
		return StageResult{}, endSpan(span, err)
	}
	tag, err := SelectTag(ctx, m, sel)
	if err != nil {
		return StageResult{}, endSpan(span, err)
	}
	span.SetAttributes(attribute.String("version_tag", tag))
	log.Printf("syncer: staging patches for version %s", tag)

	// Each blob fans out to the infos that reference it so progress counts infos, not blobs.
	var order []string
	users := make(map[string][]string)
	var unchanged []string
	for _, a := range m.PatchAssets {
		for _, info := range a.Infos {
			if info.VersionTag != tag {
				continue
			}
			if info.Chunk == nil || info.Chunk.PatchName == "" {
				unchanged = append(unchanged, a.Name)
				continue
			}
			name := info.Chunk.PatchName
			if _, ok := users[name]; !ok {
				order = append(order, name)
			}
			users[name] = append(users[name], a.Name)
		}
	}
	res := StageResult{Tag: tag, Infos: len(unchanged), Blobs: len(order)}
	for _, u := range users {
		res.Infos += len(u)
	}

	phase := progress.Begin(s.opts.Progress, "stage", res.Infos)
	defer phase.End()
	for _, name := range unchanged {
		phase.Step(name, nil)
	}

	var mu sync.Mutex
	var failed []AssetFailure
	var g *errgroup.Group
	gctx := ctx
	if s.opts.Policy == ContinueOnError {
		g = new(errgroup.Group)
	} else {
		g, gctx = errgroup.WithContext(ctx)
	}
	g.SetLimit(s.opts.ChunkWorkers)
	for _, name := range order {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b, err := s.src.FetchChunkToStaging(gctx, s.opts.ChunkURL, name, clean)
			for _, asset := range users[name] {
				phase.Step(asset, err)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, AssetFailure{Name: name, Err: err})
				if s.opts.Policy == ContinueOnError {
					return nil
				}
				return err
			}
			if b != nil {
				res.Fetched++
				res.Bytes += int64(len(b))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, endSpan(span, err)
	}
	log.Printf("syncer: staged %d blobs (%d fetched, %s) for %d infos", res.Blobs, res.Fetched, formatBytes(res.Bytes), res.Infos)
	return res, endSpan(span, joinFailures(failed))
}
