package syncer

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mycoool/sophonsync/internal/fsutil"
	"github.com/mycoool/sophonsync/internal/manifest"
	"github.com/mycoool/sophonsync/internal/progress"
	"github.com/mycoool/sophonsync/internal/reconcile"
	"github.com/mycoool/sophonsync/internal/syncerr"
)

type assetOutcome int

const (
	outcomeSynced assetOutcome = iota
	outcomeSkipped
	outcomeDir
)

type piece struct {
	offset int64
	data   []byte
}

// SyncFull materializes every asset of m under root. Assets run in a pool of AssetWorkers and the
// chunks of each asset in a separate pool of ChunkWorkers. Chunks are written in ascending offset
// order regardless of download order.
func (s *Syncer) SyncFull(ctx context.Context, m *manifest.Full, root string) (Summary, error) {
	ctx, span := s.tracer.Start(ctx, "syncer.sync_full", trace.WithAttributes(attribute.Int("assets", len(m.Assets))))
	defer span.End()

	clean, err := safeRoot(root)
	if err != nil {
		return Summary{}, endSpan(span, err)
	}
	if !s.opts.SkipPreflight {
		if err := s.preflight(ctx, m, clean); err != nil {
			return Summary{}, endSpan(span, err)
		}
	}

	acc := &summaryAcc{sum: Summary{Total: len(m.Assets)}}
	phase := progress.Begin(s.opts.Progress, "download", len(m.Assets))
	defer phase.End()

	var g *errgroup.Group
	gctx := ctx
	if s.opts.Policy == ContinueOnError {
		g = new(errgroup.Group)
	} else {
		g, gctx = errgroup.WithContext(ctx)
	}
	g.SetLimit(s.opts.AssetWorkers)

	for _, asset := range m.Assets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcome, n, err := s.syncAsset(gctx, asset, clean)
			phase.Step(asset.Name, err)
			if err != nil {
				acc.add(func(sum *Summary) {
					sum.Failed = append(sum.Failed, AssetFailure{Name: asset.Name, Err: err})
				})
				if s.opts.Policy == ContinueOnError {
					return nil
				}
				return err
			}
			acc.add(func(sum *Summary) {
				switch outcome {
				case outcomeSkipped:
					sum.Skipped++
				case outcomeDir:
					sum.Dirs++
				default:
					sum.Synced++
					sum.Bytes += n
				}
			})
			return nil
		})
	}
	waitErr := g.Wait()
	sum := acc.sum
	log.Printf("syncer: full sync done: %d synced (%s), %d skipped, %d dirs, %d failed",
		sum.Synced, formatBytes(sum.Bytes), sum.Skipped, sum.Dirs, len(sum.Failed))

	if waitErr != nil {
		return sum, endSpan(span, waitErr)
	}
	if err := joinFailures(sum.Failed); err != nil {
		return sum, endSpan(span, err)
	}
	if s.opts.WriteExpected {
		if err := reconcile.WriteExpected(clean, manifest.ExpectedPaths(m)); err != nil {
			log.Printf("syncer: write expected set: %v", err)
		}
	}
	return sum, nil
}

func (s *Syncer) syncAsset(ctx context.Context, asset manifest.AssetEntry, root string) (assetOutcome, int64, error) {
	rel := manifest.NormalizePath(asset.Name)
	if rel == "" {
		return 0, 0, syncerr.Newf(syncerr.CodeValidation, "sync asset", asset.Name, "path escapes installation root")
	}
	target := filepath.Join(root, filepath.FromSlash(rel))

	if asset.IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return 0, 0, syncerr.New(syncerr.CodeIO, "create dir", rel, err)
		}
		return outcomeDir, 0, nil
	}
	if ok, err := s.alreadySynced(target, asset); err != nil {
		return 0, 0, err
	} else if ok {
		return outcomeSkipped, 0, nil
	}

	ctx, span := s.tracer.Start(ctx, "syncer.asset", trace.WithAttributes(
		attribute.String("asset", rel),
		attribute.Int("chunks", len(asset.Chunks)),
	))
	defer span.End()

	pieces := make([]piece, len(asset.Chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.ChunkWorkers)
	for i, c := range asset.Chunks {
		g.Go(func() error {
			data, err := s.src.FetchChunk(gctx, s.opts.ChunkURL, c)
			if err != nil {
				return err
			}
			pieces[i] = piece{offset: c.Offset, data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, endSpan(span, err)
	}

	sort.SliceStable(pieces, func(i, j int) bool { return pieces[i].offset < pieces[j].offset })
	n, err := mergePieces(target, pieces)
	if err != nil {
		return 0, 0, endSpan(span, syncerr.New(syncerr.CodeIO, "merge", rel, err))
	}
	span.SetAttributes(attribute.Int64("bytes", n))
	return outcomeSynced, n, nil
}

func (s *Syncer) alreadySynced(target string, asset manifest.AssetEntry) (bool, error) {
	st, err := os.Stat(target)
	if err != nil || !st.Mode().IsRegular() || st.Size() != asset.Size {
		return false, nil
	}
	if s.opts.SkipCheck != SkipBySizeAndHash || asset.Hash == "" {
		return true, nil
	}
	ok, err := s.opts.Hashes.Matches(target, asset.Hash)
	if err != nil {
		return false, syncerr.New(syncerr.CodeIO, "hash existing", target, err)
	}
	return ok, nil
}

// mergePieces concatenates sorted pieces into a partial file beside target and renames it into place.
func mergePieces(target string, pieces []piece) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	f, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*"+fsutil.PartialSuffix)
	if err != nil {
		return 0, err
	}
	partial := f.Name()
	var written int64
	for _, p := range pieces {
		n, err := f.Write(p.data)
		written += int64(n)
		if err != nil {
			_ = f.Close()
			_ = os.Remove(partial)
			return written, err
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(partial)
		return written, err
	}
	if err := os.Chmod(partial, 0o644); err != nil {
		_ = os.Remove(partial)
		return written, err
	}
	if err := os.Rename(partial, target); err != nil {
		_ = os.Remove(partial)
		return written, errors.Join(errors.New("finalize partial file"), err)
	}
	return written, nil
}
