package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mehmetymw/ddb2search/internal/sink"
	"github.com/mehmetymw/ddb2search/internal/transform"
	"github.com/mehmetymw/ddb2search/internal/types"
)

var ErrBackfillFailed = errors.New("backfill failed")

type Baseliner interface {
	Baseline(ctx context.Context, item types.SourceItem, version types.Version, group *sink.Group) error
}

type LoaderOptions struct {
	PartitionKey    string
	SortKey         string
	FileConcurrency int
	// FileAttempts bounds how often one data file is reloaded when some of
	// its rows could not be settled.
	FileAttempts int
	Backoff      types.Backoff
}

type Loader struct {
	api    API
	target Baseliner
	opts   LoaderOptions
	logger *zap.Logger
}

func NewLoader(api API, target Baseliner, opts LoaderOptions, logger *zap.Logger) *Loader {
	if opts.FileConcurrency <= 0 {
		opts.FileConcurrency = 4
	}
	if opts.FileAttempts <= 0 {
		opts.FileAttempts = 3
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = types.Backoff{Initial: time.Second, Max: 30 * time.Second}
	}
	return &Loader{api: api, target: target, opts: opts, logger: logger}
}

// Load streams every data file of a completed job into the target and
// returns once all rows are settled. Every row carries the version of the
// export's point in time.
func (l *Loader) Load(ctx context.Context, job types.ExportJob) (int64, error) {
	if job.Status != types.ExportCompleted {
		return 0, fmt.Errorf("%w: job %s is %s", ErrBackfillFailed, job.ID, job.Status)
	}
	var manifest Manifest
	err := types.Retry(ctx, l.opts.FileAttempts, l.opts.Backoff, func(int) error {
		var err error
		manifest, err = l.api.ReadManifest(ctx, job)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: read manifest: %w", ErrBackfillFailed, err)
	}
	version := types.ExportVersion(job.ExportTime)
	l.logger.Info("Loading export",
		zap.String("job", job.ID),
		zap.Int("files", len(manifest.Files)),
		zap.Int64("items", manifest.ItemCount),
		zap.Int64("version", int64(version)))

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.FileConcurrency)
	for _, f := range manifest.Files {
		f := f
		g.Go(func() error {
			n, err := l.loadFileWithRetry(gctx, f, version)
			total.Add(n)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return total.Load(), err
	}
	l.logger.Info("Export loaded", zap.String("job", job.ID), zap.Int64("items", total.Load()))
	return total.Load(), nil
}

func (l *Loader) loadFileWithRetry(ctx context.Context, f DataFile, version types.Version) (int64, error) {
	var lastErr error
	for attempt := 1; attempt <= l.opts.FileAttempts; attempt++ {
		n, err := l.loadFile(ctx, f, version)
		if err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		lastErr = err
		l.logger.Warn("Reloading export file",
			zap.String("file", f.Key),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < l.opts.FileAttempts {
			if err := types.Sleep(ctx, l.opts.Backoff.Delay(attempt)); err != nil {
				return 0, err
			}
		}
	}
	return 0, fmt.Errorf("%w: file %s: %w", ErrBackfillFailed, f.Key, lastErr)
}

// loadFile forwards every row of one file inside one acknowledgement group.
// Reloading a file is harmless because rows carry a fixed version.
func (l *Loader) loadFile(ctx context.Context, f DataFile, version types.Version) (int64, error) {
	r, err := l.api.OpenFile(ctx, f)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	group := sink.NewGroup()
	var n int64
	for {
		attrs, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, err
		}
		item := types.SourceItem{Attributes: attrs, Kind: types.Insert}
		// A row without a key still goes through; the reconciler
		// dead-letters it.
		if key, err := transform.KeyOf(attrs, l.opts.PartitionKey, l.opts.SortKey); err == nil {
			item.Key = key
		}
		if err := l.target.Baseline(ctx, item, version, group); err != nil {
			return n, err
		}
		n++
	}
	if err := group.Wait(ctx); err != nil {
		return n, err
	}
	l.logger.Debug("Export file loaded", zap.String("file", f.Key), zap.Int64("items", n))
	return n, nil
}
