// Package export requests a point-in-time export of a source table, waits
// for it and streams the exported rows into the reconciler as the baseline.
package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/checkpoint"
	"github.com/mehmetymw/ddb2search/internal/metrics"
	"github.com/mehmetymw/ddb2search/internal/types"
)

var (
	ErrExportFailed    = errors.New("export failed")
	ErrExportExhausted = errors.New("export attempts exhausted")
)

type DataFile struct {
	Key       string
	ItemCount int64
}

type Manifest struct {
	Files     []DataFile
	ItemCount int64
}

// ItemReader yields the attribute maps of one data file and returns io.EOF
// once it is drained.
type ItemReader interface {
	Next() (map[string]any, error)
	Close() error
}

type API interface {
	StartExport(ctx context.Context, table string) (types.ExportJob, error)
	DescribeExport(ctx context.Context, jobID string) (types.ExportJob, error)
	ReadManifest(ctx context.Context, job types.ExportJob) (Manifest, error)
	OpenFile(ctx context.Context, file DataFile) (ItemReader, error)
}

type Options struct {
	Table        string
	PollInterval time.Duration
	Timeout      time.Duration
	MaxAttempts  int
	Backoff      time.Duration
}

type Coordinator struct {
	api     API
	store   checkpoint.Store
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewCoordinator(api API, store checkpoint.Store, opts Options, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 30 * time.Second
	}
	return &Coordinator{api: api, store: store, opts: opts, metrics: m, logger: logger.With(zap.String("table", opts.Table))}
}

// StartExport requests a new export and records it as the table's job.
func (c *Coordinator) StartExport(ctx context.Context) (types.ExportJob, error) {
	job, err := c.api.StartExport(ctx, c.opts.Table)
	if err != nil {
		return types.ExportJob{}, err
	}
	if job.TableID == "" {
		job.TableID = c.opts.Table
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now().UTC()
	}
	if job.ExportTime.IsZero() {
		job.ExportTime = job.RequestedAt
	}
	if job.Status == "" {
		job.Status = types.ExportPending
	}
	if err := c.store.SaveExport(ctx, c.opts.Table, job); err != nil {
		return types.ExportJob{}, err
	}
	c.logger.Info("Requested export",
		zap.String("job", job.ID),
		zap.Time("export_time", job.ExportTime))
	return job, nil
}

// PollExport refreshes the status of a job and persists it.
func (c *Coordinator) PollExport(ctx context.Context, job types.ExportJob) (types.ExportJob, error) {
	latest, err := c.api.DescribeExport(ctx, job.ID)
	if err != nil {
		return job, err
	}
	job.Status = latest.Status
	job.FailureMessage = latest.FailureMessage
	if latest.ManifestLocation != "" {
		job.ManifestLocation = latest.ManifestLocation
	}
	if !latest.ExportTime.IsZero() {
		job.ExportTime = latest.ExportTime
	}
	if latest.ItemCount > 0 {
		job.ItemCount = latest.ItemCount
	}
	if err := c.store.SaveExport(ctx, c.opts.Table, job); err != nil {
		return job, err
	}
	return job, nil
}

// Run returns a completed export for the table. A job recorded by an
// earlier run is resumed instead of requesting a new one. Failures and
// timeouts are retried with backoff; exhausting MaxAttempts is fatal.
func (c *Coordinator) Run(ctx context.Context) (types.ExportJob, error) {
	job, ok, err := c.store.LoadExport(ctx, c.opts.Table)
	if err != nil {
		return types.ExportJob{}, err
	}
	if ok && job.Status == types.ExportCompleted {
		c.logger.Info("Reusing completed export",
			zap.String("job", job.ID),
			zap.Bool("backfill_done", job.BackfillDone))
		return job, nil
	}
	resume := ok && !job.Status.Terminal()

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := types.Backoff{Initial: c.opts.Backoff, Max: 16 * c.opts.Backoff}.Delay(attempt - 1)
			c.logger.Warn("Retrying export",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := types.Sleep(ctx, delay); err != nil {
				return types.ExportJob{}, err
			}
		}
		if !resume {
			job, err = c.StartExport(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return types.ExportJob{}, ctx.Err()
				}
				lastErr = err
				continue
			}
		} else {
			c.logger.Info("Resuming export", zap.String("job", job.ID))
		}
		resume = false

		job, err = c.await(ctx, job)
		if err == nil {
			c.metrics.Export(string(types.ExportCompleted))
			c.logger.Info("Export completed",
				zap.String("job", job.ID),
				zap.String("manifest", job.ManifestLocation),
				zap.Int64("items", job.ItemCount))
			return job, nil
		}
		if ctx.Err() != nil {
			return types.ExportJob{}, ctx.Err()
		}
		c.metrics.Export(string(types.ExportFailed))
		lastErr = err
	}
	return types.ExportJob{}, fmt.Errorf("%w: table %s after %d attempts: %w", ErrExportExhausted, c.opts.Table, c.opts.MaxAttempts, lastErr)
}

func (c *Coordinator) await(ctx context.Context, job types.ExportJob) (types.ExportJob, error) {
	tctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		latest, err := c.PollExport(tctx, job)
		switch {
		case err == nil:
			job = latest
		case types.IsTransient(err) || errors.Is(err, context.DeadlineExceeded):
			c.logger.Warn("Export poll failed", zap.String("job", job.ID), zap.Error(err))
		default:
			return job, err
		}
		switch job.Status {
		case types.ExportCompleted:
			return job, nil
		case types.ExportFailed:
			return job, fmt.Errorf("%w: job %s: %s", ErrExportFailed, job.ID, job.FailureMessage)
		}
		select {
		case <-tctx.Done():
			if ctx.Err() != nil {
				return job, ctx.Err()
			}
			c.markTimedOut(ctx, job)
			return job, fmt.Errorf("%w: job %s did not finish within %s", ErrExportFailed, job.ID, c.opts.Timeout)
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) markTimedOut(ctx context.Context, job types.ExportJob) {
	job.Status = types.ExportFailed
	job.FailureMessage = "timed out waiting for export"
	if err := c.store.SaveExport(ctx, c.opts.Table, job); err != nil {
		c.logger.Warn("Failed to record export timeout", zap.Error(err))
	}
}

// MarkBackfilled records that the job's rows were all settled, so a restart
// does not load them again.
func (c *Coordinator) MarkBackfilled(ctx context.Context, job types.ExportJob) error {
	job.BackfillDone = true
	return c.store.SaveExport(ctx, c.opts.Table, job)
}
