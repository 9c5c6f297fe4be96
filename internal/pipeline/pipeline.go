// Package pipeline wires the readers, export coordinators and the shared
// sink writer for every table of a pipeline definition, and owns startup
// ordering and shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mehmetymw/ddb2search/internal/capacity"
	"github.com/mehmetymw/ddb2search/internal/checkpoint"
	"github.com/mehmetymw/ddb2search/internal/config"
	"github.com/mehmetymw/ddb2search/internal/deadletter"
	"github.com/mehmetymw/ddb2search/internal/export"
	"github.com/mehmetymw/ddb2search/internal/metrics"
	"github.com/mehmetymw/ddb2search/internal/reconcile"
	"github.com/mehmetymw/ddb2search/internal/sink"
	"github.com/mehmetymw/ddb2search/internal/stream"
	"github.com/mehmetymw/ddb2search/internal/transform"
	"github.com/mehmetymw/ddb2search/internal/types"
)

// Table is one configured table with its resolved key schema and source
// adapters. Stream or Export is nil when that path is disabled.
type Table struct {
	Config       config.Table
	PartitionKey string
	SortKey      string
	Stream       stream.Source
	Export       export.API
}

const drainTimeout = 30 * time.Second

type Pipeline struct {
	cfg        config.Config
	store      checkpoint.Store
	writer     *sink.Writer
	controller *capacity.Controller
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tables     []*table

	mu      sync.Mutex
	state   string
	lastErr error
}

func New(cfg config.Config, tables []Table, index sink.Index, dlq deadletter.Sink, store checkpoint.Store, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	logger.Info("Creating pipeline",
		zap.String("name", cfg.Name),
		zap.Int("tables", len(tables)),
		zap.Bool("acknowledgments", cfg.Source.Acked()))

	writer := sink.New(index, dlq, sink.Options{
		BatchSize:     cfg.Sink.BatchSize,
		FlushInterval: config.Millis(cfg.Sink.FlushIntervalMs),
		QueueSize:     cfg.Sink.QueueSize,
		MaxAttempts:   cfg.Sink.MaxAttempts,
		Backoff: types.Backoff{
			Initial: config.Millis(cfg.Sink.InitialBackoffMs),
			Max:     config.Millis(cfg.Sink.MaxBackoffMs),
		},
		AttemptTimeout:   config.Millis(cfg.Sink.OpenSearch.TimeoutMs),
		MaxDocumentBytes: cfg.Sink.MaxDocumentBytes,
	}, m, logger)

	p := &Pipeline{
		cfg:     cfg,
		store:   store,
		writer:  writer,
		metrics: m,
		logger:  logger,
		state:   "starting",
	}
	for _, t := range tables {
		p.tables = append(p.tables, p.newTable(t))
	}
	p.controller = capacity.New(writer, p.backlog, capacity.Options{
		MinUnits:         cfg.Capacity.MinUnits,
		MaxUnits:         cfg.Capacity.MaxUnits,
		Interval:         config.Millis(cfg.Capacity.IntervalMs),
		ScaleUpSamples:   cfg.Capacity.ScaleUpSamples,
		ScaleDownSamples: cfg.Capacity.ScaleDownSamples,
		LowWatermark:     cfg.Capacity.LowWatermark,
		HighWatermark:    cfg.Sink.QueueSize * 3 / 4,
	}, logger)
	return p
}

// backlog is the work not yet settled: queued documents plus records the
// readers handed over but have not checkpointed.
func (p *Pipeline) backlog() int {
	n := p.writer.Backlog()
	for _, t := range p.tables {
		n += t.backlog()
	}
	return n
}

// Run replicates every table until ctx is cancelled or one of them fails.
// On return the readers have stopped and the sink writer has drained.
func (p *Pipeline) Run(ctx context.Context) error {
	writerCtx, stopWriter := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWriter()
	p.writer.Start(writerCtx, p.cfg.Capacity.MinUnits)

	ctrlCtx, stopCtrl := context.WithCancel(ctx)
	ctrlDone := make(chan struct{})
	go func() {
		defer close(ctrlDone)
		p.controller.Run(ctrlCtx)
	}()

	p.setState("running", nil)
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range p.tables {
		t := t
		g.Go(func() error { return t.run(gctx) })
	}
	err := g.Wait()

	stopCtrl()
	<-ctrlDone
	p.drain(stopWriter)

	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		p.logger.Error("Pipeline failed", zap.Error(err))
		p.setState("failed", err)
		return err
	}
	p.setState("stopped", nil)
	p.logger.Info("Pipeline stopped")
	return nil
}

// drain closes the writer and waits for queued documents to flush. If that
// takes longer than drainTimeout the remaining writes are abandoned; their
// checkpoints were never written, so they are read again on restart.
func (p *Pipeline) drain(stopWriter context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.writer.Close()
	}()
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.logger.Warn("Sink drain timed out, abandoning queued documents", zap.Int("backlog", p.writer.Backlog()))
		stopWriter()
		<-done
	}
}

func (p *Pipeline) setState(state string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	if err != nil {
		p.lastErr = err
	}
}

type TableStatus struct {
	Table         string                  `json:"table"`
	Index         string                  `json:"index"`
	Phase         string                  `json:"phase"`
	ExportStatus  types.ExportStatus      `json:"export_status,omitempty"`
	BackfillItems int64                   `json:"backfill_items"`
	Counts        reconcile.Counts        `json:"counts"`
	Shards        []types.ShardCheckpoint `json:"shards,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

type Status struct {
	State     string        `json:"status"`
	Backlog   int           `json:"backlog"`
	Units     int           `json:"units"`
	LastError string        `json:"last_error,omitempty"`
	Tables    []TableStatus `json:"tables"`
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	st := Status{State: p.state}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	p.mu.Unlock()
	st.Backlog = p.backlog()
	st.Units = p.writer.Active()
	for _, t := range p.tables {
		st.Tables = append(st.Tables, t.status())
	}
	return st
}

// table drives one source table: prime the stream, backfill from an
// export, then keep streaming.
type table struct {
	p          *Pipeline
	src        Table
	name       string
	reconciler *reconcile.Reconciler
	logger     *zap.Logger

	mu           sync.Mutex
	reader       *stream.Reader
	phase        string
	exportStatus types.ExportStatus
	loaded       int64
	err          error
}

func (p *Pipeline) newTable(t Table) *table {
	name := t.Config.Table
	logger := p.logger.With(zap.String("table", name), zap.String("index", t.Config.Index))
	return &table{
		p:          p,
		src:        t,
		name:       name,
		reconciler: reconcile.New(name, transform.New(t.Config.Index), p.writer, logger),
		logger:     logger,
		phase:      "pending",
	}
}

func (t *table) run(ctx context.Context) error {
	for {
		err := t.runOnce(ctx)
		if err == nil || ctx.Err() != nil {
			t.setPhase("stopped")
			return nil
		}
		if errors.Is(err, stream.ErrRetentionGap) && t.p.cfg.Stream.OnGap == "reexport" && t.src.Export != nil {
			t.logger.Error("Stream retention gap, resetting checkpoints for a fresh export", zap.Error(err))
			t.logger.Warn("Items deleted during the gap keep their documents after the fresh export",
				zap.String("index", t.src.Config.Index))
			if rerr := t.p.store.Reset(ctx, t.name); rerr != nil {
				t.fail(rerr)
				return fmt.Errorf("table %s: reset after gap: %w", t.name, rerr)
			}
			continue
		}
		t.fail(err)
		return fmt.Errorf("table %s: %w", t.name, err)
	}
}

func (t *table) runOnce(ctx context.Context) error {
	var reader *stream.Reader
	if t.src.Stream != nil {
		reader = stream.NewReader(t.src.Stream, t.p.store, t.reconciler, stream.Options{
			Table:             t.name,
			PollInterval:      config.Millis(t.p.cfg.Stream.PollIntervalMs),
			DiscoveryInterval: config.Millis(t.p.cfg.Stream.DiscoveryIntervalMs),
			Limit:             t.p.cfg.Stream.RecordsLimit,
			RPS:               t.p.cfg.Stream.GetRecordsRPS,
			Acknowledgments:   t.p.cfg.Source.Acked(),
			DrainTimeout:      drainTimeout,
		}, t.p.metrics, t.logger)
		t.mu.Lock()
		t.reader = reader
		t.mu.Unlock()

		cps, err := t.p.store.Load(ctx, t.name)
		if err != nil {
			return err
		}
		// The stream must be positioned before the export's point in time
		// is fixed, otherwise changes in between would be missed.
		if len(cps) == 0 {
			t.setPhase("priming")
			if err := reader.Prime(ctx); err != nil {
				return err
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if reader != nil {
		g.Go(func() error {
			t.setPhase("streaming")
			return reader.Run(gctx)
		})
	}
	if t.src.Export != nil {
		g.Go(func() error { return t.backfill(gctx) })
	}
	return g.Wait()
}

func (t *table) backfill(ctx context.Context) error {
	coordinator := export.NewCoordinator(t.src.Export, t.p.store, export.Options{
		Table:        t.name,
		PollInterval: config.Millis(t.p.cfg.Export.PollIntervalMs),
		Timeout:      config.Millis(t.p.cfg.Export.TimeoutMs),
		MaxAttempts:  t.p.cfg.Export.MaxAttempts,
		Backoff:      config.Millis(t.p.cfg.Export.BackoffMs),
	}, t.p.metrics, t.logger)

	t.setExport(types.ExportInProgress)
	job, err := coordinator.Run(ctx)
	if err != nil {
		t.setExport(types.ExportFailed)
		return err
	}
	t.setExport(job.Status)
	if job.BackfillDone {
		t.logger.Info("Backfill already complete", zap.String("job", job.ID))
		return nil
	}

	if t.src.Stream == nil {
		t.setPhase("backfilling")
	}
	loader := export.NewLoader(t.src.Export, t.reconciler, export.LoaderOptions{
		PartitionKey:    t.src.PartitionKey,
		SortKey:         t.src.SortKey,
		FileConcurrency: t.p.cfg.Export.FileConcurrency,
	}, t.logger)
	n, err := loader.Load(ctx, job)
	t.mu.Lock()
	t.loaded += n
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if err := coordinator.MarkBackfilled(ctx, job); err != nil {
		return err
	}
	t.logger.Info("Backfill complete", zap.String("job", job.ID), zap.Int64("items", n))
	return nil
}

func (t *table) backlog() int {
	t.mu.Lock()
	r := t.reader
	t.mu.Unlock()
	if r == nil {
		return 0
	}
	return r.Backlog()
}

func (t *table) setPhase(phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
}

func (t *table) setExport(s types.ExportStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exportStatus = s
}

func (t *table) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = "failed"
	t.err = err
}

func (t *table) status() TableStatus {
	t.mu.Lock()
	st := TableStatus{
		Table:         t.name,
		Index:         t.src.Config.Index,
		Phase:         t.phase,
		ExportStatus:  t.exportStatus,
		BackfillItems: t.loaded,
		Counts:        t.reconciler.Counts(),
	}
	if t.err != nil {
		st.Error = t.err.Error()
	}
	r := t.reader
	t.mu.Unlock()
	if r != nil {
		st.Shards = r.Checkpoints()
	}
	return st
}
