// Package sink delivers index documents to the search destination. Writes
// are batched, retried with backoff on transient failures and routed to the
// dead-letter sink once they cannot be applied.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/deadletter"
	"github.com/mehmetymw/ddb2search/internal/metrics"
	"github.com/mehmetymw/ddb2search/internal/types"
)

var ErrClosed = errors.New("sink writer closed")

// Index applies a batch of documents with external-version semantics. The
// result slice is positional. A non-nil error means the request as a whole
// failed; it is treated as transient for every document unless it wraps
// types.ErrValidation.
type Index interface {
	Bulk(ctx context.Context, docs []types.IndexDocument) ([]types.WriteResult, error)
}

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	// MaxAttempts counts every attempt including the first.
	MaxAttempts      int
	Backoff          types.Backoff
	AttemptTimeout   time.Duration
	MaxDocumentBytes int
	// DeadLetterAttempts bounds retries of a failing dead-letter append.
	DeadLetterAttempts int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	if o.QueueSize < o.BatchSize {
		o.QueueSize = o.BatchSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff.Initial <= 0 {
		o.Backoff = types.Backoff{Initial: 200 * time.Millisecond, Max: 10 * time.Second}
	}
	if o.DeadLetterAttempts <= 0 {
		o.DeadLetterAttempts = 3
	}
	return o
}

type queued struct {
	doc   types.IndexDocument
	group *Group
}

type Writer struct {
	index   Index
	dlq     deadletter.Sink
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger

	queue  chan queued
	mu     sync.RWMutex
	closed bool

	poolMu  sync.Mutex
	workers []chan struct{}
	ctx     context.Context
	wg      sync.WaitGroup

	pending atomic.Int64
}

func New(index Index, dlq deadletter.Sink, opts Options, m *metrics.Metrics, logger *zap.Logger) *Writer {
	opts = opts.withDefaults()
	if dlq == nil {
		dlq = deadletter.Discard{}
	}
	logger.Info("Creating sink writer",
		zap.Int("batch_size", opts.BatchSize),
		zap.Duration("flush_interval", opts.FlushInterval),
		zap.Int("queue_size", opts.QueueSize),
		zap.Int("max_attempts", opts.MaxAttempts))
	return &Writer{
		index:   index,
		dlq:     dlq,
		opts:    opts,
		metrics: m,
		logger:  logger,
		queue:   make(chan queued, opts.QueueSize),
	}
}

// Start launches the given number of workers. Resize adjusts the count later.
func (w *Writer) Start(ctx context.Context, workers int) {
	w.poolMu.Lock()
	w.ctx = ctx
	w.poolMu.Unlock()
	w.Resize(workers)
}

// Enqueue hands a document to the workers. It blocks while the queue is
// full, which is how backpressure reaches the readers.
func (w *Writer) Enqueue(ctx context.Context, doc types.IndexDocument, group *Group) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	if group != nil {
		group.Add()
	}
	w.pending.Add(1)
	select {
	case w.queue <- queued{doc: doc, group: group}:
		w.metrics.QueueDepth(len(w.queue))
		return nil
	case <-ctx.Done():
		w.pending.Add(-1)
		group.Done(doc.ID, false)
		return ctx.Err()
	}
}

// Backlog is the number of enqueued documents not yet settled.
func (w *Writer) Backlog() int {
	return int(w.pending.Load())
}

func (w *Writer) Active() int {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	return len(w.workers)
}

// Resize sets the number of running workers. At least one always runs.
func (w *Writer) Resize(n int) {
	if n < 1 {
		n = 1
	}
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	if w.ctx == nil {
		return
	}
	before := len(w.workers)
	for len(w.workers) < n {
		stop := make(chan struct{})
		w.workers = append(w.workers, stop)
		w.wg.Add(1)
		go w.work(w.ctx, stop)
	}
	for len(w.workers) > n {
		last := len(w.workers) - 1
		close(w.workers[last])
		w.workers = w.workers[:last]
	}
	if before != n {
		w.logger.Info("Resized sink workers", zap.Int("from", before), zap.Int("to", n))
	}
	w.metrics.Units(n)
}

// Close stops accepting documents and waits for the workers to flush what
// is already queued.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.logger.Info("Draining sink writer", zap.Int("backlog", w.Backlog()))
	w.wg.Wait()
	w.poolMu.Lock()
	w.workers = nil
	w.poolMu.Unlock()
	return nil
}

func (w *Writer) work(ctx context.Context, stop <-chan struct{}) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	var batch []queued
	flush := func() {
		if len(batch) > 0 {
			w.flush(ctx, batch)
			batch = nil
		}
	}
	for {
		select {
		case it, ok := <-w.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, it)
			if len(batch) >= w.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-stop:
			flush()
			return
		case <-ctx.Done():
			for _, it := range batch {
				w.pending.Add(-1)
				it.group.Done(it.doc.ID, false)
			}
			return
		}
	}
}

func (w *Writer) flush(ctx context.Context, batch []queued) {
	docs := make([]types.IndexDocument, len(batch))
	for i, it := range batch {
		docs[i] = it.doc
	}
	w.metrics.QueueDepth(len(w.queue))
	results := w.Write(ctx, docs)
	for i, it := range batch {
		w.pending.Add(-1)
		it.group.Done(it.doc.ID, results[i].Settled())
	}
}

// Write applies docs synchronously. Transient failures are retried until
// MaxAttempts is spent; whatever still fails goes to the dead-letter sink.
// Results are positional.
func (w *Writer) Write(ctx context.Context, docs []types.IndexDocument) []types.WriteResult {
	results := make([]types.WriteResult, len(docs))
	firstFailure := make(map[int]time.Time)

	var pending []int
	for i, doc := range docs {
		if reason, ok := w.oversized(doc); ok {
			results[i] = types.WriteResult{ID: doc.ID, Outcome: types.PermanentFailure,
				Reason: reason, Category: types.CategoryValidation}
			w.route(ctx, doc, &results[i], time.Now())
			continue
		}
		pending = append(pending, i)
	}

	for attempt := 1; attempt <= w.opts.MaxAttempts && len(pending) > 0; attempt++ {
		if attempt > 1 {
			w.metrics.Retry()
			delay := w.opts.Backoff.Delay(attempt - 1)
			w.logger.Warn("Retrying bulk write",
				zap.Int("attempt", attempt),
				zap.Int("documents", len(pending)),
				zap.Duration("delay", delay))
			if err := types.Sleep(ctx, delay); err != nil {
				break
			}
		}

		batch := make([]types.IndexDocument, len(pending))
		for j, i := range pending {
			batch[j] = docs[i]
		}
		res := w.bulk(ctx, batch)
		now := time.Now()

		var retry []int
		for j, i := range pending {
			r := res[j]
			r.ID = docs[i].ID
			r.Attempts = attempt
			results[i] = r
			if !r.Outcome.Applied() {
				if _, ok := firstFailure[i]; !ok {
					firstFailure[i] = now
				}
			}
			switch r.Outcome {
			case types.TransientFailure:
				retry = append(retry, i)
			case types.PermanentFailure:
				if r.Category == "" {
					results[i].Category = types.CategoryValidation
				}
				w.route(ctx, docs[i], &results[i], firstFailure[i])
			case types.Superseded:
				w.logger.Debug("Stale write superseded",
					zap.String("id", docs[i].ID),
					zap.String("index", docs[i].Index),
					zap.Int64("version", int64(docs[i].Version)))
				w.metrics.Outcome(string(docs[i].Origin), string(r.Outcome))
			default:
				w.metrics.Outcome(string(docs[i].Origin), string(r.Outcome))
			}
		}
		pending = retry
	}

	// Cancelled work stays unsettled so the source redelivers it.
	if ctx.Err() != nil {
		return results
	}
	for _, i := range pending {
		results[i].Category = types.CategoryTransient
		w.route(ctx, docs[i], &results[i], firstFailure[i])
	}
	return results
}

func (w *Writer) bulk(ctx context.Context, batch []types.IndexDocument) []types.WriteResult {
	actx := ctx
	if w.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, w.opts.AttemptTimeout)
		defer cancel()
	}
	start := time.Now()
	res, err := w.index.Bulk(actx, batch)
	w.metrics.BulkLatency(time.Since(start))

	if err == nil && len(res) != len(batch) {
		err = types.Transient(fmt.Errorf("bulk returned %d results for %d documents", len(res), len(batch)))
	}
	if err == nil {
		return res
	}

	outcome, category := types.TransientFailure, types.FailureCategory("")
	if errors.Is(err, types.ErrValidation) {
		outcome, category = types.PermanentFailure, types.CategoryRejected
	}
	w.logger.Error("Bulk request failed",
		zap.Int("documents", len(batch)),
		zap.String("outcome", string(outcome)),
		zap.Error(err))
	res = make([]types.WriteResult, len(batch))
	for i, d := range batch {
		res[i] = types.WriteResult{ID: d.ID, Outcome: outcome, Reason: err.Error(), Category: category}
	}
	return res
}

func (w *Writer) oversized(doc types.IndexDocument) (string, bool) {
	if w.opts.MaxDocumentBytes <= 0 || doc.Action != types.ActionIndex {
		return "", false
	}
	b, err := json.Marshal(doc.Payload)
	if err != nil {
		return fmt.Sprintf("payload not serializable: %v", err), true
	}
	if len(b) > w.opts.MaxDocumentBytes {
		return fmt.Sprintf("document is %d bytes, limit %d", len(b), w.opts.MaxDocumentBytes), true
	}
	return "", false
}

func (w *Writer) route(ctx context.Context, doc types.IndexDocument, r *types.WriteResult, first time.Time) {
	w.metrics.Outcome(string(doc.Origin), string(r.Outcome))
	rec := types.DeadLetterRecord{
		Document:     doc,
		Category:     r.Category,
		Reason:       r.Reason,
		Status:       r.Status,
		Attempts:     r.Attempts,
		FirstFailure: first,
		LastFailure:  time.Now(),
	}
	if err := w.DeadLetter(ctx, rec); err != nil {
		return
	}
	r.DeadLettered = true
}

// DeadLetter stores rec, retrying transient sink errors. A record that cannot
// be stored leaves its document unsettled.
func (w *Writer) DeadLetter(ctx context.Context, rec types.DeadLetterRecord) error {
	rec = deadletter.Stamp(rec)
	err := types.Retry(ctx, w.opts.DeadLetterAttempts, w.opts.Backoff, func(int) error {
		return w.dlq.Append(ctx, rec)
	})
	if err != nil {
		w.logger.Error("Failed to store dead letter",
			zap.String("id", rec.Document.ID),
			zap.String("category", string(rec.Category)),
			zap.Error(err))
		return err
	}
	w.metrics.DeadLetter(string(rec.Category))
	w.logger.Warn("Document dead-lettered",
		zap.String("id", rec.Document.ID),
		zap.String("index", rec.Document.Index),
		zap.String("category", string(rec.Category)),
		zap.Int("attempts", rec.Attempts),
		zap.String("reason", rec.Reason))
	return nil
}
