// Package reconcile merges the backfill and live paths. Every record from
// either path is transformed and forwarded once; ordering between the paths
// is settled by the destination's external version check, not here.
package reconcile

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/sink"
	"github.com/mehmetymw/ddb2search/internal/transform"
	"github.com/mehmetymw/ddb2search/internal/types"
)

// Writer is the part of the sink writer the reconciler depends on.
type Writer interface {
	Enqueue(ctx context.Context, doc types.IndexDocument, group *sink.Group) error
	DeadLetter(ctx context.Context, rec types.DeadLetterRecord) error
}

type Counts struct {
	Baseline int64
	Changes  int64
	Invalid  int64
}

type Reconciler struct {
	table       string
	transformer *transform.Transformer
	writer      Writer
	logger      *zap.Logger

	baseline atomic.Int64
	changes  atomic.Int64
	invalid  atomic.Int64
}

func New(table string, t *transform.Transformer, w Writer, logger *zap.Logger) *Reconciler {
	return &Reconciler{table: table, transformer: t, writer: w, logger: logger}
}

// Baseline forwards one export row carrying the export's version.
func (r *Reconciler) Baseline(ctx context.Context, item types.SourceItem, version types.Version, group *sink.Group) error {
	kind := item.Kind
	if kind == "" {
		kind = types.Insert
	}
	r.baseline.Add(1)
	return r.forward(ctx, item, kind, version, types.OriginBackfill, group)
}

// Change forwards one stream event carrying its own version.
func (r *Reconciler) Change(ctx context.Context, ev types.ChangeEvent, group *sink.Group) error {
	r.changes.Add(1)
	return r.forward(ctx, ev.Item(), ev.Kind, ev.Version, types.OriginStream, group)
}

func (r *Reconciler) forward(ctx context.Context, item types.SourceItem, kind types.ChangeKind, version types.Version, origin types.Origin, group *sink.Group) error {
	doc, err := r.transformer.Transform(item, kind, version)
	if err != nil {
		r.invalid.Add(1)
		r.logger.Warn("Record failed transformation",
			zap.String("table", r.table),
			zap.String("origin", string(origin)),
			zap.Error(err))
		// The record cannot become a document, so it is settled here.
		return r.writer.DeadLetter(ctx, types.DeadLetterRecord{
			Document: types.IndexDocument{
				ID:      item.Key.Partition,
				Index:   r.transformer.Index(),
				Version: version,
				Action:  types.ActionIndex,
				Payload: item.Attributes,
				Origin:  origin,
			},
			Category: types.CategoryValidation,
			Reason:   err.Error(),
		})
	}
	doc.Origin = origin
	return r.writer.Enqueue(ctx, doc, group)
}

func (r *Reconciler) Counts() Counts {
	return Counts{Baseline: r.baseline.Load(), Changes: r.changes.Load(), Invalid: r.invalid.Load()}
}
