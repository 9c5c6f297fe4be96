// Package checkpoint persists per-shard stream positions and export job
// state. Every key is partitioned by table and shard, and a shard's key is
// only ever written by the worker that owns the shard.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/mehmetymw/ddb2search/internal/types"
)

var (
	ErrPersist    = errors.New("checkpoint persist failed")
	ErrRegression = errors.New("checkpoint sequence regression")
)

type Store interface {
	Load(ctx context.Context, table string) ([]types.ShardCheckpoint, error)
	Save(ctx context.Context, table string, cp types.ShardCheckpoint) error
	// Reset drops every checkpoint and the export record of a table. It is
	// the only way a shard position may move backwards.
	Reset(ctx context.Context, table string) error
	LoadExport(ctx context.Context, table string) (types.ExportJob, bool, error)
	SaveExport(ctx context.Context, table string, job types.ExportJob) error
	Close() error
}

// Advance checks that next may replace prev.
func Advance(prev *types.ShardCheckpoint, next types.ShardCheckpoint) error {
	if prev == nil {
		return nil
	}
	if types.CompareSequence(next.Sequence, prev.Sequence) < 0 {
		return fmt.Errorf("%w: shard %s from %s to %s", ErrRegression, next.ShardID, prev.Sequence, next.Sequence)
	}
	if prev.State == types.ShardExhausted && next.State != types.ShardExhausted {
		return fmt.Errorf("%w: shard %s is exhausted", ErrRegression, next.ShardID)
	}
	return nil
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersist, op, err)
}
