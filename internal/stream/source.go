// Package stream tails the shards of a change log. Each shard gets its own
// worker; a child shard is only read once every record of its parent has
// been acknowledged and the parent's checkpoint is persisted as exhausted.
package stream

import (
	"context"
	"errors"

	"github.com/mehmetymw/ddb2search/internal/sink"
	"github.com/mehmetymw/ddb2search/internal/types"
)

var (
	// ErrExpiredCursor means the cursor must be reopened from the last
	// checkpoint. It is not a data loss condition.
	ErrExpiredCursor = errors.New("shard cursor expired")
	// ErrTrimmed means the requested position is no longer retained.
	ErrTrimmed = errors.New("shard position trimmed")
	// ErrRetentionGap means records between the last checkpoint and the
	// oldest retained record may have been lost.
	ErrRetentionGap = errors.New("stream retention gap")
)

type PositionType string

const (
	Latest        PositionType = "LATEST"
	TrimHorizon   PositionType = "TRIM_HORIZON"
	AfterSequence PositionType = "AFTER_SEQUENCE"
)

type Position struct {
	Type     PositionType
	Sequence string
}

type Shard struct {
	ID       string
	ParentID string
	// EndSequence is set once the shard is closed to new records.
	EndSequence string
}

func (s Shard) Closed() bool { return s.EndSequence != "" }

// Batch is one fetch from a shard. Closed is set when the shard is closed
// and every record has been returned; Next is then empty.
type Batch struct {
	Records []types.ChangeEvent
	Next    string
	Closed  bool
}

// Source is a shard-partitioned change log. Records carrying a non-zero
// Version keep it; otherwise the reader derives one from the event time.
type Source interface {
	Shards(ctx context.Context) ([]Shard, error)
	Open(ctx context.Context, shardID string, pos Position) (string, error)
	Fetch(ctx context.Context, cursor string, limit int) (Batch, error)
}

// Committer is implemented by sources that must learn when a position has
// been durably checkpointed, such as a replication slot.
type Committer interface {
	Commit(ctx context.Context, shardID, sequence string) error
}

type Handler interface {
	Change(ctx context.Context, ev types.ChangeEvent, group *sink.Group) error
}
