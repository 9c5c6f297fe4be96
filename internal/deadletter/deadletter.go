// Package deadletter stores records that could not be written to the
// destination index. Sinks are append-only; operators inspect and replay
// records out of band.
package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mehmetymw/ddb2search/internal/types"
)

type Sink interface {
	Append(ctx context.Context, rec types.DeadLetterRecord) error
	Close() error
}

// Stamp fills the id and timestamps a record is missing.
func Stamp(rec types.DeadLetterRecord) types.DeadLetterRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.LastFailure.IsZero() {
		rec.LastFailure = now
	}
	if rec.FirstFailure.IsZero() {
		rec.FirstFailure = rec.LastFailure
	}
	return rec
}

// Discard drops records. It backs pipelines configured without a DLQ.
type Discard struct{}

func (Discard) Append(context.Context, types.DeadLetterRecord) error { return nil }
func (Discard) Close() error                                        { return nil }

type Memory struct {
	mu      sync.Mutex
	records []types.DeadLetterRecord
	Err     error
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(_ context.Context, rec types.DeadLetterRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.records = append(m.records, Stamp(rec))
	return nil
}

func (m *Memory) Records() []types.DeadLetterRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.DeadLetterRecord(nil), m.records...)
}

func (m *Memory) Close() error { return nil }
