package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mehmetymw/ddb2search/internal/sink"
	"github.com/mehmetymw/ddb2search/internal/types"
)

type fakeShard struct {
	shard   Shard
	records []types.ChangeEvent
}

// fakeSource is an in-memory change log. Cursors are "<shard>@<index>".
type fakeSource struct {
	mu       sync.Mutex
	shards   []*fakeShard
	trimmed  map[string]bool
	expireAt map[string]int
	opens    []Position
}

func newFakeSource() *fakeSource {
	return &fakeSource{trimmed: map[string]bool{}, expireAt: map[string]int{}}
}

func event(seq int, pk string, at time.Time) types.ChangeEvent {
	return types.ChangeEvent{
		Sequence:        strconv.Itoa(seq),
		Kind:            types.Modify,
		Key:             types.Key{Partition: pk},
		NewImage:        map[string]any{"pk": pk, "seq": seq},
		ApproximateTime: at,
	}
}

func (f *fakeSource) addShard(id, parent string, records ...types.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shards = append(f.shards, &fakeShard{shard: Shard{ID: id, ParentID: parent}, records: records})
}

func (f *fakeSource) find(id string) *fakeShard {
	for _, s := range f.shards {
		if s.shard.ID == id {
			return s
		}
	}
	return nil
}

func (f *fakeSource) append(id string, records ...types.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.find(id)
	s.records = append(s.records, records...)
}

func (f *fakeSource) close(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.find(id)
	s.shard.EndSequence = s.records[len(s.records)-1].Sequence
}

func (f *fakeSource) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.shards {
		if s.shard.ID == id {
			f.shards = append(f.shards[:i], f.shards[i+1:]...)
			return
		}
	}
}

func (f *fakeSource) Shards(context.Context) ([]Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Shard, len(f.shards))
	for i, s := range f.shards {
		out[i] = s.shard
	}
	return out, nil
}

func (f *fakeSource) Open(_ context.Context, id string, pos Position) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, pos)
	s := f.find(id)
	if s == nil || f.trimmed[id] {
		return "", fmt.Errorf("%w: %s", ErrTrimmed, id)
	}
	idx := 0
	switch pos.Type {
	case Latest:
		idx = len(s.records)
	case AfterSequence:
		idx = len(s.records)
		for i, r := range s.records {
			if types.CompareSequence(r.Sequence, pos.Sequence) > 0 {
				idx = i
				break
			}
		}
	}
	return fmt.Sprintf("%s@%d", id, idx), nil
}

func (f *fakeSource) Fetch(_ context.Context, cursor string, limit int) (Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, n, _ := strings.Cut(cursor, "@")
	idx, _ := strconv.Atoi(n)
	if at, ok := f.expireAt[id]; ok && at == idx {
		delete(f.expireAt, id)
		return Batch{}, ErrExpiredCursor
	}
	s := f.find(id)
	end := idx + limit
	if end > len(s.records) {
		end = len(s.records)
	}
	b := Batch{Records: append([]types.ChangeEvent(nil), s.records[idx:end]...)}
	if end == len(s.records) && s.shard.Closed() {
		b.Closed = true
		return b, nil
	}
	b.Next = fmt.Sprintf("%s@%d", id, end)
	return b, nil
}

func (f *fakeSource) positions() []Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Position(nil), f.opens...)
}

// recorder settles every change immediately. Records whose sequence is in
// reject are reported unsettled once.
type recorder struct {
	mu     sync.Mutex
	events []types.ChangeEvent
	reject map[string]bool
}

func newRecorder() *recorder { return &recorder{reject: map[string]bool{}} }

func (h *recorder) Change(_ context.Context, ev types.ChangeEvent, g *sink.Group) error {
	g.Add()
	h.mu.Lock()
	h.events = append(h.events, ev)
	ok := !h.reject[ev.Sequence]
	delete(h.reject, ev.Sequence)
	h.mu.Unlock()
	g.Done(ev.Sequence, ok)
	return nil
}

func (h *recorder) seen() []types.ChangeEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.ChangeEvent(nil), h.events...)
}

func (h *recorder) sequences() []string {
	var out []string
	for _, ev := range h.seen() {
		out = append(out, ev.ShardID+":"+ev.Sequence)
	}
	return out
}
