package sink

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/deadletter"
	"github.com/mehmetymw/ddb2search/internal/sink/memindex"
	"github.com/mehmetymw/ddb2search/internal/types"
)

func testOptions() Options {
	return Options{
		BatchSize:     10,
		FlushInterval: 5 * time.Millisecond,
		QueueSize:     100,
		MaxAttempts:   5,
		Backoff:       types.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}
}

func doc(id string, v types.Version, title string) types.IndexDocument {
	return types.IndexDocument{ID: id, Index: "products", Version: v, Action: types.ActionIndex,
		Payload: map[string]any{"Title": title}, Origin: types.OriginStream}
}

func newWriter(t *testing.T, opts Options) (*Writer, *memindex.Index, *deadletter.Memory) {
	t.Helper()
	ix := memindex.New()
	dlq := deadletter.NewMemory()
	return New(ix, dlq, opts, nil, zap.NewNop()), ix, dlq
}

func TestWriteIsIdempotent(t *testing.T) {
	w, ix, _ := newWriter(t, testOptions())
	ctx := context.Background()
	docs := []types.IndexDocument{doc("1", 10, "a"), doc("2", 20, "b")}

	first := w.Write(ctx, docs)
	for _, r := range first {
		assert.Equal(t, types.Accepted, r.Outcome)
	}
	before := ix.Snapshot("products")

	second := w.Write(ctx, docs)
	for _, r := range second {
		assert.Equal(t, types.Superseded, r.Outcome)
		assert.True(t, r.Settled())
	}
	assert.Equal(t, before, ix.Snapshot("products"))
}

func TestWriteOrderIndependent(t *testing.T) {
	versions := []types.Version{3, 9, 1, 7, 5}
	for i := 0; i < 5; i++ {
		w, ix, _ := newWriter(t, testOptions())
		shuffled := append([]types.Version(nil), versions...)
		rand.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		for _, v := range shuffled {
			w.Write(context.Background(), []types.IndexDocument{doc("x", v, "v")})
		}
		got, ok := ix.Get("products", "x")
		require.True(t, ok)
		assert.Equal(t, types.Version(9), got.Version)
	}
}

func TestChangeInExportSecondBeatsLaterBaseline(t *testing.T) {
	w, ix, _ := newWriter(t, testOptions())
	ctx := context.Background()
	exportAt := time.Date(2025, 1, 1, 10, 0, 0, 500_000_000, time.UTC)
	// modified at .900, delivered with its time rounded down to the second
	stamped := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	change := doc("p1", types.NextVersion(0, stamped.UnixMilli()), "new")
	baseline := doc("p1", types.ExportVersion(exportAt), "old")
	baseline.Origin = types.OriginBackfill

	assert.Equal(t, types.Accepted, w.Write(ctx, []types.IndexDocument{change})[0].Outcome)
	assert.Equal(t, types.Superseded, w.Write(ctx, []types.IndexDocument{baseline})[0].Outcome)
	got, ok := ix.Get("products", "p1")
	require.True(t, ok)
	assert.Equal(t, "new", got.Payload["Title"])
}

func TestDeleteTombstoneSupersedesOlderIndex(t *testing.T) {
	w, ix, _ := newWriter(t, testOptions())
	ctx := context.Background()
	del := types.IndexDocument{ID: "1", Index: "products", Version: 8, Action: types.ActionDelete}

	res := w.Write(ctx, []types.IndexDocument{del})
	assert.Equal(t, types.Accepted, res[0].Outcome)
	res = w.Write(ctx, []types.IndexDocument{doc("1", 5, "late")})
	assert.Equal(t, types.Superseded, res[0].Outcome)
	_, ok := ix.Get("products", "1")
	assert.False(t, ok)
}

func TestTransientFailuresRetriedWithoutDeadLetter(t *testing.T) {
	w, ix, dlq := newWriter(t, testOptions())
	ix.FailTransient(3)

	res := w.Write(context.Background(), []types.IndexDocument{doc("1", 1, "a")})
	assert.Equal(t, types.Accepted, res[0].Outcome)
	assert.Equal(t, 4, res[0].Attempts)
	assert.Equal(t, 4, ix.Calls())
	assert.Empty(t, dlq.Records())
}

func TestPermanentFailureDeadLetteredWithoutRetry(t *testing.T) {
	w, ix, dlq := newWriter(t, testOptions())
	ix.Reject("bad", "mapper_parsing_exception")

	res := w.Write(context.Background(), []types.IndexDocument{doc("ok", 1, "a"), doc("bad", 1, "b")})
	assert.Equal(t, types.Accepted, res[0].Outcome)
	assert.Equal(t, types.PermanentFailure, res[1].Outcome)
	assert.True(t, res[1].DeadLettered)
	assert.True(t, res[1].Settled())
	assert.Equal(t, 1, ix.Calls())

	recs := dlq.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "bad", recs[0].Document.ID)
	assert.Equal(t, types.CategoryValidation, recs[0].Category)
	assert.Equal(t, 1, recs[0].Attempts)
	assert.Equal(t, "mapper_parsing_exception", recs[0].Reason)
}

func TestExhaustedRetriesDeadLetteredAsTransient(t *testing.T) {
	opts := testOptions()
	opts.MaxAttempts = 3
	w, ix, dlq := newWriter(t, opts)
	ix.FailTransient(100)

	res := w.Write(context.Background(), []types.IndexDocument{doc("1", 1, "a")})
	assert.True(t, res[0].DeadLettered)
	assert.Equal(t, 3, ix.Calls())

	recs := dlq.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, types.CategoryTransient, recs[0].Category)
	assert.Equal(t, 3, recs[0].Attempts)
	assert.False(t, recs[0].FirstFailure.After(recs[0].LastFailure))
}

func TestWholeRequestValidationErrorIsRejected(t *testing.T) {
	w, ix, dlq := newWriter(t, testOptions())
	ix.FailRequests(types.Invalid("request too large"))

	res := w.Write(context.Background(), []types.IndexDocument{doc("1", 1, "a")})
	assert.True(t, res[0].DeadLettered)
	assert.Equal(t, 1, ix.Calls())
	require.Len(t, dlq.Records(), 1)
	assert.Equal(t, types.CategoryRejected, dlq.Records()[0].Category)
}

func TestOversizedDocumentFailsBeforeSending(t *testing.T) {
	opts := testOptions()
	opts.MaxDocumentBytes = 16
	w, ix, dlq := newWriter(t, opts)

	res := w.Write(context.Background(), []types.IndexDocument{doc("1", 1, "a title well past the limit")})
	assert.True(t, res[0].DeadLettered)
	assert.Equal(t, 0, ix.Calls())
	require.Len(t, dlq.Records(), 1)
	assert.Equal(t, 0, dlq.Records()[0].Attempts)
}

func TestFailedDeadLetterLeavesDocumentUnsettled(t *testing.T) {
	w, ix, dlq := newWriter(t, testOptions())
	ix.Reject("bad", "nope")
	dlq.Err = errors.New("disk full")

	res := w.Write(context.Background(), []types.IndexDocument{doc("bad", 1, "b")})
	assert.False(t, res[0].DeadLettered)
	assert.False(t, res[0].Settled())
}

func TestEnqueueSettlesGroup(t *testing.T) {
	w, ix, _ := newWriter(t, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx, 2)

	g := NewGroup()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, w.Enqueue(ctx, doc(id, types.Version(i+1), id), g))
	}
	wctx, wcancel := context.WithTimeout(ctx, 2*time.Second)
	defer wcancel()
	require.NoError(t, g.Wait(wctx))
	assert.Equal(t, []string{"a", "b", "c"}, ix.IDs("products"))
	assert.Equal(t, 0, w.Backlog())
	require.NoError(t, w.Close())
}

func TestGroupFailsWhenDocumentUnsettled(t *testing.T) {
	w, ix, dlq := newWriter(t, testOptions())
	ix.Reject("bad", "nope")
	dlq.Err = errors.New("unavailable")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx, 1)

	g := NewGroup()
	require.NoError(t, w.Enqueue(ctx, doc("good", 1, "g"), g))
	require.NoError(t, w.Enqueue(ctx, doc("bad", 1, "b"), g))
	wctx, wcancel := context.WithTimeout(ctx, 2*time.Second)
	defer wcancel()
	err := g.Wait(wctx)
	assert.ErrorIs(t, err, ErrUnsettled)
	require.NoError(t, w.Close())
}

func TestEmptyGroupWaitReturnsImmediately(t *testing.T) {
	assert.NoError(t, NewGroup().Wait(context.Background()))
}

func TestEnqueueBlocksWhenQueueFull(t *testing.T) {
	opts := testOptions()
	opts.BatchSize = 2
	opts.QueueSize = 2
	w, _, _ := newWriter(t, opts)
	// Not started: nothing drains the queue.
	ctx := context.Background()
	require.NoError(t, w.Enqueue(ctx, doc("1", 1, "a"), nil))
	require.NoError(t, w.Enqueue(ctx, doc("2", 1, "b"), nil))

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := w.Enqueue(tctx, doc("3", 1, "c"), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, w.Backlog())
}

func TestResizeAdjustsWorkers(t *testing.T) {
	w, _, _ := newWriter(t, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx, 1)
	assert.Equal(t, 1, w.Active())
	w.Resize(4)
	assert.Equal(t, 4, w.Active())
	w.Resize(0)
	assert.Equal(t, 1, w.Active())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Enqueue(ctx, doc("1", 1, "a"), nil), ErrClosed)
}
