// Package memindex is an in-process index with external-version semantics.
// It backs tests and dry runs.
package memindex

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/mehmetymw/ddb2search/internal/types"
)

type Doc struct {
	Version types.Version
	Payload map[string]any
	Deleted bool
}

type Index struct {
	mu   sync.Mutex
	docs map[string]map[string]Doc

	transient int
	rejected  map[string]string
	calls     int
	err       error
}

func New() *Index {
	return &Index{docs: make(map[string]map[string]Doc), rejected: make(map[string]string)}
}

// FailTransient makes the next n bulk calls fail every document with 503.
func (ix *Index) FailTransient(n int) {
	ix.mu.Lock()
	ix.transient = n
	ix.mu.Unlock()
}

// Reject makes every write of id fail permanently with reason.
func (ix *Index) Reject(id, reason string) {
	ix.mu.Lock()
	ix.rejected[id] = reason
	ix.mu.Unlock()
}

// FailRequests makes every bulk call return err until cleared with nil.
func (ix *Index) FailRequests(err error) {
	ix.mu.Lock()
	ix.err = err
	ix.mu.Unlock()
}

func (ix *Index) Calls() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.calls
}

func (ix *Index) Bulk(ctx context.Context, docs []types.IndexDocument) ([]types.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.Transient(err)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.calls++
	if ix.err != nil {
		return nil, ix.err
	}

	out := make([]types.WriteResult, len(docs))
	if ix.transient > 0 {
		ix.transient--
		for i, d := range docs {
			out[i] = types.WriteResult{ID: d.ID, Outcome: types.TransientFailure,
				Status: http.StatusServiceUnavailable, Reason: "unavailable"}
		}
		return out, nil
	}
	for i, d := range docs {
		if reason, ok := ix.rejected[d.ID]; ok {
			out[i] = types.WriteResult{ID: d.ID, Outcome: types.PermanentFailure,
				Status: http.StatusBadRequest, Reason: reason, Category: types.CategoryValidation}
			continue
		}
		out[i] = ix.apply(d)
	}
	return out, nil
}

func (ix *Index) apply(d types.IndexDocument) types.WriteResult {
	idx := ix.docs[d.Index]
	if idx == nil {
		idx = make(map[string]Doc)
		ix.docs[d.Index] = idx
	}
	cur, exists := idx[d.ID]
	if exists && cur.Version >= d.Version {
		return types.WriteResult{ID: d.ID, Outcome: types.Superseded, Status: http.StatusConflict}
	}
	switch d.Action {
	case types.ActionDelete:
		// Tombstones keep the version so a late older write stays superseded.
		idx[d.ID] = Doc{Version: d.Version, Deleted: true}
	default:
		idx[d.ID] = Doc{Version: d.Version, Payload: d.Payload}
	}
	return types.WriteResult{ID: d.ID, Outcome: types.Accepted, Status: http.StatusOK}
}

// Get returns the live document stored under id.
func (ix *Index) Get(index, id string) (Doc, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	d, ok := ix.docs[index][id]
	if !ok || d.Deleted {
		return Doc{}, false
	}
	return d, true
}

// Snapshot returns the live documents of index keyed by id.
func (ix *Index) Snapshot(index string) map[string]Doc {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make(map[string]Doc)
	for id, d := range ix.docs[index] {
		if !d.Deleted {
			out[id] = d
		}
	}
	return out
}

func (ix *Index) IDs(index string) []string {
	snap := ix.Snapshot(index)
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
