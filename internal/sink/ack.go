package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrUnsettled = errors.New("documents left unsettled")

// Group tracks a set of documents handed to the writer so the producer can
// wait until every one of them is settled: applied, superseded or stored
// in the dead-letter sink.
type Group struct {
	mu        sync.Mutex
	pending   int
	sealed    bool
	closed    bool
	unsettled []string
	done      chan struct{}
}

func NewGroup() *Group {
	return &Group{done: make(chan struct{})}
}

// Add registers one more document that must settle before Wait returns.
func (g *Group) Add() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.pending++
	g.mu.Unlock()
}

// Done settles one document; ok is false when it could not be applied or
// dead-lettered.
func (g *Group) Done(id string, ok bool) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending--
	if !ok {
		g.unsettled = append(g.unsettled, id)
	}
	g.maybeClose()
}

func (g *Group) maybeClose() {
	if g.sealed && g.pending == 0 && !g.closed {
		g.closed = true
		close(g.done)
	}
}

// Wait seals the group and blocks until every document added so far is
// settled. It returns ErrUnsettled when any of them could not be.
func (g *Group) Wait(ctx context.Context) error {
	g.mu.Lock()
	g.sealed = true
	g.maybeClose()
	g.mu.Unlock()

	select {
	case <-g.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.unsettled) > 0 {
		return fmt.Errorf("%w: %d (first %s)", ErrUnsettled, len(g.unsettled), g.unsettled[0])
	}
	return nil
}
