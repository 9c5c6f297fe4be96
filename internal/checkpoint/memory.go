package checkpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/mehmetymw/ddb2search/internal/types"
)

type Memory struct {
	mu      sync.Mutex
	shards  map[string]map[string]types.ShardCheckpoint
	exports map[string]types.ExportJob
	failSave error
}

func NewMemory() *Memory {
	return &Memory{
		shards:  make(map[string]map[string]types.ShardCheckpoint),
		exports: make(map[string]types.ExportJob),
	}
}

// FailSaves makes every later Save fail with err until called with nil.
func (m *Memory) FailSaves(err error) {
	m.mu.Lock()
	m.failSave = err
	m.mu.Unlock()
}

func (m *Memory) Load(_ context.Context, table string) ([]types.ShardCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ShardCheckpoint, 0, len(m.shards[table]))
	for _, cp := range m.shards[table] {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out, nil
}

func (m *Memory) Save(_ context.Context, table string, cp types.ShardCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return persistErr("save", m.failSave)
	}
	byShard := m.shards[table]
	if byShard == nil {
		byShard = make(map[string]types.ShardCheckpoint)
		m.shards[table] = byShard
	}
	if prev, ok := byShard[cp.ShardID]; ok {
		if err := Advance(&prev, cp); err != nil {
			return err
		}
	}
	byShard[cp.ShardID] = cp
	return nil
}

func (m *Memory) Reset(_ context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shards, table)
	delete(m.exports, table)
	return nil
}

func (m *Memory) LoadExport(_ context.Context, table string) (types.ExportJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.exports[table]
	return job, ok, nil
}

func (m *Memory) SaveExport(_ context.Context, table string, job types.ExportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exports[table] = job
	return nil
}

func (m *Memory) Close() error { return nil }
