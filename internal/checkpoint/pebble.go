package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/types"
)

// Pebble keeps checkpoints in a local pebble database.
//
// Key layout:
//
//	cp:<table>:<shard>  -> ShardCheckpoint JSON
//	export:<table>      -> ExportJob JSON
type Pebble struct {
	db     *pebble.DB
	logger *zap.Logger
}

func OpenPebble(path string, logger *zap.Logger) (*Pebble, error) {
	logger.Info("Opening pebble checkpoint store", zap.String("path", path))
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("Failed to open pebble", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return &Pebble{db: db, logger: logger}, nil
}

func shardPrefix(table string) []byte { return []byte("cp:" + table + ":") }

func shardKey(table, shard string) []byte { return []byte("cp:" + table + ":" + shard) }

func exportKey(table string) []byte { return []byte("export:" + table) }

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (p *Pebble) Load(_ context.Context, table string) ([]types.ShardCheckpoint, error) {
	prefix := shardPrefix(table)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []types.ShardCheckpoint
	for iter.First(); iter.Valid(); iter.Next() {
		var cp types.ShardCheckpoint
		if err := json.Unmarshal(iter.Value(), &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", iter.Key(), err)
		}
		out = append(out, cp)
	}
	return out, iter.Error()
}

func (p *Pebble) get(key []byte, v any) (bool, error) {
	b, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	return true, json.Unmarshal(b, v)
}

func (p *Pebble) Save(_ context.Context, table string, cp types.ShardCheckpoint) error {
	key := shardKey(table, cp.ShardID)
	var prev types.ShardCheckpoint
	found, err := p.get(key, &prev)
	if err != nil {
		return persistErr("read", err)
	}
	if found {
		if err := Advance(&prev, cp); err != nil {
			return err
		}
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := p.db.Set(key, b, pebble.Sync); err != nil {
		p.logger.Error("Failed to persist checkpoint",
			zap.String("table", table),
			zap.String("shard_id", cp.ShardID),
			zap.Error(err))
		return persistErr("write", err)
	}
	return nil
}

func (p *Pebble) Reset(_ context.Context, table string) error {
	prefix := shardPrefix(table)
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return err
	}
	if err := batch.Delete(exportKey(table), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return persistErr("reset", err)
	}
	p.logger.Warn("Checkpoints reset", zap.String("table", table))
	return nil
}

func (p *Pebble) LoadExport(_ context.Context, table string) (types.ExportJob, bool, error) {
	var job types.ExportJob
	found, err := p.get(exportKey(table), &job)
	return job, found, err
}

func (p *Pebble) SaveExport(_ context.Context, table string, job types.ExportJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := p.db.Set(exportKey(table), b, pebble.Sync); err != nil {
		return persistErr("export", err)
	}
	return nil
}

func (p *Pebble) Close() error {
	if p.db == nil {
		return nil
	}
	p.logger.Info("Closing pebble checkpoint store")
	err := p.db.Close()
	p.db = nil
	return err
}
