package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ddb2search_checkpoints (
	table_id        TEXT NOT NULL,
	shard_id        TEXT NOT NULL,
	parent_shard_id TEXT NOT NULL DEFAULT '',
	sequence        TEXT NOT NULL DEFAULT '',
	version         BIGINT NOT NULL DEFAULT 0,
	state           TEXT NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (table_id, shard_id)
);
CREATE TABLE IF NOT EXISTS ddb2search_exports (
	table_id TEXT PRIMARY KEY,
	job      JSONB NOT NULL
);`

// Postgres keeps checkpoints in a shared database so that a replacement
// host can resume where a failed one stopped.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	logger.Info("Connecting postgres checkpoint store")
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Error("Failed to create postgres pool", zap.Error(err))
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		logger.Error("Failed to create checkpoint tables", zap.Error(err))
		return nil, err
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Load(ctx context.Context, table string) ([]types.ShardCheckpoint, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT shard_id, parent_shard_id, sequence, version, state, updated_at
		FROM ddb2search_checkpoints WHERE table_id = $1 ORDER BY shard_id`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ShardCheckpoint
	for rows.Next() {
		var cp types.ShardCheckpoint
		var state string
		var version int64
		if err := rows.Scan(&cp.ShardID, &cp.ParentShardID, &cp.Sequence, &version, &state, &cp.UpdatedAt); err != nil {
			return nil, err
		}
		cp.State = types.ShardState(state)
		cp.Version = types.Version(version)
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (p *Postgres) Save(ctx context.Context, table string, cp types.ShardCheckpoint) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return persistErr("begin", err)
	}
	defer tx.Rollback(ctx)

	var prev types.ShardCheckpoint
	var state string
	err = tx.QueryRow(ctx, `
		SELECT shard_id, sequence, state FROM ddb2search_checkpoints
		WHERE table_id = $1 AND shard_id = $2 FOR UPDATE`, table, cp.ShardID).
		Scan(&prev.ShardID, &prev.Sequence, &state)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return persistErr("read", err)
	default:
		prev.State = types.ShardState(state)
		if err := Advance(&prev, cp); err != nil {
			return err
		}
	}

	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ddb2search_checkpoints (table_id, shard_id, parent_shard_id, sequence, version, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (table_id, shard_id) DO UPDATE SET
			parent_shard_id = EXCLUDED.parent_shard_id,
			sequence = EXCLUDED.sequence,
			version = EXCLUDED.version,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		table, cp.ShardID, cp.ParentShardID, cp.Sequence, int64(cp.Version), string(cp.State), cp.UpdatedAt)
	if err != nil {
		p.logger.Error("Failed to persist checkpoint",
			zap.String("table", table),
			zap.String("shard_id", cp.ShardID),
			zap.Error(err))
		return persistErr("write", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return persistErr("commit", err)
	}
	return nil
}

func (p *Postgres) Reset(ctx context.Context, table string) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM ddb2search_checkpoints WHERE table_id = $1`, table)
	batch.Queue(`DELETE FROM ddb2search_exports WHERE table_id = $1`, table)
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return persistErr("reset", err)
	}
	p.logger.Warn("Checkpoints reset", zap.String("table", table))
	return nil
}

func (p *Postgres) LoadExport(ctx context.Context, table string) (types.ExportJob, bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT job FROM ddb2search_exports WHERE table_id = $1`, table).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ExportJob{}, false, nil
	}
	if err != nil {
		return types.ExportJob{}, false, err
	}
	var job types.ExportJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return types.ExportJob{}, false, err
	}
	return job, true, nil
}

func (p *Postgres) SaveExport(ctx context.Context, table string, job types.ExportJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO ddb2search_exports (table_id, job) VALUES ($1, $2)
		ON CONFLICT (table_id) DO UPDATE SET job = EXCLUDED.job`, table, b)
	if err != nil {
		return persistErr("export", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.logger.Info("Closing postgres checkpoint store")
	p.pool.Close()
	return nil
}
