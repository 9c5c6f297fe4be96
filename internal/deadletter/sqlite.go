package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id            TEXT PRIMARY KEY,
	doc_id        TEXT NOT NULL,
	idx           TEXT NOT NULL,
	category      TEXT NOT NULL,
	attempts      INTEGER NOT NULL,
	first_failure TEXT NOT NULL,
	last_failure  TEXT NOT NULL,
	record        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS dead_letters_doc ON dead_letters (idx, doc_id);`

// SQLite is a local dead-letter store that operators can query.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to dead-letter database: %w", err)
	}
	// single writer avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply dead-letter schema: %w", err)
	}
	logger.Info("Opened sqlite dead-letter store", zap.String("path", path))
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Append(ctx context.Context, rec types.DeadLetterRecord) error {
	rec = Stamp(rec)
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, doc_id, idx, category, attempts, first_failure, last_failure, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Document.ID, rec.Document.Index, string(rec.Category), rec.Attempts,
		rec.FirstFailure.Format(time.RFC3339Nano), rec.LastFailure.Format(time.RFC3339Nano), string(b))
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// List returns up to limit records, newest first. An empty category
// matches every category.
func (s *SQLite) List(ctx context.Context, category string, limit int) ([]types.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM dead_letters
		WHERE (? = '' OR category = ?)
		ORDER BY last_failure DESC LIMIT ?`, category, category, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.DeadLetterRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec types.DeadLetterRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
