// Package postgres exposes a logical replication slot as a single-shard
// change log. Changes are released only once their transaction commits, and
// every change of a transaction shares the commit LSN as its sequence.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/stream"
	"github.com/mehmetymw/ddb2search/internal/transform"
	"github.com/mehmetymw/ddb2search/internal/types"
)

type Options struct {
	DSN               string
	Slot              string
	Publication       string
	CreatePublication bool
	CreateSlot        bool
	// Table is schema-qualified, e.g. public.items.
	Table          string
	PartitionKey   string
	SortKey        string
	ReceiveTimeout time.Duration
	StatusInterval time.Duration
}

type relation struct {
	schema  string
	table   string
	columns []*pglogrepl.RelationMessageColumn
}

type Source struct {
	opts    Options
	logger  *zap.Logger
	typeMap *pgtype.Map

	mu         sync.Mutex
	conn       *pgconn.PgConn
	setupDone  bool
	relations  map[uint32]relation
	pending    []types.ChangeEvent
	ready      []types.ChangeEvent
	confirmed  pglogrepl.LSN
	lastStatus time.Time
}

func New(opts Options, logger *zap.Logger) *Source {
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = time.Second
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 10 * time.Second
	}
	logger.Info("Creating postgres source",
		zap.String("table", opts.Table),
		zap.String("publication", opts.Publication),
		zap.String("slot", opts.Slot))
	return &Source{
		opts:      opts,
		logger:    logger,
		typeMap:   pgtype.NewMap(),
		relations: make(map[uint32]relation),
	}
}

// Shards returns the slot as the only shard. It never closes.
func (s *Source) Shards(ctx context.Context) ([]stream.Shard, error) {
	return []stream.Shard{{ID: s.opts.Slot}}, nil
}

// Open (re)starts replication. Positions other than AFTER_SEQUENCE start
// from the slot's confirmed position.
func (s *Source) Open(ctx context.Context, shardID string, pos stream.Position) (string, error) {
	if shardID != s.opts.Slot {
		return "", fmt.Errorf("%w: unknown shard %q", stream.ErrTrimmed, shardID)
	}
	start := pglogrepl.LSN(0)
	if pos.Type == stream.AfterSequence && pos.Sequence != "" {
		n, err := strconv.ParseUint(pos.Sequence, 10, 64)
		if err != nil {
			return "", fmt.Errorf("parse sequence %q: %w", pos.Sequence, err)
		}
		start = pglogrepl.LSN(n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(ctx)

	cfg, err := pgconn.ParseConfig(s.opts.DSN)
	if err != nil {
		return "", err
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["replication"] = "database"
	s.logger.Info("Connecting to PostgreSQL for replication",
		zap.String("host", cfg.Host),
		zap.Uint16("port", cfg.Port),
		zap.String("database", cfg.Database))
	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return "", types.Transient(err)
	}
	if !s.setupDone {
		if err := s.setup(ctx, conn); err != nil {
			conn.Close(ctx)
			return "", err
		}
		s.setupDone = true
	}

	err = pglogrepl.StartReplication(ctx, conn, s.opts.Slot, start, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", s.opts.Publication),
		},
	})
	if err != nil {
		conn.Close(ctx)
		return "", replicationErr(err)
	}
	s.conn = conn
	s.relations = make(map[uint32]relation)
	s.pending = nil
	s.ready = nil
	if start > s.confirmed {
		s.confirmed = start
	}
	s.lastStatus = time.Time{}
	s.logger.Info("Started PostgreSQL replication",
		zap.String("slot", s.opts.Slot),
		zap.String("lsn", start.String()))
	return shardID, nil
}

func (s *Source) setup(ctx context.Context, conn *pgconn.PgConn) error {
	if s.opts.CreatePublication {
		std, err := pgx.Connect(ctx, s.opts.DSN)
		if err != nil {
			return types.Transient(err)
		}
		defer std.Close(ctx)
		schema, table, _ := strings.Cut(s.opts.Table, ".")
		sql := "CREATE PUBLICATION " + pgx.Identifier{s.opts.Publication}.Sanitize() +
			" FOR TABLE " + pgx.Identifier{schema, table}.Sanitize()
		if _, err := std.Exec(ctx, sql); err != nil && !duplicate(err) {
			return fmt.Errorf("create publication %s: %w", s.opts.Publication, err)
		}
		s.logger.Info("Publication ready", zap.String("publication", s.opts.Publication))
	}
	if s.opts.CreateSlot {
		_, err := pglogrepl.CreateReplicationSlot(ctx, conn, s.opts.Slot, "pgoutput", pglogrepl.CreateReplicationSlotOptions{})
		if err != nil && !duplicate(err) {
			return fmt.Errorf("create replication slot %s: %w", s.opts.Slot, err)
		}
		s.logger.Info("Replication slot ready", zap.String("slot", s.opts.Slot))
	}
	return nil
}

func duplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42710"
}

// Fetch receives messages until limit committed changes are buffered or
// the receive window passes. Only whole transactions are returned.
func (s *Source) Fetch(ctx context.Context, cursor string, limit int) (stream.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return stream.Batch{}, fmt.Errorf("%w: replication not started", stream.ErrExpiredCursor)
	}
	deadline := time.Now().Add(s.opts.ReceiveTimeout)
	for len(s.ready) < limit {
		if time.Since(s.lastStatus) >= s.opts.StatusInterval {
			if err := s.sendStatusLocked(ctx); err != nil {
				return stream.Batch{}, err
			}
		}
		rctx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := s.conn.ReceiveMessage(rctx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				break
			}
			if ctx.Err() != nil {
				return stream.Batch{}, ctx.Err()
			}
			s.closeLocked(ctx)
			return stream.Batch{}, replicationErr(err)
		}
		switch msg := msg.(type) {
		case *pgproto3.CopyData:
			if err := s.copyData(ctx, msg.Data); err != nil {
				return stream.Batch{}, err
			}
		case *pgproto3.ErrorResponse:
			s.closeLocked(ctx)
			return stream.Batch{}, replicationErr(pgconn.ErrorResponseToPgError(msg))
		}
	}
	batch := stream.Batch{Records: s.ready, Next: cursor}
	s.ready = nil
	return batch, nil
}

func (s *Source) copyData(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case pglogrepl.XLogDataByteID:
		x, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return err
		}
		msg, err := pglogrepl.Parse(x.WALData)
		if err != nil {
			return fmt.Errorf("parse logical message: %w", err)
		}
		s.apply(x.WALStart, msg)
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		k, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return err
		}
		if k.ReplyRequested {
			return s.sendStatusLocked(ctx)
		}
	}
	return nil
}

// apply folds one logical message into the open transaction. Changes to
// other relations are ignored.
func (s *Source) apply(lsn pglogrepl.LSN, msg pglogrepl.Message) {
	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		s.relations[m.RelationID] = relation{schema: m.Namespace, table: m.RelationName, columns: m.Columns}
	case *pglogrepl.BeginMessage:
		s.pending = s.pending[:0]
	case *pglogrepl.InsertMessage:
		s.change(lsn, m.RelationID, types.Insert, nil, m.Tuple)
	case *pglogrepl.UpdateMessage:
		s.change(lsn, m.RelationID, types.Modify, m.OldTuple, m.NewTuple)
	case *pglogrepl.DeleteMessage:
		s.change(lsn, m.RelationID, types.Remove, m.OldTuple, nil)
	case *pglogrepl.CommitMessage:
		seq := strconv.FormatUint(uint64(m.CommitLSN), 10)
		for _, ev := range s.pending {
			ev.Sequence = seq
			ev.ApproximateTime = m.CommitTime
			s.ready = append(s.ready, ev)
		}
		if len(s.pending) > 0 {
			s.logger.Debug("Transaction committed",
				zap.String("lsn", m.CommitLSN.String()),
				zap.Int("changes", len(s.pending)))
		}
		s.pending = s.pending[:0]
	}
}

func (s *Source) change(lsn pglogrepl.LSN, relID uint32, kind types.ChangeKind, oldTuple, newTuple *pglogrepl.TupleData) {
	rel, ok := s.relations[relID]
	if !ok {
		s.logger.Warn("Change for unknown relation", zap.Uint32("relation_id", relID))
		return
	}
	if rel.schema+"."+rel.table != s.opts.Table {
		return
	}
	ev := types.ChangeEvent{
		Table:    s.opts.Table,
		ShardID:  s.opts.Slot,
		Kind:     kind,
		OldImage: s.tuple(rel, oldTuple),
		NewImage: s.tuple(rel, newTuple),
		// WAL positions grow with every message, so they order changes to
		// one row even within a transaction.
		Version: types.Version(lsn),
	}
	keys := ev.NewImage
	if kind == types.Remove {
		keys = ev.OldImage
	}
	key, err := transform.KeyOf(keys, s.opts.PartitionKey, s.opts.SortKey)
	if err != nil {
		s.logger.Warn("Change without key, check the table's replica identity",
			zap.String("table", s.opts.Table),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	ev.Key = key
	s.pending = append(s.pending, ev)
}

func (s *Source) tuple(rel relation, t *pglogrepl.TupleData) map[string]any {
	if t == nil {
		return nil
	}
	out := make(map[string]any, len(t.Columns))
	for i, col := range t.Columns {
		if i >= len(rel.columns) {
			break
		}
		name := rel.columns[i].Name
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			out[name] = nil
		case pglogrepl.TupleDataTypeToast:
			// unchanged TOAST value; not sent by the server
		case pglogrepl.TupleDataTypeText:
			out[name] = s.decode(rel.columns[i].DataType, col.Data)
		}
	}
	return out
}

func (s *Source) decode(oid uint32, data []byte) any {
	if oid == pgtype.NumericOID {
		return json.Number(data)
	}
	if dt, ok := s.typeMap.TypeForOID(oid); ok {
		v, err := dt.Codec.DecodeValue(s.typeMap, oid, pgtype.TextFormatCode, data)
		if err == nil {
			return v
		}
	}
	return string(data)
}

// Commit confirms a checkpointed commit LSN so the server can recycle WAL.
func (s *Source) Commit(ctx context.Context, shardID, sequence string) error {
	n, err := strconv.ParseUint(sequence, 10, 64)
	if err != nil {
		return fmt.Errorf("parse sequence %q: %w", sequence, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if lsn := pglogrepl.LSN(n); lsn > s.confirmed {
		s.confirmed = lsn
	}
	if s.conn == nil {
		return nil
	}
	return s.sendStatusLocked(ctx)
}

func (s *Source) sendStatusLocked(ctx context.Context) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: s.confirmed,
		WALFlushPosition: s.confirmed,
		WALApplyPosition: s.confirmed,
	})
	if err != nil {
		s.closeLocked(ctx)
		return replicationErr(err)
	}
	s.lastStatus = time.Now()
	return nil
}

func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(ctx)
	return nil
}

func (s *Source) closeLocked(ctx context.Context) {
	if s.conn != nil {
		s.conn.Close(ctx)
		s.conn = nil
	}
}

// replicationErr turns a broken replication connection into an expired
// cursor so the reader reconnects from its last checkpoint.
func replicationErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42704": // undefined_object: slot or publication is gone
			return fmt.Errorf("%w: %v", stream.ErrTrimmed, err)
		case "55006": // object_in_use: slot held by another consumer
			return types.Transient(err)
		}
		return err
	}
	return fmt.Errorf("%w: %v", stream.ErrExpiredCursor, err)
}
