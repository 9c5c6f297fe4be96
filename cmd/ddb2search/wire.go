package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/checkpoint"
	"github.com/mehmetymw/ddb2search/internal/config"
	"github.com/mehmetymw/ddb2search/internal/deadletter"
	"github.com/mehmetymw/ddb2search/internal/pipeline"
	"github.com/mehmetymw/ddb2search/internal/sink/opensearch"
	"github.com/mehmetymw/ddb2search/internal/source/dynamodb"
	"github.com/mehmetymw/ddb2search/internal/source/postgres"
)

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Type {
	case "pebble":
		store, err := checkpoint.OpenPebble(cfg.Checkpoint.Pebble.Path, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := checkpoint.OpenPostgres(ctx, cfg.Checkpoint.Postgres.DSN, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		logger.Warn("Using in-memory checkpoints, progress is lost on restart")
		return checkpoint.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown checkpoint type %q", cfg.Checkpoint.Type)
}

func needsAWS(cfg config.Config) bool {
	return cfg.Source.Type == "dynamodb" || cfg.DLQ.Type == "s3" || cfg.Sink.OpenSearch.AWSSigV4
}

func openDeadLetter(cfg config.Config, clients *dynamodb.Clients, logger *zap.Logger) (deadletter.Sink, error) {
	switch cfg.DLQ.Type {
	case "none":
		logger.Warn("No dead-letter sink configured, failed documents are only logged")
		return deadletter.Discard{}, nil
	case "s3":
		return deadletter.NewS3(clients.S3(cfg.DLQ.S3.Region), cfg.DLQ.S3.Bucket, cfg.DLQ.S3.KeyPathPrefix, logger), nil
	case "kafka":
		return deadletter.NewKafka(cfg.DLQ.Kafka.Brokers, cfg.DLQ.Kafka.Topic, logger), nil
	case "sqlite":
		dlq, err := deadletter.OpenSQLite(cfg.DLQ.SQLite.Path, logger)
		if err != nil {
			return nil, err
		}
		return dlq, nil
	}
	return nil, fmt.Errorf("unknown dlq type %q", cfg.DLQ.Type)
}

func openIndex(cfg config.Config, clients *dynamodb.Clients, logger *zap.Logger) (*opensearch.Client, error) {
	sc := cfg.Sink.OpenSearch
	opts := opensearch.Options{
		Hosts:    sc.Hosts,
		Username: sc.Username,
		Password: sc.Password,
		Timeout:  config.Millis(sc.TimeoutMs),
		Region:   sc.Region,
		Service:  sc.Service,
	}
	if sc.AWSSigV4 {
		opts.Credentials = clients.Config.Credentials
	}
	return opensearch.New(opts, logger)
}

// buildTables resolves each configured table into its source adapters.
// DynamoDB key schemas come from DescribeTable unless configured.
func buildTables(ctx context.Context, cfg config.Config, clients *dynamodb.Clients, logger *zap.Logger) ([]pipeline.Table, []func(context.Context) error, error) {
	var tables []pipeline.Table
	var closers []func(context.Context) error
	for _, t := range cfg.Source.Tables {
		tbl := pipeline.Table{Config: t, PartitionKey: t.Key.Partition, SortKey: t.Key.Sort}
		switch cfg.Source.Type {
		case "dynamodb":
			info, err := dynamodb.DescribeTable(ctx, clients.DynamoDB, t.Table)
			if err != nil {
				return nil, closers, fmt.Errorf("describe table %s: %w", t.Table, err)
			}
			if tbl.PartitionKey == "" {
				tbl.PartitionKey, tbl.SortKey = info.Key.Partition, info.Key.Sort
			}
			key := dynamodb.KeySchema{Partition: tbl.PartitionKey, Sort: tbl.SortKey}
			if t.Stream.Enabled {
				if err := info.CheckStream(); err != nil {
					return nil, closers, err
				}
				tbl.Stream = dynamodb.NewStreamSource(clients.Streams, info.StreamArn, key, logger)
			}
			if t.Export.Enabled {
				tbl.Export = dynamodb.NewExportSource(clients.DynamoDB, clients.S3(t.Export.S3Region), info.Arn, t.Export.S3Bucket, t.Export.S3Prefix, logger)
			}
			logger.Info("Resolved table",
				zap.String("table", t.Table),
				zap.String("partition_key", key.Partition),
				zap.String("sort_key", key.Sort),
				zap.String("stream_arn", info.StreamArn))
		case "postgres":
			pg := cfg.Source.Postgres
			src := postgres.New(postgres.Options{
				DSN:               pg.DSN,
				Slot:              pg.Slot,
				Publication:       pg.Publication,
				CreatePublication: pg.CreatePublication,
				CreateSlot:        pg.CreateSlot,
				Table:             t.Table,
				PartitionKey:      tbl.PartitionKey,
				SortKey:           tbl.SortKey,
			}, logger)
			tbl.Stream = src
			closers = append(closers, src.Close)
		default:
			return nil, closers, fmt.Errorf("unknown source type %q", cfg.Source.Type)
		}
		tables = append(tables, tbl)
	}
	return tables, closers, nil
}
