package config

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalid = errors.New("invalid pipeline definition")

// Validate reports every problem found in the definition at once.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Version != "2" {
		add("version: unsupported %q", c.Version)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("log.level: unknown %q", c.Log.Level)
	}

	switch c.Source.Type {
	case "dynamodb":
		if c.Source.AWS.Region == "" {
			add("source.aws.region: required for dynamodb")
		}
	case "postgres":
		if c.Source.Postgres.DSN == "" {
			add("source.postgres.dsn: required")
		}
		if c.Source.Postgres.Slot == "" {
			add("source.postgres.slot: required")
		}
		if c.Source.Postgres.Publication == "" {
			add("source.postgres.publication: required")
		}
	default:
		add("source.type: unknown %q", c.Source.Type)
	}

	if len(c.Source.Tables) == 0 {
		add("source.tables: at least one table is required")
	}
	seen := make(map[string]bool)
	indexes := make(map[string]bool)
	for i, t := range c.Source.Tables {
		p := fmt.Sprintf("source.tables[%d]", i)
		if t.Table == "" {
			add("%s.table: required", p)
		}
		if seen[t.Table] {
			add("%s.table: %q listed twice", p, t.Table)
		}
		seen[t.Table] = true
		if t.Index == "" {
			add("%s.index: required", p)
		} else if t.Index != strings.ToLower(t.Index) {
			add("%s.index: %q must be lowercase", p, t.Index)
		}
		if indexes[t.Index] && t.Index != "" {
			add("%s.index: %q already used by another table", p, t.Index)
		}
		indexes[t.Index] = true
		if !t.Stream.Enabled && !t.Export.Enabled {
			add("%s: stream and export are both disabled", p)
		}
		if t.Stream.Enabled && t.Stream.StartPosition != "LATEST" {
			add("%s.stream.start_position: only LATEST is supported, got %q", p, t.Stream.StartPosition)
		}
		if t.Export.Enabled {
			if c.Source.Type != "dynamodb" {
				add("%s.export: only supported for dynamodb sources", p)
			}
			if t.Export.S3Bucket == "" {
				add("%s.export.s3_bucket: required", p)
			}
		}
		if t.Key.Sort != "" && t.Key.Partition == "" {
			add("%s.key: sort key without partition key", p)
		}
		if c.Source.Type == "postgres" && t.Key.Partition == "" {
			add("%s.key.partition: required for postgres", p)
		}
		if c.Source.Type == "postgres" && !strings.Contains(t.Table, ".") {
			add("%s.table: postgres tables are schema-qualified, got %q", p, t.Table)
		}
	}
	// one replication slot backs one shard, so one table per pipeline
	if c.Source.Type == "postgres" && len(c.Source.Tables) > 1 {
		add("source.tables: postgres pipelines replicate exactly one table")
	}

	if len(c.Sink.OpenSearch.Hosts) == 0 {
		add("sink.opensearch.hosts: at least one host is required")
	}
	for i, h := range c.Sink.OpenSearch.Hosts {
		if !strings.HasPrefix(h, "http://") && !strings.HasPrefix(h, "https://") {
			add("sink.opensearch.hosts[%d]: %q needs an http(s) scheme", i, h)
		}
	}
	if c.Sink.OpenSearch.AWSSigV4 {
		if c.Sink.OpenSearch.Region == "" {
			add("sink.opensearch.region: required with aws_sigv4")
		}
		if c.Sink.OpenSearch.Service != "es" && c.Sink.OpenSearch.Service != "aoss" {
			add("sink.opensearch.service: must be es or aoss, got %q", c.Sink.OpenSearch.Service)
		}
		if c.Sink.OpenSearch.Username != "" {
			add("sink.opensearch: username/password and aws_sigv4 are exclusive")
		}
	}
	if c.Sink.MaxBackoffMs < c.Sink.InitialBackoffMs {
		add("sink.max_backoff_ms: below initial_backoff_ms")
	}
	if c.Sink.QueueSize < c.Sink.BatchSize {
		add("sink.queue_size: %d is smaller than batch_size %d", c.Sink.QueueSize, c.Sink.BatchSize)
	}

	switch c.DLQ.Type {
	case "none":
	case "s3":
		if c.DLQ.S3.Bucket == "" {
			add("dlq.s3.bucket: required")
		}
		if c.DLQ.S3.Region == "" {
			add("dlq.s3.region: required")
		}
	case "kafka":
		if len(c.DLQ.Kafka.Brokers) == 0 || c.DLQ.Kafka.Topic == "" {
			add("dlq.kafka: brokers and topic are required")
		}
	case "sqlite":
		if c.DLQ.SQLite.Path == "" {
			add("dlq.sqlite.path: required")
		}
	default:
		add("dlq.type: unknown %q", c.DLQ.Type)
	}

	switch c.Checkpoint.Type {
	case "pebble", "memory":
	case "postgres":
		if c.Checkpoint.Postgres.DSN == "" {
			add("checkpoint.postgres.dsn: required")
		}
	default:
		add("checkpoint.type: unknown %q", c.Checkpoint.Type)
	}

	switch c.Stream.OnGap {
	case "fail":
	case "reexport":
		for i, t := range c.Source.Tables {
			if !t.Export.Enabled {
				add("stream.on_gap: reexport needs export enabled on source.tables[%d]", i)
			}
		}
	default:
		add("stream.on_gap: must be fail or reexport, got %q", c.Stream.OnGap)
	}

	if c.Capacity.MinUnits > c.Capacity.MaxUnits {
		add("capacity: min_units %d exceeds max_units %d", c.Capacity.MinUnits, c.Capacity.MaxUnits)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  %s", ErrInvalid, strings.Join(problems, "\n  "))
	}
	return nil
}
