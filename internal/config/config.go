package config

import (
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type AWSConfig struct {
	Region     string `yaml:"region"`
	StsRoleArn string `yaml:"sts_role_arn"`
	Endpoint   string `yaml:"endpoint"`
}

type PostgresSource struct {
	DSN               string `yaml:"dsn"`
	Slot              string `yaml:"slot"`
	Publication       string `yaml:"publication"`
	CreatePublication bool   `yaml:"create_publication"`
	CreateSlot        bool   `yaml:"create_slot"`
}

type KeySchema struct {
	Partition string `yaml:"partition"`
	Sort      string `yaml:"sort"`
}

type StreamOptions struct {
	Enabled       bool   `yaml:"enabled"`
	StartPosition string `yaml:"start_position"`
}

type ExportOptions struct {
	Enabled  bool   `yaml:"enabled"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Region string `yaml:"s3_region"`
	S3Prefix string `yaml:"s3_prefix"`
}

type Table struct {
	Table  string        `yaml:"table"`
	Index  string        `yaml:"index"`
	Key    KeySchema     `yaml:"key"`
	Stream StreamOptions `yaml:"stream"`
	Export ExportOptions `yaml:"export"`
}

type SourceConfig struct {
	Type            string         `yaml:"type"`
	Acknowledgments *bool          `yaml:"acknowledgments"`
	AWS             AWSConfig      `yaml:"aws"`
	Postgres        PostgresSource `yaml:"postgres"`
	Tables          []Table        `yaml:"tables"`
}

// Acked reports whether checkpoints wait for sink outcomes. It defaults to true.
func (s SourceConfig) Acked() bool {
	return s.Acknowledgments == nil || *s.Acknowledgments
}

type OpenSearchSink struct {
	Hosts     []string `yaml:"hosts"`
	AWSSigV4  bool     `yaml:"aws_sigv4"`
	Service   string   `yaml:"service"`
	Region    string   `yaml:"region"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	TimeoutMs int      `yaml:"timeout_ms"`
}

type SinkConfig struct {
	OpenSearch       OpenSearchSink `yaml:"opensearch"`
	BatchSize        int            `yaml:"batch_size"`
	FlushIntervalMs  int            `yaml:"flush_interval_ms"`
	QueueSize        int            `yaml:"queue_size"`
	MaxAttempts      int            `yaml:"max_attempts"`
	InitialBackoffMs int            `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int            `yaml:"max_backoff_ms"`
	MaxDocumentBytes int            `yaml:"max_document_bytes"`
}

type S3DLQ struct {
	Bucket        string `yaml:"bucket"`
	KeyPathPrefix string `yaml:"key_path_prefix"`
	Region        string `yaml:"region"`
}

type KafkaDLQ struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type SQLiteDLQ struct {
	Path string `yaml:"path"`
}

type DLQConfig struct {
	Type   string    `yaml:"type"`
	S3     S3DLQ     `yaml:"s3"`
	Kafka  KafkaDLQ  `yaml:"kafka"`
	SQLite SQLiteDLQ `yaml:"sqlite"`
}

type CheckpointConfig struct {
	Type   string `yaml:"type"`
	Pebble struct {
		Path string `yaml:"path"`
	} `yaml:"pebble"`
	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`
}

type ExportConfig struct {
	PollIntervalMs  int `yaml:"poll_interval_ms"`
	TimeoutMs       int `yaml:"timeout_ms"`
	MaxAttempts     int `yaml:"max_attempts"`
	BackoffMs       int `yaml:"backoff_ms"`
	FileConcurrency int `yaml:"file_concurrency"`
}

type StreamConfig struct {
	PollIntervalMs      int     `yaml:"poll_interval_ms"`
	DiscoveryIntervalMs int     `yaml:"discovery_interval_ms"`
	RecordsLimit        int     `yaml:"records_limit"`
	GetRecordsRPS       float64 `yaml:"get_records_rps"`
	OnGap               string  `yaml:"on_gap"`
}

type CapacityConfig struct {
	MinUnits         int `yaml:"min_units"`
	MaxUnits         int `yaml:"max_units"`
	IntervalMs       int `yaml:"interval_ms"`
	ScaleUpSamples   int `yaml:"scale_up_samples"`
	ScaleDownSamples int `yaml:"scale_down_samples"`
	LowWatermark     int `yaml:"low_watermark"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Version    string           `yaml:"version"`
	Name       string           `yaml:"name"`
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Source     SourceConfig     `yaml:"source"`
	Sink       SinkConfig       `yaml:"sink"`
	DLQ        DLQConfig        `yaml:"dlq"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Export     ExportConfig     `yaml:"export"`
	Stream     StreamConfig     `yaml:"stream"`
	Capacity   CapacityConfig   `yaml:"capacity"`
}

func LoadFromEnv() (Config, error) {
	_ = godotenv.Load()
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		return Config{}, errors.New("CONFIG_PATH is not set")
	}
	return Load(path)
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes, defaults and validates a pipeline definition.
func Parse(b []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = "2"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Source.Type == "" {
		c.Source.Type = "dynamodb"
	}
	for i := range c.Source.Tables {
		t := &c.Source.Tables[i]
		if t.Stream.Enabled && t.Stream.StartPosition == "" {
			t.Stream.StartPosition = "LATEST"
		}
		if t.Export.S3Region == "" {
			t.Export.S3Region = c.Source.AWS.Region
		}
	}
	if c.Sink.OpenSearch.Service == "" {
		c.Sink.OpenSearch.Service = "es"
	}
	if c.Sink.OpenSearch.Region == "" {
		c.Sink.OpenSearch.Region = c.Source.AWS.Region
	}
	if c.Sink.OpenSearch.TimeoutMs <= 0 {
		c.Sink.OpenSearch.TimeoutMs = 30000
	}
	if c.Sink.BatchSize <= 0 {
		c.Sink.BatchSize = 100
	}
	if c.Sink.FlushIntervalMs <= 0 {
		c.Sink.FlushIntervalMs = 500
	}
	if c.Sink.QueueSize <= 0 {
		c.Sink.QueueSize = 10000
	}
	if c.Sink.MaxAttempts <= 0 {
		c.Sink.MaxAttempts = 5
	}
	if c.Sink.InitialBackoffMs <= 0 {
		c.Sink.InitialBackoffMs = 200
	}
	if c.Sink.MaxBackoffMs <= 0 {
		c.Sink.MaxBackoffMs = 10000
	}
	if c.DLQ.Type == "" {
		c.DLQ.Type = "none"
	}
	if c.DLQ.S3.Region == "" {
		c.DLQ.S3.Region = c.Source.AWS.Region
	}
	if c.Checkpoint.Type == "" {
		c.Checkpoint.Type = "pebble"
	}
	if c.Checkpoint.Pebble.Path == "" {
		c.Checkpoint.Pebble.Path = "./state"
	}
	if c.Export.PollIntervalMs <= 0 {
		c.Export.PollIntervalMs = 10000
	}
	if c.Export.TimeoutMs <= 0 {
		c.Export.TimeoutMs = int((2 * time.Hour).Milliseconds())
	}
	if c.Export.MaxAttempts <= 0 {
		c.Export.MaxAttempts = 3
	}
	if c.Export.BackoffMs <= 0 {
		c.Export.BackoffMs = 30000
	}
	if c.Export.FileConcurrency <= 0 {
		c.Export.FileConcurrency = 4
	}
	if c.Stream.PollIntervalMs <= 0 {
		c.Stream.PollIntervalMs = 1000
	}
	if c.Stream.DiscoveryIntervalMs <= 0 {
		c.Stream.DiscoveryIntervalMs = 60000
	}
	if c.Stream.RecordsLimit <= 0 {
		c.Stream.RecordsLimit = 1000
	}
	if c.Stream.GetRecordsRPS <= 0 {
		c.Stream.GetRecordsRPS = 5
	}
	if c.Stream.OnGap == "" {
		c.Stream.OnGap = "fail"
	}
	if c.Capacity.MinUnits <= 0 {
		c.Capacity.MinUnits = 1
	}
	if c.Capacity.MaxUnits <= 0 {
		c.Capacity.MaxUnits = 4
	}
	if c.Capacity.IntervalMs <= 0 {
		c.Capacity.IntervalMs = 5000
	}
	if c.Capacity.ScaleUpSamples <= 0 {
		c.Capacity.ScaleUpSamples = 3
	}
	if c.Capacity.ScaleDownSamples <= 0 {
		c.Capacity.ScaleDownSamples = 6
	}
	if c.Capacity.LowWatermark <= 0 {
		c.Capacity.LowWatermark = 10
	}
}

func Millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
