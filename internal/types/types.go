package types

import (
	"time"
)

type ChangeKind string

const (
	Insert ChangeKind = "INSERT"
	Modify ChangeKind = "MODIFY"
	Remove ChangeKind = "REMOVE"
)

func (k ChangeKind) Valid() bool {
	return k == Insert || k == Modify || k == Remove
}

// Version totally orders writes to one document id. It is sent to the
// destination as an external version, so it must stay non-negative.
type Version int64

// Key is the primary key of a source item. An empty Sort means the table
// has no sort key.
type Key struct {
	Partition string
	Sort      string
}

func (k Key) IsZero() bool { return k.Partition == "" }

type SourceItem struct {
	Key        Key
	Attributes map[string]any
	Kind       ChangeKind
	ModifiedAt time.Time
}

// ChangeEvent is one record read from a shard of the change log.
type ChangeEvent struct {
	Table           string
	ShardID         string
	Sequence        string
	Kind            ChangeKind
	Key             Key
	OldImage        map[string]any
	NewImage        map[string]any
	ApproximateTime time.Time
	Version         Version
}

// Item returns the image that describes the item after the change. For a
// removal that is the old image, which still carries the key.
func (e ChangeEvent) Item() SourceItem {
	attrs := e.NewImage
	if e.Kind == Remove || attrs == nil {
		attrs = e.OldImage
	}
	return SourceItem{Key: e.Key, Attributes: attrs, Kind: e.Kind, ModifiedAt: e.ApproximateTime}
}

type ShardState string

const (
	ShardDiscovered ShardState = "DISCOVERED"
	ShardOpen       ShardState = "OPEN"
	ShardClosed     ShardState = "CLOSED"
	ShardExhausted  ShardState = "EXHAUSTED"
)

type ShardCheckpoint struct {
	ShardID       string     `json:"shard_id"`
	ParentShardID string     `json:"parent_shard_id,omitempty"`
	Sequence      string     `json:"sequence,omitempty"`
	Version       Version    `json:"version"`
	State         ShardState `json:"state"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type ExportStatus string

const (
	ExportPending    ExportStatus = "PENDING"
	ExportInProgress ExportStatus = "IN_PROGRESS"
	ExportCompleted  ExportStatus = "COMPLETED"
	ExportFailed     ExportStatus = "FAILED"
)

func (s ExportStatus) Terminal() bool {
	return s == ExportCompleted || s == ExportFailed
}

type ExportJob struct {
	ID               string       `json:"id"`
	TableID          string       `json:"table_id"`
	RequestedAt      time.Time    `json:"requested_at"`
	ExportTime       time.Time    `json:"export_time"`
	ManifestLocation string       `json:"manifest_location,omitempty"`
	Status           ExportStatus `json:"status"`
	FailureMessage   string       `json:"failure_message,omitempty"`
	ItemCount        int64        `json:"item_count,omitempty"`
	BackfillDone     bool         `json:"backfill_done,omitempty"`
}

type Action string

const (
	ActionIndex  Action = "index"
	ActionDelete Action = "delete"
)

type Origin string

const (
	OriginBackfill Origin = "backfill"
	OriginStream   Origin = "stream"
)

type IndexDocument struct {
	ID      string         `json:"id"`
	Index   string         `json:"index"`
	Version Version        `json:"version"`
	Action  Action         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
	Origin  Origin         `json:"origin"`
}

type Outcome string

const (
	Accepted         Outcome = "ACCEPTED"
	Superseded       Outcome = "SUPERSEDED"
	TransientFailure Outcome = "TRANSIENT_FAILURE"
	PermanentFailure Outcome = "PERMANENT_FAILURE"
)

// Applied reports whether the outcome leaves the destination converged for
// that write: either it was stored or a newer version already was.
func (o Outcome) Applied() bool {
	return o == Accepted || o == Superseded
}

type WriteResult struct {
	ID       string
	Outcome  Outcome
	Status   int
	Reason   string
	Category FailureCategory
	Attempts int
	// DeadLettered is set once a failed document is stored in the
	// dead-letter sink.
	DeadLettered bool
}

// Settled reports whether nothing further will happen to the write.
func (r WriteResult) Settled() bool {
	return r.Outcome.Applied() || r.DeadLettered
}

type FailureCategory string

const (
	CategoryValidation FailureCategory = "validation"
	CategoryRejected   FailureCategory = "rejected"
	CategoryTransient  FailureCategory = "transient"
)

type DeadLetterRecord struct {
	ID           string          `json:"id"`
	Document     IndexDocument   `json:"document"`
	Category     FailureCategory `json:"category"`
	Reason       string          `json:"reason"`
	Status       int             `json:"status,omitempty"`
	Attempts     int             `json:"attempts"`
	FirstFailure time.Time       `json:"first_failure"`
	LastFailure  time.Time       `json:"last_failure"`
}
