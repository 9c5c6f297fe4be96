package types

import (
	"strings"
	"time"
)

// CompareSequence compares two decimal sequence numbers of arbitrary
// length. The empty string sorts before every sequence.
func CompareSequence(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

const versionScale = 1_000_000

// VersionAt is the smallest version derived from a millisecond timestamp.
func VersionAt(millis int64) Version {
	if millis < 0 {
		millis = 0
	}
	return Version(millis * versionScale)
}

// ExportVersion is the version of every row of an export taken at t. Stream
// timestamps only carry whole seconds, so the export's second is used and
// any change stamped in that second or later outranks the row.
func ExportVersion(t time.Time) Version {
	return VersionAt(t.Truncate(time.Second).UnixMilli())
}

// NextVersion derives the version for an event at millis that follows
// previous in the same shard lineage. It is always above previous.
func NextVersion(previous Version, millis int64) Version {
	v := VersionAt(millis) + 1
	if v <= previous {
		v = previous + 1
	}
	return v
}
