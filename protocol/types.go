package protocol

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var errInvalidLength = errors.New("invalid encoded length")

// TaskID identifies a task. Encoded as unpadded base64url in URLs and JSON.
type TaskID [32]byte

// ReportID identifies a client report within a task.
type ReportID [16]byte

// BatchID identifies a fixed-size batch.
type BatchID [32]byte

// AggregationJobID identifies an aggregation job within a task.
type AggregationJobID [16]byte

// CollectionJobID identifies a collection job within a task.
type CollectionJobID [16]byte

func encodeID(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func decodeID(dst []byte, s string) error {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("%w: got %d bytes, want %d", errInvalidLength, len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}

func (id TaskID) String() string                  { return encodeID(id[:]) }
func (id TaskID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }
func (id *TaskID) UnmarshalText(text []byte) error { return decodeID(id[:], string(text)) }

func (id ReportID) String() string                  { return encodeID(id[:]) }
func (id ReportID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }
func (id *ReportID) UnmarshalText(text []byte) error { return decodeID(id[:], string(text)) }

func (id BatchID) String() string                  { return encodeID(id[:]) }
func (id BatchID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }
func (id *BatchID) UnmarshalText(text []byte) error { return decodeID(id[:], string(text)) }

func (id AggregationJobID) String() string                  { return encodeID(id[:]) }
func (id AggregationJobID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }
func (id *AggregationJobID) UnmarshalText(text []byte) error { return decodeID(id[:], string(text)) }

func (id CollectionJobID) String() string                  { return encodeID(id[:]) }
func (id CollectionJobID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }
func (id *CollectionJobID) UnmarshalText(text []byte) error { return decodeID(id[:], string(text)) }

// ParseTaskID decodes a base64url task identifier.
func ParseTaskID(s string) (TaskID, error) {
	var id TaskID
	err := decodeID(id[:], s)
	return id, err
}

// ParseAggregationJobID decodes a base64url aggregation job identifier.
func ParseAggregationJobID(s string) (AggregationJobID, error) {
	var id AggregationJobID
	err := decodeID(id[:], s)
	return id, err
}

// ParseCollectionJobID decodes a base64url collection job identifier.
func ParseCollectionJobID(s string) (CollectionJobID, error) {
	var id CollectionJobID
	err := decodeID(id[:], s)
	return id, err
}

// NewTaskID returns a random task identifier.
func NewTaskID() TaskID {
	var id TaskID
	rand.Read(id[:])
	return id
}

// NewReportID returns a random report identifier.
func NewReportID() ReportID {
	return ReportID(uuid.New())
}

// NewBatchID returns a random batch identifier.
func NewBatchID() BatchID {
	var id BatchID
	rand.Read(id[:])
	return id
}

// NewAggregationJobID returns a random aggregation job identifier.
func NewAggregationJobID() AggregationJobID {
	return AggregationJobID(uuid.New())
}

// NewCollectionJobID returns a random collection job identifier.
func NewCollectionJobID() CollectionJobID {
	return CollectionJobID(uuid.New())
}

// Time is a number of seconds since the UNIX epoch.
type Time uint64

// Duration is a number of seconds.
type Duration uint64

// FromTime converts a wall-clock time, truncating to whole seconds.
func FromTime(t time.Time) Time {
	if t.Unix() < 0 {
		return 0
	}
	return Time(t.Unix())
}

// AsTime converts to a UTC wall-clock time.
func (t Time) AsTime() time.Time { return time.Unix(int64(t), 0).UTC() }

// Add returns t + d.
func (t Time) Add(d Duration) Time { return t + Time(d) }

// Sub returns t - d, saturating at zero.
func (t Time) Sub(d Duration) Time {
	if Time(d) > t {
		return 0
	}
	return t - Time(d)
}

// Before reports whether t is strictly before u.
func (t Time) Before(u Time) bool { return t < u }

// After reports whether t is strictly after u.
func (t Time) After(u Time) bool { return t > u }

// ToBatchIntervalStart rounds t down to a multiple of precision.
func (t Time) ToBatchIntervalStart(precision Duration) Time {
	if precision == 0 {
		return t
	}
	return t - t%Time(precision)
}

// AsDuration converts to a time.Duration.
func (d Duration) AsDuration() time.Duration { return time.Duration(d) * time.Second }

// DurationFrom converts a time.Duration, truncating to whole seconds.
func DurationFrom(d time.Duration) Duration {
	if d < 0 {
		return 0
	}
	return Duration(d / time.Second)
}

// Interval is the half-open time range [Start, Start+Duration).
type Interval struct {
	Start    Time     `json:"start"`
	Duration Duration `json:"duration"`
}

// End returns the exclusive end of the interval.
func (i Interval) End() Time { return i.Start.Add(i.Duration) }

// Contains reports whether t falls inside the interval.
func (i Interval) Contains(t Time) bool { return t >= i.Start && t < i.End() }

// Overlaps reports whether the two intervals share any instant.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start < o.End() && o.Start < i.End()
}

// IsEmpty reports whether the interval has zero duration.
func (i Interval) IsEmpty() bool { return i.Duration == 0 }

// AlignedTo reports whether start and duration are both multiples of precision.
func (i Interval) AlignedTo(precision Duration) bool {
	if precision == 0 {
		return false
	}
	return uint64(i.Start)%uint64(precision) == 0 && uint64(i.Duration)%uint64(precision) == 0
}

// Merge returns the smallest interval covering both i and the instant t.
// An empty receiver yields a one-second interval at t.
func (i Interval) Merge(t Time) Interval {
	if i.IsEmpty() {
		return Interval{Start: t, Duration: 1}
	}
	start, end := i.Start, i.End()
	if t < start {
		start = t
	}
	if t+1 > end {
		end = t + 1
	}
	return Interval{Start: start, Duration: Duration(end - start)}
}

// MergeInterval returns the smallest interval covering both i and o.
func (i Interval) MergeInterval(o Interval) Interval {
	if i.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return i
	}
	start, end := i.Start, i.End()
	if o.Start < start {
		start = o.Start
	}
	if o.End() > end {
		end = o.End()
	}
	return Interval{Start: start, Duration: Duration(end - start)}
}

func (i Interval) String() string {
	return fmt.Sprintf("[%d, %d)", i.Start, i.End())
}

// Role is the part an entity plays in the protocol.
type Role string

const (
	RoleCollector Role = "collector"
	RoleClient    Role = "client"
	RoleLeader    Role = "leader"
	RoleHelper    Role = "helper"
)

// Valid reports whether r names a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCollector, RoleClient, RoleLeader, RoleHelper:
		return true
	}
	return false
}

// IsAggregator reports whether r is the leader or the helper.
func (r Role) IsAggregator() bool { return r == RoleLeader || r == RoleHelper }

// QueryTypeCode selects how reports are grouped into batches.
type QueryTypeCode string

const (
	QueryTypeTimeInterval QueryTypeCode = "time_interval"
	QueryTypeFixedSize    QueryTypeCode = "fixed_size"
)

// QueryType is a task's batch mode.
type QueryType struct {
	Code QueryTypeCode `json:"code" yaml:"code"`
	// MaxBatchSize bounds the number of reports in a fixed-size batch.
	MaxBatchSize uint64 `json:"max_batch_size,omitempty" yaml:"max_batch_size,omitempty"`
}

// TimeInterval returns the time-interval query type.
func TimeInterval() QueryType { return QueryType{Code: QueryTypeTimeInterval} }

// FixedSize returns a fixed-size query type with the given maximum batch size.
func FixedSize(maxBatchSize uint64) QueryType {
	return QueryType{Code: QueryTypeFixedSize, MaxBatchSize: maxBatchSize}
}

// FixedSizeQueryKind distinguishes fixed-size collection queries.
type FixedSizeQueryKind string

const (
	FixedSizeByBatchID    FixedSizeQueryKind = "by_batch_id"
	FixedSizeCurrentBatch FixedSizeQueryKind = "current_batch"
)

// Query is a collector's batch selection.
type Query struct {
	QueryType     QueryTypeCode      `json:"query_type"`
	BatchInterval *Interval          `json:"batch_interval,omitempty"`
	FixedSizeKind FixedSizeQueryKind `json:"fixed_size_query,omitempty"`
	BatchID       *BatchID           `json:"batch_id,omitempty"`
}

// BatchIdentifier names one batch: an interval for time-interval tasks, a
// batch id for fixed-size tasks.
type BatchIdentifier struct {
	Interval Interval
	BatchID  BatchID
	fixed    bool
}

type batchIdentifierJSON struct {
	Interval *Interval `json:"interval,omitempty"`
	BatchID  *BatchID  `json:"batch_id,omitempty"`
}

func (b BatchIdentifier) MarshalJSON() ([]byte, error) {
	if b.fixed {
		return json.Marshal(batchIdentifierJSON{BatchID: &b.BatchID})
	}
	return json.Marshal(batchIdentifierJSON{Interval: &b.Interval})
}

func (b *BatchIdentifier) UnmarshalJSON(data []byte) error {
	var raw batchIdentifierJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.BatchID != nil && raw.Interval == nil:
		*b = FixedSizeBatch(*raw.BatchID)
	case raw.Interval != nil && raw.BatchID == nil:
		*b = IntervalBatch(*raw.Interval)
	default:
		return errors.New("batch identifier needs exactly one of interval, batch_id")
	}
	return nil
}

// IntervalBatch returns the identifier of a time-interval batch.
func IntervalBatch(i Interval) BatchIdentifier { return BatchIdentifier{Interval: i} }

// FixedSizeBatch returns the identifier of a fixed-size batch.
func FixedSizeBatch(id BatchID) BatchIdentifier { return BatchIdentifier{BatchID: id, fixed: true} }

// IsFixedSize reports whether the identifier names a fixed-size batch.
func (b BatchIdentifier) IsFixedSize() bool { return b.fixed }

// Encode returns the storage form: 16 bytes (start, duration) for an
// interval, 32 bytes for a batch id.
func (b BatchIdentifier) Encode() []byte {
	if b.fixed {
		return bytes.Clone(b.BatchID[:])
	}
	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[:8], uint64(b.Interval.Start))
	binary.BigEndian.PutUint64(out[8:], uint64(b.Interval.Duration))
	return out
}

// Key returns a string usable as a map key.
func (b BatchIdentifier) Key() string { return string(b.Encode()) }

func (b BatchIdentifier) String() string {
	if b.fixed {
		return b.BatchID.String()
	}
	return b.Interval.String()
}

// DecodeBatchIdentifier reverses Encode.
func DecodeBatchIdentifier(raw []byte) (BatchIdentifier, error) {
	switch len(raw) {
	case 16:
		return IntervalBatch(Interval{
			Start:    Time(binary.BigEndian.Uint64(raw[:8])),
			Duration: Duration(binary.BigEndian.Uint64(raw[8:])),
		}), nil
	case 32:
		var id BatchID
		copy(id[:], raw)
		return FixedSizeBatch(id), nil
	}
	return BatchIdentifier{}, fmt.Errorf("%w: batch identifier of %d bytes", errInvalidLength, len(raw))
}

// ReportIDChecksum is the XOR of SHA-256 over every report id in a batch.
type ReportIDChecksum [32]byte

// ChecksumForReport returns the checksum contribution of a single report.
func ChecksumForReport(id ReportID) ReportIDChecksum {
	return ReportIDChecksum(sha256.Sum256(id[:]))
}

// Updated folds a report id into the checksum.
func (c ReportIDChecksum) Updated(id ReportID) ReportIDChecksum {
	return c.Combined(ChecksumForReport(id))
}

// Combined XORs two checksums.
func (c ReportIDChecksum) Combined(o ReportIDChecksum) ReportIDChecksum {
	var out ReportIDChecksum
	for i := range c {
		out[i] = c[i] ^ o[i]
	}
	return out
}

func (c ReportIDChecksum) MarshalText() ([]byte, error) { return []byte(encodeID(c[:])), nil }
func (c *ReportIDChecksum) UnmarshalText(text []byte) error {
	return decodeID(c[:], string(text))
}
