// Package task holds the per-task configuration every other component
// consults: role, batch mode, batch sizing, clock tolerances, keys and tokens.
package task

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/flashbots/dapagg/crypto"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/vdaf"
)

var (
	ErrInvalidTask = errors.New("invalid task")
)

// Task is one aggregation task as seen by this aggregator.
type Task struct {
	ID protocol.TaskID
	// PeerAggregatorEndpoint is the base URL of the other aggregator.
	PeerAggregatorEndpoint string
	QueryType              protocol.QueryType
	Vdaf                   vdaf.Config
	Role                   protocol.Role
	VdafVerifyKey          []byte
	MinBatchSize           uint64
	TimePrecision          protocol.Duration
	TolerableClockSkew     protocol.Duration
	// TaskExpiration, when set, is the time after which reports are refused.
	TaskExpiration *protocol.Time
	// ReportExpiryAge, when set, is the retention window for reports and
	// everything derived from them.
	ReportExpiryAge     *protocol.Duration
	CollectorHpkeConfig crypto.HpkeConfig
	// AggregatorAuthToken authenticates the leader to the helper.
	AggregatorAuthToken string
	// CollectorAuthToken authenticates the collector to the leader. Unused on
	// the helper.
	CollectorAuthToken string
	HpkeKeys           []crypto.HpkeKeypair
}

// Validate checks the task is internally consistent.
func (t *Task) Validate() error {
	if t.Role != protocol.RoleLeader && t.Role != protocol.RoleHelper {
		return fmt.Errorf("%w: role %q", ErrInvalidTask, t.Role)
	}
	u, err := url.Parse(t.PeerAggregatorEndpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: peer endpoint %q", ErrInvalidTask, t.PeerAggregatorEndpoint)
	}
	switch t.QueryType.Code {
	case protocol.QueryTypeTimeInterval:
	case protocol.QueryTypeFixedSize:
		if t.QueryType.MaxBatchSize < t.MinBatchSize {
			return fmt.Errorf("%w: max batch size %d below min batch size %d",
				ErrInvalidTask, t.QueryType.MaxBatchSize, t.MinBatchSize)
		}
	default:
		return fmt.Errorf("%w: query type %q", ErrInvalidTask, t.QueryType.Code)
	}
	v, err := vdaf.New(t.Vdaf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if len(t.VdafVerifyKey) != v.VerifyKeySize() {
		return fmt.Errorf("%w: verify key of %d bytes, want %d", ErrInvalidTask, len(t.VdafVerifyKey), v.VerifyKeySize())
	}
	if t.MinBatchSize == 0 {
		return fmt.Errorf("%w: min batch size must be positive", ErrInvalidTask)
	}
	if t.TimePrecision == 0 {
		return fmt.Errorf("%w: time precision must be positive", ErrInvalidTask)
	}
	if len(t.HpkeKeys) == 0 {
		return fmt.Errorf("%w: no HPKE keys", ErrInvalidTask)
	}
	seen := make(map[uint8]bool)
	for _, kp := range t.HpkeKeys {
		if seen[kp.Config.ID] {
			return fmt.Errorf("%w: duplicate HPKE config id %d", ErrInvalidTask, kp.Config.ID)
		}
		seen[kp.Config.ID] = true
	}
	if t.AggregatorAuthToken == "" {
		return fmt.Errorf("%w: missing aggregator auth token", ErrInvalidTask)
	}
	if t.Role == protocol.RoleLeader && t.CollectorAuthToken == "" {
		return fmt.Errorf("%w: leader needs a collector auth token", ErrInvalidTask)
	}
	return nil
}

// VdafInstance returns the task's VDAF.
func (t *Task) VdafInstance() (vdaf.Vdaf, error) {
	return vdaf.New(t.Vdaf)
}

// IsFixedSize reports whether the task groups reports into fixed-size batches.
func (t *Task) IsFixedSize() bool { return t.QueryType.Code == protocol.QueryTypeFixedSize }

// HpkeKeypair returns the keypair for a config id.
func (t *Task) HpkeKeypair(id uint8) (*crypto.HpkeKeypair, bool) {
	for i := range t.HpkeKeys {
		if t.HpkeKeys[i].Config.ID == id {
			return &t.HpkeKeys[i], true
		}
	}
	return nil, false
}

// CurrentHpkeConfig is the config advertised to clients: the last one added.
func (t *Task) CurrentHpkeConfig() crypto.HpkeConfig {
	return t.HpkeKeys[len(t.HpkeKeys)-1].Config
}

// BatchIntervalFor returns the time-precision-aligned window containing ts.
func (t *Task) BatchIntervalFor(ts protocol.Time) protocol.Interval {
	return protocol.Interval{Start: ts.ToBatchIntervalStart(t.TimePrecision), Duration: t.TimePrecision}
}

// ValidateBatchInterval checks a collection interval is aligned and at least
// one time precision long.
func (t *Task) ValidateBatchInterval(i protocol.Interval) error {
	if i.Duration < t.TimePrecision || !i.AlignedTo(t.TimePrecision) {
		return fmt.Errorf("batch interval %s not aligned to time precision %d", i, t.TimePrecision)
	}
	return nil
}

// ReportExpired reports whether a report with timestamp ts is past the
// task's report expiry age at now.
func (t *Task) ReportExpired(now, ts protocol.Time) bool {
	if t.ReportExpiryAge == nil {
		return false
	}
	return ts.Add(*t.ReportExpiryAge).Before(now)
}

// ReportTooEarly reports whether ts lies beyond now plus the tolerable skew.
func (t *Task) ReportTooEarly(now, ts protocol.Time) bool {
	return ts.After(now.Add(t.TolerableClockSkew))
}

// Expired reports whether the task stopped accepting reports at now.
func (t *Task) Expired(now protocol.Time) bool {
	return t.TaskExpiration != nil && t.TaskExpiration.Before(now)
}

// ExpiryCutoff returns the time before which data may be garbage collected,
// and false if the task retains data forever.
func (t *Task) ExpiryCutoff(now protocol.Time) (protocol.Time, bool) {
	if t.ReportExpiryAge == nil {
		return 0, false
	}
	return now.Sub(*t.ReportExpiryAge), true
}

// PeerURL joins a path onto the peer aggregator endpoint.
func (t *Task) PeerURL(path string) string {
	return strings.TrimRight(t.PeerAggregatorEndpoint, "/") + "/" + strings.TrimLeft(path, "/")
}

// CheckAggregatorAuthToken compares in constant time.
func (t *Task) CheckAggregatorAuthToken(token string) bool {
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(t.AggregatorAuthToken)) == 1
}

// CheckCollectorAuthToken compares in constant time.
func (t *Task) CheckCollectorAuthToken(token string) bool {
	return t.CollectorAuthToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(t.CollectorAuthToken)) == 1
}
