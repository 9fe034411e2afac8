package testutil

import (
	"context"
	"crypto/rand"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flashbots/dapagg/client"
	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/crypto"
	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
	"github.com/flashbots/dapagg/vdaf"
)

// StartTime is a fixed, hour-aligned instant tests start their clocks at.
var StartTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewMockClock returns a mock clock set to StartTime.
func NewMockClock() *clock.Mock { return clock.NewMock(StartTime) }

// NewEphemeralDatastore returns an in-memory store closed at test cleanup.
func NewEphemeralDatastore(t testing.TB, c clock.Clock) *datastore.MemoryStore {
	t.Helper()
	s := datastore.NewMemoryStore(c)
	t.Cleanup(func() { s.Close() })
	return s
}

// testWriter forwards log lines to t.Log so they show up next to the
// failing test.
type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// NewLogger returns a debug-level logger writing through t.Log.
func NewLogger(t testing.TB) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// RandomBytes returns n random bytes.
func RandomBytes(t testing.TB, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// TaskOption modifies a task built by NewTask or NewTaskPair.
type TaskOption func(*task.Task)

func WithRole(r protocol.Role) TaskOption { return func(t *task.Task) { t.Role = r } }

func WithFixedSize(maxBatchSize uint64) TaskOption {
	return func(t *task.Task) { t.QueryType = protocol.FixedSize(maxBatchSize) }
}

func WithMinBatchSize(n uint64) TaskOption { return func(t *task.Task) { t.MinBatchSize = n } }

func WithTimePrecision(d protocol.Duration) TaskOption {
	return func(t *task.Task) { t.TimePrecision = d }
}

func WithReportExpiryAge(d protocol.Duration) TaskOption {
	return func(t *task.Task) { t.ReportExpiryAge = &d }
}

func WithTaskExpiration(ts protocol.Time) TaskOption {
	return func(t *task.Task) { t.TaskExpiration = &ts }
}

func WithPeerEndpoint(url string) TaskOption {
	return func(t *task.Task) { t.PeerAggregatorEndpoint = url }
}

// NewTask builds a valid leader task for the count VDAF over hourly
// time-interval batches.
func NewTask(t testing.TB, opts ...TaskOption) *task.Task {
	t.Helper()
	kp, err := crypto.GenerateHpkeKeypair(1)
	require.NoError(t, err)
	collector, err := crypto.GenerateHpkeKeypair(200)
	require.NoError(t, err)

	tk := &task.Task{
		ID:                     protocol.NewTaskID(),
		PeerAggregatorEndpoint: "http://helper.invalid/",
		QueryType:              protocol.TimeInterval(),
		Vdaf:                   vdaf.Config{Type: vdaf.TypeCount},
		Role:                   protocol.RoleLeader,
		VdafVerifyKey:          RandomBytes(t, 16),
		MinBatchSize:           1,
		TimePrecision:          3600,
		TolerableClockSkew:     60,
		CollectorHpkeConfig:    collector.Config,
		AggregatorAuthToken:    "aggregator-" + protocol.NewTaskID().String(),
		CollectorAuthToken:     "collector-" + protocol.NewTaskID().String(),
		HpkeKeys:               []crypto.HpkeKeypair{*kp},
	}
	for _, opt := range opts {
		opt(tk)
	}
	require.NoError(t, tk.Validate())
	return tk
}

// TaskPair is one task as provisioned on both aggregators, plus the
// collector's keypair.
type TaskPair struct {
	Leader    *task.Task
	Helper    *task.Task
	Collector *crypto.HpkeKeypair
}

// NewTaskPair builds matching leader and helper tasks. Options apply to both.
func NewTaskPair(t testing.TB, leaderURL, helperURL string, opts ...TaskOption) *TaskPair {
	t.Helper()
	collector, err := crypto.GenerateHpkeKeypair(200)
	require.NoError(t, err)

	leader := NewTask(t, opts...)
	leader.Role = protocol.RoleLeader
	leader.PeerAggregatorEndpoint = helperURL
	leader.CollectorHpkeConfig = collector.Config

	helperKey, err := crypto.GenerateHpkeKeypair(2)
	require.NoError(t, err)
	helper := *leader
	helper.Role = protocol.RoleHelper
	helper.PeerAggregatorEndpoint = leaderURL
	helper.CollectorAuthToken = ""
	helper.HpkeKeys = []crypto.HpkeKeypair{*helperKey}
	require.NoError(t, helper.Validate())

	return &TaskPair{Leader: leader, Helper: &helper, Collector: collector}
}

// Client returns a report client for the pair that never touches the network
// unless UploadReport is used.
func (p *TaskPair) Client(t testing.TB, leaderURL string, opts ...client.Option) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{
		TaskID:         p.Leader.ID,
		LeaderEndpoint: leaderURL,
		HelperEndpoint: p.Leader.PeerAggregatorEndpoint,
		Vdaf:           p.Leader.Vdaf,
		TimePrecision:  p.Leader.TimePrecision,
	}, p.Leader.CurrentHpkeConfig(), p.Helper.CurrentHpkeConfig(), opts...)
	require.NoError(t, err)
	return c
}

// GenerateReport prepares a report for measurement at ts.
func (p *TaskPair) GenerateReport(t testing.TB, measurement uint64, ts protocol.Time) *protocol.Report {
	t.Helper()
	report, err := p.Client(t, "http://leader.invalid/").PrepareReport(measurement, ts)
	require.NoError(t, err)
	return report
}

// PutTasks provisions the leader and helper tasks into their stores.
func (p *TaskPair) PutTasks(t testing.TB, leaderStore, helperStore datastore.Store) {
	t.Helper()
	PutTask(t, leaderStore, p.Leader)
	PutTask(t, helperStore, p.Helper)
}

// PutTask writes a task into a store.
func PutTask(t testing.TB, s datastore.Store, tk *task.Task) {
	t.Helper()
	err := s.Run(t.Context(), "put_task", func(ctx context.Context, tx datastore.Transaction) error {
		return tx.PutTask(ctx, tk)
	})
	require.NoError(t, err)
}
