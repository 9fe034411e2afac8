package task

import (
	"bytes"
	"strings"
	"testing"

	"github.com/flashbots/dapagg/crypto"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/vdaf"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validTask(t *testing.T) *Task {
	t.Helper()
	kp, err := crypto.GenerateHpkeKeypair(1)
	require.NoError(t, err)
	collector, err := crypto.GenerateHpkeKeypair(9)
	require.NoError(t, err)
	return &Task{
		ID:                     protocol.NewTaskID(),
		PeerAggregatorEndpoint: "https://helper.example.com/",
		QueryType:              protocol.TimeInterval(),
		Vdaf:                   vdaf.Config{Type: vdaf.TypeCount},
		Role:                   protocol.RoleLeader,
		VdafVerifyKey:          make([]byte, 16),
		MinBatchSize:           1,
		TimePrecision:          3600,
		TolerableClockSkew:     60,
		CollectorHpkeConfig:    collector.Config,
		AggregatorAuthToken:    "aggregator-token",
		CollectorAuthToken:     "collector-token",
		HpkeKeys:               []crypto.HpkeKeypair{*kp},
	}
}

func TestTaskValidate(t *testing.T) {
	require.NoError(t, validTask(t).Validate())

	cases := map[string]func(*Task){
		"bad role":             func(tk *Task) { tk.Role = protocol.RoleClient },
		"bad endpoint":         func(tk *Task) { tk.PeerAggregatorEndpoint = "not a url" },
		"unknown query type":   func(tk *Task) { tk.QueryType = protocol.QueryType{Code: "weekly"} },
		"max below min":        func(tk *Task) { tk.QueryType = protocol.FixedSize(5); tk.MinBatchSize = 10 },
		"unknown vdaf":         func(tk *Task) { tk.Vdaf = vdaf.Config{Type: "sum"} },
		"short verify key":     func(tk *Task) { tk.VdafVerifyKey = []byte{1} },
		"zero min batch":       func(tk *Task) { tk.MinBatchSize = 0 },
		"zero precision":       func(tk *Task) { tk.TimePrecision = 0 },
		"no hpke keys":         func(tk *Task) { tk.HpkeKeys = nil },
		"duplicate hpke id":    func(tk *Task) { tk.HpkeKeys = append(tk.HpkeKeys, tk.HpkeKeys[0]) },
		"no aggregator token":  func(tk *Task) { tk.AggregatorAuthToken = "" },
		"leader without token": func(tk *Task) { tk.CollectorAuthToken = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			tk := validTask(t)
			mutate(tk)
			require.ErrorIs(t, tk.Validate(), ErrInvalidTask)
		})
	}

	helper := validTask(t)
	helper.Role = protocol.RoleHelper
	helper.CollectorAuthToken = ""
	require.NoError(t, helper.Validate())
}

func TestTaskBatchInterval(t *testing.T) {
	tk := validTask(t)

	// 10:25 on some day falls in the 10:00 window.
	ts := protocol.Time(36000 + 25*60)
	require.Equal(t, protocol.Interval{Start: 36000, Duration: 3600}, tk.BatchIntervalFor(ts))

	require.NoError(t, tk.ValidateBatchInterval(protocol.Interval{Start: 36000, Duration: 7200}))
	require.Error(t, tk.ValidateBatchInterval(protocol.Interval{Start: 36001, Duration: 3600}))
	require.Error(t, tk.ValidateBatchInterval(protocol.Interval{Start: 36000, Duration: 1800}))
}

func TestTaskTimeChecks(t *testing.T) {
	tk := validTask(t)
	now := protocol.Time(100000)

	require.False(t, tk.ReportExpired(now, 0))
	age := protocol.Duration(3600)
	tk.ReportExpiryAge = &age
	require.True(t, tk.ReportExpired(now, now-3601))
	require.False(t, tk.ReportExpired(now, now-3600))

	require.False(t, tk.ReportTooEarly(now, now+60))
	require.True(t, tk.ReportTooEarly(now, now+61))

	require.False(t, tk.Expired(now))
	exp := now - 1
	tk.TaskExpiration = &exp
	require.True(t, tk.Expired(now))

	cutoff, ok := tk.ExpiryCutoff(now)
	require.True(t, ok)
	require.Equal(t, now-3600, cutoff)
}

func TestTaskHelpers(t *testing.T) {
	tk := validTask(t)

	kp, ok := tk.HpkeKeypair(1)
	require.True(t, ok)
	require.Equal(t, uint8(1), kp.Config.ID)
	_, ok = tk.HpkeKeypair(2)
	require.False(t, ok)

	require.Equal(t, "https://helper.example.com/tasks/x/reports", tk.PeerURL("/tasks/x/reports"))

	require.True(t, tk.CheckAggregatorAuthToken("aggregator-token"))
	require.False(t, tk.CheckAggregatorAuthToken(""))
	require.False(t, tk.CheckCollectorAuthToken("aggregator-token"))
}

func TestDefinitionRoundTrip(t *testing.T) {
	pair, err := GeneratePair(PairParams{
		LeaderEndpoint: "https://leader.example.com/",
		HelperEndpoint: "https://helper.example.com/",
		QueryType:      protocol.FixedSize(100),
		Vdaf:           vdaf.Config{Type: vdaf.TypeCount},
		MinBatchSize:   10,
		TimePrecision:  600,
	})
	require.NoError(t, err)
	require.Equal(t, pair.Leader.ID, pair.Helper.ID)
	require.Equal(t, pair.Leader.VdafVerifyKey, pair.Helper.VdafVerifyKey)
	require.Empty(t, pair.Helper.CollectorAuthToken)
	require.NotEqual(t, pair.Leader.CurrentHpkeConfig(), pair.Helper.CurrentHpkeConfig())

	var buf bytes.Buffer
	require.NoError(t, WriteFile(&buf, pair.Leader, pair.Helper))
	require.Contains(t, buf.String(), "peer_aggregator_endpoint: https://helper.example.com/")

	tasks, err := LoadFile(&buf)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, pair.Leader, tasks[0])
	require.Equal(t, pair.Helper, tasks[1])
}

func TestLoadFileRejectsInvalidTasks(t *testing.T) {
	d := DefinitionOf(validTask(t))
	d.MinBatchSize = 0
	var buf bytes.Buffer
	require.NoError(t, yaml.NewEncoder(&buf).Encode(File{Tasks: []Definition{d}}))
	_, err := LoadFile(&buf)
	require.ErrorIs(t, err, ErrInvalidTask)

	_, err = LoadFile(strings.NewReader("tasks:\n  - id: not-an-id!\n"))
	require.ErrorIs(t, err, ErrInvalidTask)

	_, err = LoadFile(strings.NewReader("tasks:\n  - colour: blue\n"))
	require.Error(t, err)
}
