package task

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/flashbots/dapagg/crypto"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/vdaf"
)

var b64 = base64.RawURLEncoding

// Definition is the YAML form of a task. Binary fields are unpadded
// base64url.
//
//	tasks:
//	  - id: uR3c0l2m...
//	    role: leader
//	    peer_aggregator_endpoint: https://helper.example.com/
//	    query_type: {code: time_interval}
//	    vdaf: {type: count}
//	    vdaf_verify_key: 3q2-7w...
//	    min_batch_size: 100
//	    time_precision: 3600
//	    tolerable_clock_skew: 60
//	    report_expiry_age: 604800
//	    collector_hpke_config: {id: 200, kem_id: 32, kdf_id: 1, aead_id: 3, public_key: ...}
//	    aggregator_auth_token: ...
//	    collector_auth_token: ...
//	    hpke_keys:
//	      - {id: 1, public_key: ..., private_key: ...}
type Definition struct {
	ID                     string             `yaml:"id"`
	Role                   protocol.Role      `yaml:"role"`
	PeerAggregatorEndpoint string             `yaml:"peer_aggregator_endpoint"`
	QueryType              protocol.QueryType `yaml:"query_type"`
	Vdaf                   vdaf.Config        `yaml:"vdaf"`
	VdafVerifyKey          string             `yaml:"vdaf_verify_key"`
	MinBatchSize           uint64             `yaml:"min_batch_size"`
	TimePrecision          protocol.Duration  `yaml:"time_precision"`
	TolerableClockSkew     protocol.Duration  `yaml:"tolerable_clock_skew"`
	TaskExpiration         *protocol.Time     `yaml:"task_expiration,omitempty"`
	ReportExpiryAge        *protocol.Duration `yaml:"report_expiry_age,omitempty"`
	CollectorHpkeConfig    HpkeConfigDef      `yaml:"collector_hpke_config"`
	AggregatorAuthToken    string             `yaml:"aggregator_auth_token"`
	CollectorAuthToken     string             `yaml:"collector_auth_token,omitempty"`
	HpkeKeys               []HpkeKeypairDef   `yaml:"hpke_keys"`
}

type HpkeConfigDef struct {
	ID        uint8  `yaml:"id"`
	KemID     uint16 `yaml:"kem_id"`
	KdfID     uint16 `yaml:"kdf_id"`
	AeadID    uint16 `yaml:"aead_id"`
	PublicKey string `yaml:"public_key"`
}

type HpkeKeypairDef struct {
	HpkeConfigDef `yaml:",inline"`
	PrivateKey    string `yaml:"private_key"`
}

// File is a provisioning document.
type File struct {
	Tasks []Definition `yaml:"tasks"`
}

func (c HpkeConfigDef) config() (crypto.HpkeConfig, error) {
	pub, err := b64.DecodeString(c.PublicKey)
	if err != nil {
		return crypto.HpkeConfig{}, fmt.Errorf("public key of hpke config %d: %w", c.ID, err)
	}
	return crypto.HpkeConfig{ID: c.ID, KemID: c.KemID, KdfID: c.KdfID, AeadID: c.AeadID, PublicKey: pub}, nil
}

func configDef(c crypto.HpkeConfig) HpkeConfigDef {
	return HpkeConfigDef{ID: c.ID, KemID: c.KemID, KdfID: c.KdfID, AeadID: c.AeadID, PublicKey: b64.EncodeToString(c.PublicKey)}
}

// Task decodes and validates the definition.
func (d *Definition) Task() (*Task, error) {
	id, err := protocol.ParseTaskID(d.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: task id: %v", ErrInvalidTask, err)
	}
	verifyKey, err := b64.DecodeString(d.VdafVerifyKey)
	if err != nil {
		return nil, fmt.Errorf("%w: vdaf verify key: %v", ErrInvalidTask, err)
	}
	collector, err := d.CollectorHpkeConfig.config()
	if err != nil {
		return nil, fmt.Errorf("%w: collector %v", ErrInvalidTask, err)
	}
	t := &Task{
		ID:                     id,
		PeerAggregatorEndpoint: d.PeerAggregatorEndpoint,
		QueryType:              d.QueryType,
		Vdaf:                   d.Vdaf,
		Role:                   d.Role,
		VdafVerifyKey:          verifyKey,
		MinBatchSize:           d.MinBatchSize,
		TimePrecision:          d.TimePrecision,
		TolerableClockSkew:     d.TolerableClockSkew,
		TaskExpiration:         d.TaskExpiration,
		ReportExpiryAge:        d.ReportExpiryAge,
		CollectorHpkeConfig:    collector,
		AggregatorAuthToken:    d.AggregatorAuthToken,
		CollectorAuthToken:     d.CollectorAuthToken,
	}
	for _, k := range d.HpkeKeys {
		cfg, err := k.config()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
		}
		priv, err := b64.DecodeString(k.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: private key of hpke config %d: %v", ErrInvalidTask, k.ID, err)
		}
		t.HpkeKeys = append(t.HpkeKeys, crypto.HpkeKeypair{Config: cfg, PrivateKey: priv})
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("task %s: %w", d.ID, err)
	}
	return t, nil
}

// DefinitionOf is the inverse of Definition.Task.
func DefinitionOf(t *Task) Definition {
	d := Definition{
		ID:                     t.ID.String(),
		Role:                   t.Role,
		PeerAggregatorEndpoint: t.PeerAggregatorEndpoint,
		QueryType:              t.QueryType,
		Vdaf:                   t.Vdaf,
		VdafVerifyKey:          b64.EncodeToString(t.VdafVerifyKey),
		MinBatchSize:           t.MinBatchSize,
		TimePrecision:          t.TimePrecision,
		TolerableClockSkew:     t.TolerableClockSkew,
		TaskExpiration:         t.TaskExpiration,
		ReportExpiryAge:        t.ReportExpiryAge,
		CollectorHpkeConfig:    configDef(t.CollectorHpkeConfig),
		AggregatorAuthToken:    t.AggregatorAuthToken,
		CollectorAuthToken:     t.CollectorAuthToken,
	}
	for _, k := range t.HpkeKeys {
		d.HpkeKeys = append(d.HpkeKeys, HpkeKeypairDef{HpkeConfigDef: configDef(k.Config), PrivateKey: b64.EncodeToString(k.PrivateKey)})
	}
	return d
}

// LoadFile reads a provisioning document and returns its validated tasks.
func LoadFile(r io.Reader) ([]*Task, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding task file: %w", err)
	}
	tasks := make([]*Task, 0, len(f.Tasks))
	for i := range f.Tasks {
		t, err := f.Tasks[i].Task()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// WriteFile encodes tasks as a provisioning document.
func WriteFile(w io.Writer, tasks ...*Task) error {
	f := File{Tasks: make([]Definition, 0, len(tasks))}
	for _, t := range tasks {
		f.Tasks = append(f.Tasks, DefinitionOf(t))
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return err
	}
	return enc.Close()
}

// PairParams describes a task to generate for both aggregators.
type PairParams struct {
	LeaderEndpoint  string
	HelperEndpoint  string
	QueryType       protocol.QueryType
	Vdaf            vdaf.Config
	MinBatchSize    uint64
	TimePrecision   protocol.Duration
	ReportExpiryAge *protocol.Duration
}

// Pair is a generated task as provisioned on each aggregator, plus the
// collector's keypair.
type Pair struct {
	Leader    *Task
	Helper    *Task
	Collector *crypto.HpkeKeypair
}

func randomToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return b64.EncodeToString(b), nil
}

// GeneratePair creates fresh ids, keys and tokens for a new task.
func GeneratePair(p PairParams) (*Pair, error) {
	v, err := vdaf.New(p.Vdaf)
	if err != nil {
		return nil, err
	}
	verifyKey := make([]byte, v.VerifyKeySize())
	if _, err := rand.Read(verifyKey); err != nil {
		return nil, err
	}
	aggToken, err := randomToken()
	if err != nil {
		return nil, err
	}
	colToken, err := randomToken()
	if err != nil {
		return nil, err
	}
	collector, err := crypto.GenerateHpkeKeypair(200)
	if err != nil {
		return nil, err
	}
	leaderKey, err := crypto.GenerateHpkeKeypair(1)
	if err != nil {
		return nil, err
	}
	helperKey, err := crypto.GenerateHpkeKeypair(2)
	if err != nil {
		return nil, err
	}

	leader := &Task{
		ID:                     protocol.NewTaskID(),
		PeerAggregatorEndpoint: p.HelperEndpoint,
		QueryType:              p.QueryType,
		Vdaf:                   p.Vdaf,
		Role:                   protocol.RoleLeader,
		VdafVerifyKey:          verifyKey,
		MinBatchSize:           p.MinBatchSize,
		TimePrecision:          p.TimePrecision,
		TolerableClockSkew:     60,
		ReportExpiryAge:        p.ReportExpiryAge,
		CollectorHpkeConfig:    collector.Config,
		AggregatorAuthToken:    aggToken,
		CollectorAuthToken:     colToken,
		HpkeKeys:               []crypto.HpkeKeypair{*leaderKey},
	}
	helper := *leader
	helper.Role = protocol.RoleHelper
	helper.PeerAggregatorEndpoint = p.LeaderEndpoint
	helper.CollectorAuthToken = ""
	helper.HpkeKeys = []crypto.HpkeKeypair{*helperKey}

	if err := leader.Validate(); err != nil {
		return nil, err
	}
	if err := helper.Validate(); err != nil {
		return nil, err
	}
	return &Pair{Leader: leader, Helper: &helper, Collector: collector}, nil
}
