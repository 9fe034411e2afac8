// Package client prepares and uploads reports: it shards a measurement with
// the task's VDAF, seals one input share to each aggregator and sends the
// report to the leader.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/crypto"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/vdaf"
)

// Config describes the task from the client's point of view.
type Config struct {
	TaskID         protocol.TaskID
	LeaderEndpoint string
	HelperEndpoint string
	Vdaf           vdaf.Config
	TimePrecision  protocol.Duration
}

// Client uploads reports for one task.
type Client struct {
	cfg        Config
	vdaf       vdaf.Vdaf
	leaderHpke crypto.HpkeConfig
	helperHpke crypto.HpkeConfig
	httpClient *http.Client
	clock      clock.Clock
}

// Option customizes a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }
func WithClock(clk clock.Clock) Option      { return func(c *Client) { c.clock = clk } }

// New creates a client with known aggregator HPKE configs.
func New(cfg Config, leaderHpke, helperHpke crypto.HpkeConfig, opts ...Option) (*Client, error) {
	v, err := vdaf.New(cfg.Vdaf)
	if err != nil {
		return nil, err
	}
	if cfg.TimePrecision == 0 {
		return nil, errors.New("time precision must be positive")
	}
	c := &Client{
		cfg:        cfg,
		vdaf:       v,
		leaderHpke: leaderHpke,
		helperHpke: helperHpke,
		httpClient: http.DefaultClient,
		clock:      clock.Real{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewFromEndpoints fetches both aggregators' HPKE configs before creating
// the client.
func NewFromEndpoints(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	c, err := New(cfg, crypto.HpkeConfig{}, crypto.HpkeConfig{}, opts...)
	if err != nil {
		return nil, err
	}
	if c.leaderHpke, err = c.fetchHpkeConfig(ctx, cfg.LeaderEndpoint); err != nil {
		return nil, fmt.Errorf("leader hpke config: %w", err)
	}
	if c.helperHpke, err = c.fetchHpkeConfig(ctx, cfg.HelperEndpoint); err != nil {
		return nil, fmt.Errorf("helper hpke config: %w", err)
	}
	return c, nil
}

func (c *Client) fetchHpkeConfig(ctx context.Context, endpoint string) (crypto.HpkeConfig, error) {
	url := strings.TrimRight(endpoint, "/") + "/hpke_config?task_id=" + c.cfg.TaskID.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return crypto.HpkeConfig{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return crypto.HpkeConfig{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return crypto.HpkeConfig{}, protocol.ProblemFromResponse(resp)
	}

	list, err := protocol.DecodeMessage[protocol.HpkeConfigList](resp.Body)
	if err != nil {
		return crypto.HpkeConfig{}, err
	}
	if len(list.Configs) == 0 {
		return crypto.HpkeConfig{}, errors.New("no hpke configs advertised")
	}
	return list.Configs[0], nil
}

// PrepareReport builds an upload for measurement at time ts. The timestamp is
// rounded down to the task's time precision.
func (c *Client) PrepareReport(measurement uint64, ts protocol.Time) (*protocol.Report, error) {
	md := protocol.ReportMetadata{
		ID:   protocol.NewReportID(),
		Time: ts.ToBatchIntervalStart(c.cfg.TimePrecision),
	}
	publicShare, shares, err := c.vdaf.Shard(measurement, [vdaf.NonceSize]byte(md.ID))
	if err != nil {
		return nil, fmt.Errorf("sharding measurement: %w", err)
	}

	aad := protocol.InputShareAAD(c.cfg.TaskID, md, publicShare)
	leaderShare, err := sealInputShare(&c.leaderHpke, protocol.RoleLeader, aad, shares[0])
	if err != nil {
		return nil, err
	}
	helperShare, err := sealInputShare(&c.helperHpke, protocol.RoleHelper, aad, shares[1])
	if err != nil {
		return nil, err
	}
	return &protocol.Report{
		Metadata:                  md,
		PublicShare:               publicShare,
		LeaderEncryptedInputShare: *leaderShare,
		HelperEncryptedInputShare: *helperShare,
	}, nil
}

func sealInputShare(cfg *crypto.HpkeConfig, receiver protocol.Role, aad, share []byte) (*crypto.HpkeCiphertext, error) {
	plaintext, err := protocol.SerializeMessage(&protocol.PlaintextInputShare{Payload: share})
	if err != nil {
		return nil, err
	}
	ct, err := crypto.Seal(cfg, protocol.HpkeInfo(protocol.InputShareLabel, protocol.RoleClient, receiver), aad, plaintext)
	if err != nil {
		return nil, fmt.Errorf("sealing %s input share: %w", receiver, err)
	}
	return ct, nil
}

// Upload prepares a report for measurement at the current time and sends it
// to the leader.
func (c *Client) Upload(ctx context.Context, measurement uint64) error {
	report, err := c.PrepareReport(measurement, clock.ProtocolNow(c.clock))
	if err != nil {
		return err
	}
	return c.UploadReport(ctx, report)
}

// UploadReport sends a prepared report to the leader.
func (c *Client) UploadReport(ctx context.Context, report *protocol.Report) error {
	body, err := protocol.SerializeMessage(report)
	if err != nil {
		return err
	}
	url := strings.TrimRight(c.cfg.LeaderEndpoint, "/") + "/tasks/" + c.cfg.TaskID.String() + "/reports"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", protocol.MediaTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return protocol.ProblemFromResponse(resp)
	}
	return nil
}
