// Package collector drives collection jobs on the leader and turns the two
// encrypted aggregate shares of a finished job into the aggregate result.
package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/flashbots/dapagg/crypto"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/vdaf"
)

// ErrAbandoned is returned when the leader gave up on a collection job.
var ErrAbandoned = errors.New("collection job abandoned")

// Config describes the task from the collector's point of view.
type Config struct {
	TaskID         protocol.TaskID
	LeaderEndpoint string
	AuthToken      string
	Vdaf           vdaf.Config
}

// Collector creates, polls and deletes collection jobs for one task.
type Collector struct {
	cfg          Config
	vdaf         vdaf.Vdaf
	keypair      *crypto.HpkeKeypair
	httpClient   *http.Client
	pollInterval time.Duration
}

type Option func(*Collector)

func WithHTTPClient(hc *http.Client) Option   { return func(c *Collector) { c.httpClient = hc } }
func WithPollInterval(d time.Duration) Option { return func(c *Collector) { c.pollInterval = d } }

// New creates a collector that opens aggregate shares with keypair.
func New(cfg Config, keypair *crypto.HpkeKeypair, opts ...Option) (*Collector, error) {
	v, err := vdaf.New(cfg.Vdaf)
	if err != nil {
		return nil, err
	}
	c := &Collector{
		cfg:          cfg,
		vdaf:         v,
		keypair:      keypair,
		httpClient:   http.DefaultClient,
		pollInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Job is a collection job started by this collector.
type Job struct {
	ID    protocol.CollectionJobID
	Query protocol.Query
}

// Result is the unsharded aggregate of a batch.
type Result struct {
	ReportCount uint64
	// Interval spans the client timestamps in the batch, rounded to the
	// task's time precision.
	Interval protocol.Interval
	// BatchID is set for fixed-size tasks.
	BatchID   *protocol.BatchID
	Aggregate uint64
}

func (c *Collector) jobURL(id protocol.CollectionJobID) string {
	return strings.TrimRight(c.cfg.LeaderEndpoint, "/") + "/tasks/" + c.cfg.TaskID.String() + "/collection_jobs/" + id.String()
}

func (c *Collector) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", protocol.MediaTypeJSON)
	}
	req.Header.Set(protocol.AuthTokenHeader, c.cfg.AuthToken)
	return c.httpClient.Do(req)
}

// Start creates a collection job for query.
func (c *Collector) Start(ctx context.Context, query protocol.Query) (*Job, error) {
	job := &Job{ID: protocol.NewCollectionJobID(), Query: query}
	body, err := protocol.SerializeMessage(&protocol.CollectionReq{Query: query})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPut, c.jobURL(job.ID), body)
	if err != nil {
		return nil, fmt.Errorf("creating collection job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, protocol.ProblemFromResponse(resp)
	}
	return job, nil
}

// Poll asks the leader for the job's result once. It returns nil without
// error while the job is still pending.
func (c *Collector) Poll(ctx context.Context, job *Job) (*Result, error) {
	resp, err := c.do(ctx, http.MethodPost, c.jobURL(job.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("polling collection job: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted:
		return nil, nil
	case http.StatusGone:
		return nil, ErrAbandoned
	default:
		return nil, protocol.ProblemFromResponse(resp)
	}

	collection, err := protocol.DecodeMessage[protocol.Collection](resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding collection: %w", err)
	}
	return c.unshard(job, collection)
}

// Collect starts a job and polls until it finishes or ctx is done.
func (c *Collector) Collect(ctx context.Context, query protocol.Query) (*Result, error) {
	job, err := c.Start(ctx, query)
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		res, err := c.Poll(ctx, job)
		if err != nil || res != nil {
			return res, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Delete abandons a job on the leader.
func (c *Collector) Delete(ctx context.Context, job *Job) error {
	resp, err := c.do(ctx, http.MethodDelete, c.jobURL(job.ID), nil)
	if err != nil {
		return fmt.Errorf("deleting collection job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return protocol.ProblemFromResponse(resp)
	}
	return nil
}

func (c *Collector) unshard(job *Job, collection *protocol.Collection) (*Result, error) {
	var batch protocol.BatchIdentifier
	switch job.Query.QueryType {
	case protocol.QueryTypeTimeInterval:
		if job.Query.BatchInterval == nil {
			return nil, errors.New("time interval query without batch interval")
		}
		batch = protocol.IntervalBatch(*job.Query.BatchInterval)
	case protocol.QueryTypeFixedSize:
		if collection.PartialBatchSelector.BatchID == nil {
			return nil, errors.New("fixed size collection without batch id")
		}
		batch = protocol.FixedSizeBatch(*collection.PartialBatchSelector.BatchID)
	default:
		return nil, fmt.Errorf("unknown query type %q", job.Query.QueryType)
	}

	aad := protocol.AggregateShareAAD(c.cfg.TaskID, nil, batch)
	var shares [2][]byte
	for i, share := range []struct {
		sender protocol.Role
		ct     *crypto.HpkeCiphertext
	}{
		{protocol.RoleLeader, &collection.LeaderEncryptedAggregateShare},
		{protocol.RoleHelper, &collection.HelperEncryptedAggregateShare},
	} {
		info := protocol.HpkeInfo(protocol.AggregateShareLabel, share.sender, protocol.RoleCollector)
		pt, err := crypto.Open(c.keypair, info, aad, share.ct)
		if err != nil {
			return nil, fmt.Errorf("opening %s aggregate share: %w", share.sender, err)
		}
		shares[i] = pt
	}

	aggregate, err := c.vdaf.Unshard(nil, shares, collection.ReportCount)
	if err != nil {
		return nil, fmt.Errorf("unsharding: %w", err)
	}
	return &Result{
		ReportCount: collection.ReportCount,
		Interval:    collection.Interval,
		BatchID:     collection.PartialBatchSelector.BatchID,
		Aggregate:   aggregate,
	}, nil
}
