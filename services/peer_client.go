package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/flashbots/dapagg/aggregator"
	"github.com/flashbots/dapagg/common"
	"github.com/flashbots/dapagg/metrics"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
)

// HTTPPeerClient sends the leader's requests to the helper over HTTP,
// retrying transient failures with its RetryPolicy.
type HTTPPeerClient struct {
	httpClient *http.Client
	retry      aggregator.RetryPolicy
	log        *slog.Logger
}

var _ aggregator.PeerClient = (*HTTPPeerClient)(nil)

func NewHTTPPeerClient(httpClient *http.Client, retry aggregator.RetryPolicy, log *slog.Logger) *HTTPPeerClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPPeerClient{httpClient: httpClient, retry: retry, log: log}
}

func (c *HTTPPeerClient) PutAggregationJob(ctx context.Context, t *task.Task, jobID protocol.AggregationJobID,
	req *protocol.AggregationJobInitReq) (*protocol.AggregationJobResp, error) {
	path := "tasks/" + t.ID.String() + "/aggregation_jobs/" + jobID.String()
	return peerRequest[protocol.AggregationJobInitReq, protocol.AggregationJobResp](ctx, c, t, http.MethodPut, "aggregation_job_init", path, req)
}

func (c *HTTPPeerClient) PostAggregationJob(ctx context.Context, t *task.Task, jobID protocol.AggregationJobID,
	req *protocol.AggregationJobContinueReq) (*protocol.AggregationJobResp, error) {
	path := "tasks/" + t.ID.String() + "/aggregation_jobs/" + jobID.String()
	return peerRequest[protocol.AggregationJobContinueReq, protocol.AggregationJobResp](ctx, c, t, http.MethodPost, "aggregation_job_continue", path, req)
}

func (c *HTTPPeerClient) PostAggregateShare(ctx context.Context, t *task.Task,
	req *protocol.AggregateShareReq) (*protocol.AggregateShare, error) {
	path := "tasks/" + t.ID.String() + "/aggregate_shares"
	return peerRequest[protocol.AggregateShareReq, protocol.AggregateShare](ctx, c, t, http.MethodPost, "aggregate_share", path, req)
}

// peerRequest sends one request, retrying per the client's policy. Every
// failure is returned as a *aggregator.PeerError.
func peerRequest[Req, Resp any](ctx context.Context, c *HTTPPeerClient, t *task.Task, method, endpoint, path string,
	req *Req) (_ *Resp, err error) {
	body, err := protocol.SerializeMessage(req)
	if err != nil {
		return nil, err
	}
	url := t.PeerURL(path)

	ctx, span := common.StartSpan(ctx, "peer."+endpoint,
		attribute.String("task_id", t.ID.String()),
		attribute.String("http.method", method))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var out *Resp
	attempt := 0
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		start := time.Now()
		httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", protocol.MediaTypeJSON)
		httpReq.Header.Set(protocol.AuthTokenHeader, t.AggregatorAuthToken)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			metrics.ObservePeerRequest(endpoint, "error", start)
			c.log.Debug("Peer request failed", "endpoint", endpoint, "attempt", attempt, "err", err)
			return &aggregator.PeerError{Err: err}
		}
		defer resp.Body.Close()
		metrics.ObservePeerRequest(endpoint, strconv.Itoa(resp.StatusCode), start)

		if resp.StatusCode/100 != 2 {
			perr := &aggregator.PeerError{Status: resp.StatusCode, Err: protocol.ProblemFromResponse(resp)}
			c.log.Debug("Peer rejected request", "endpoint", endpoint, "attempt", attempt, "err", perr)
			return perr
		}
		out, err = protocol.DecodeMessage[Resp](resp.Body)
		if err != nil {
			return &aggregator.PeerError{Status: resp.StatusCode, Err: fmt.Errorf("decoding %s response: %w", endpoint, err)}
		}
		return nil
	})
	span.SetAttributes(attribute.Int("attempts", attempt))
	if err != nil {
		return nil, err
	}
	return out, nil
}
