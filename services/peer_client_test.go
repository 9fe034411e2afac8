package services

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/flashbots/dapagg/aggregator"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/testutil"
)

func TestPeerClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var gotToken atomic.String
	r := chi.NewRouter()
	r.Put("/tasks/{task_id}/aggregation_jobs/{job_id}", func(w http.ResponseWriter, r *http.Request) {
		gotToken.Store(r.Header.Get(protocol.AuthTokenHeader))
		if calls.Inc() == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeMessage(w, http.StatusOK, &protocol.AggregationJobResp{})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	tk := testutil.NewTask(t, testutil.WithPeerEndpoint(srv.URL))
	c := NewHTTPPeerClient(srv.Client(), testRetryPolicy(), testutil.NewLogger(t))
	resp, err := c.PutAggregationJob(t.Context(), tk, protocol.NewAggregationJobID(), &protocol.AggregationJobInitReq{})
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.EqualValues(t, 2, calls.Load())
	require.Equal(t, tk.AggregatorAuthToken, gotToken.Load())
}

func TestPeerClientDoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Post("/tasks/{task_id}/aggregate_shares", func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		w.Header().Set("Content-Type", protocol.MediaTypeProblem)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"` + string(protocol.ProblemBatchMismatch) + `","title":"mismatch"}`))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	tk := testutil.NewTask(t, testutil.WithPeerEndpoint(srv.URL+"/"))
	c := NewHTTPPeerClient(srv.Client(), testRetryPolicy(), testutil.NewLogger(t))
	_, err := c.PostAggregateShare(t.Context(), tk, &protocol.AggregateShareReq{})
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
	require.False(t, aggregator.IsRetryable(err))

	var perr *aggregator.PeerError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, http.StatusBadRequest, perr.Status)
	var doc *protocol.ProblemDocument
	require.True(t, errors.As(err, &doc))
	require.Equal(t, protocol.ProblemBatchMismatch, doc.Type)
}

func TestPeerClientGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tk := testutil.NewTask(t, testutil.WithPeerEndpoint(srv.URL))
	c := NewHTTPPeerClient(srv.Client(), testRetryPolicy(), testutil.NewLogger(t))
	_, err := c.PostAggregationJob(t.Context(), tk, protocol.NewAggregationJobID(), &protocol.AggregationJobContinueReq{Round: 1})
	require.Error(t, err)
	require.True(t, aggregator.IsRetryable(err))
	require.EqualValues(t, testRetryPolicy().MaxAttempts, calls.Load())
}

func TestPeerClientTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tk := testutil.NewTask(t, testutil.WithPeerEndpoint(url))
	c := NewHTTPPeerClient(nil, testRetryPolicy(), testutil.NewLogger(t))
	_, err := c.PutAggregationJob(t.Context(), tk, protocol.NewAggregationJobID(), &protocol.AggregationJobInitReq{})
	var perr *aggregator.PeerError
	require.True(t, errors.As(err, &perr))
	require.Zero(t, perr.Status)
}
