package services

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/protocol"
)

func serve(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case nil:
	case string:
		raw = []byte(b)
	default:
		var err error
		raw, err = protocol.SerializeMessage(&b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", protocol.MediaTypeJSON)
	if token != "" {
		req.Header.Set(protocol.AuthTokenHeader, token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func requireProblem(t *testing.T, w *httptest.ResponseRecorder, status int, typ protocol.ProblemType) {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	require.Equal(t, protocol.MediaTypeProblem, w.Header().Get("Content-Type"))
	doc, err := protocol.DecodeMessage[protocol.ProblemDocument](w.Body)
	require.NoError(t, err)
	require.Equal(t, typ, doc.Type)
}

func TestHandleHpkeConfig(t *testing.T) {
	n := newTestNetwork(t)

	w := serve(t, n.leader, http.MethodGet, "/hpke_config?task_id="+n.pair.Leader.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list, err := protocol.DecodeMessage[protocol.HpkeConfigList](w.Body)
	require.NoError(t, err)
	require.Equal(t, n.pair.Leader.CurrentHpkeConfig(), list.Configs[0])

	w = serve(t, n.leader, http.MethodGet, "/hpke_config?task_id=not-base64!", "", nil)
	requireProblem(t, w, http.StatusBadRequest, protocol.ProblemInvalidMessage)

	w = serve(t, n.leader, http.MethodGet, "/hpke_config?task_id="+protocol.NewTaskID().String(), "", nil)
	requireProblem(t, w, http.StatusNotFound, protocol.ProblemUnrecognizedTask)
}

func TestHandleUploadHTTP(t *testing.T) {
	n := newTestNetwork(t)
	path := "/tasks/" + n.pair.Leader.ID.String() + "/reports"
	report := n.pair.GenerateReport(t, 1, protocol.FromTime(n.clock.Now()))

	w := serve(t, n.leader, http.MethodPut, path, "", *report)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	t.Run("replay", func(t *testing.T) {
		w := serve(t, n.leader, http.MethodPut, path, "", *report)
		requireProblem(t, w, http.StatusBadRequest, protocol.ProblemReportRejected)
	})

	t.Run("malformed body", func(t *testing.T) {
		w := serve(t, n.leader, http.MethodPut, path, "", "{")
		requireProblem(t, w, http.StatusBadRequest, protocol.ProblemInvalidMessage)
	})

	t.Run("helper takes no uploads", func(t *testing.T) {
		w := serve(t, n.helper, http.MethodPut, path, "", *report)
		requireProblem(t, w, http.StatusNotFound, protocol.ProblemUnrecognizedTask)
	})

	t.Run("cors preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		req.Header.Set("Origin", "https://example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPut)
		w := httptest.NewRecorder()
		n.leader.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		require.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPut)
	})
}

func TestHandleAggregationJobAuth(t *testing.T) {
	n := newTestNetwork(t)
	path := "/tasks/" + n.pair.Helper.ID.String() + "/aggregation_jobs/" + protocol.NewAggregationJobID().String()
	req := protocol.AggregationJobInitReq{PartialBatchSelector: protocol.PartialBatchSelector{QueryType: protocol.QueryTypeTimeInterval}}

	w := serve(t, n.helper, http.MethodPut, path, "wrong", req)
	requireProblem(t, w, http.StatusForbidden, protocol.ProblemUnauthorizedRequest)

	w = serve(t, n.helper, http.MethodPost, path, n.pair.Helper.AggregatorAuthToken, protocol.AggregationJobContinueReq{Round: 1})
	requireProblem(t, w, http.StatusNotFound, protocol.ProblemUnrecognizedAggJob)

	w = serve(t, n.helper, http.MethodPut, "/tasks/"+n.pair.Helper.ID.String()+"/aggregation_jobs/zz", n.pair.Helper.AggregatorAuthToken, req)
	requireProblem(t, w, http.StatusBadRequest, protocol.ProblemInvalidMessage)
}

func TestHandleCollectionJobLifecycle(t *testing.T) {
	n := newTestNetwork(t)
	token := n.pair.Leader.CollectorAuthToken
	batch := n.pair.Leader.BatchIntervalFor(protocol.FromTime(n.clock.Now()))
	req := protocol.CollectionReq{Query: protocol.Query{QueryType: protocol.QueryTypeTimeInterval, BatchInterval: &batch}}
	id := protocol.NewCollectionJobID()
	path := "/tasks/" + n.pair.Leader.ID.String() + "/collection_jobs/" + id.String()

	w := serve(t, n.leader, http.MethodPut, path, "", req)
	requireProblem(t, w, http.StatusForbidden, protocol.ProblemUnauthorizedRequest)

	w = serve(t, n.leader, http.MethodPut, path, token, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = serve(t, n.leader, http.MethodPost, path, token, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NotEmpty(t, w.Header().Get("Retry-After"))

	other := "/tasks/" + n.pair.Leader.ID.String() + "/collection_jobs/" + protocol.NewCollectionJobID().String()
	w = serve(t, n.leader, http.MethodPut, other, token, req)
	requireProblem(t, w, http.StatusBadRequest, protocol.ProblemBatchOverlap)

	w = serve(t, n.leader, http.MethodDelete, path, token, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = serve(t, n.leader, http.MethodPost, path, token, nil)
	requireProblem(t, w, http.StatusNotFound, protocol.ProblemUnrecognizedCollectionJob)

	// The deleted job no longer holds the interval.
	w = serve(t, n.leader, http.MethodPut, other, token, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestHandlePollAbandonedCollectionJob(t *testing.T) {
	n := newTestNetwork(t)
	token := n.pair.Leader.CollectorAuthToken
	batch := n.pair.Leader.BatchIntervalFor(protocol.FromTime(n.clock.Now()))
	id := protocol.NewCollectionJobID()
	path := "/tasks/" + n.pair.Leader.ID.String() + "/collection_jobs/" + id.String()
	w := serve(t, n.leader, http.MethodPut, path, token,
		protocol.CollectionReq{Query: protocol.Query{QueryType: protocol.QueryTypeTimeInterval, BatchInterval: &batch}})
	require.Equal(t, http.StatusCreated, w.Code)

	err := n.leaderStore.Run(t.Context(), "abandon", func(ctx context.Context, tx datastore.Transaction) error {
		job, err := tx.GetCollectionJob(ctx, n.pair.Leader.ID, id)
		if err != nil {
			return err
		}
		job.State = datastore.CollectionJobAbandoned
		return tx.UpdateCollectionJob(ctx, job)
	})
	require.NoError(t, err)

	w = serve(t, n.leader, http.MethodPost, path, token, nil)
	require.Equal(t, http.StatusGone, w.Code)
}

func TestRoutesRejectUnknownMethods(t *testing.T) {
	n := newTestNetwork(t)
	w := serve(t, n.leader, http.MethodGet, "/tasks/"+n.pair.Leader.ID.String()+"/reports", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	w = serve(t, n.leader, http.MethodGet, "/nope", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.False(t, strings.Contains(w.Body.String(), "urn:ietf"))
}
