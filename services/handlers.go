package services

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/flashbots/dapagg/aggregator"
	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/protocol"
)

const maxRequestBody = 16 << 20

// DAPHandler serves the DAP endpoints of one aggregator process. Whether a
// request is answered depends on the role the task is provisioned with.
type DAPHandler struct {
	agg *aggregator.Aggregator
	log *slog.Logger
}

func NewDAPHandler(agg *aggregator.Aggregator, log *slog.Logger) *DAPHandler {
	return &DAPHandler{agg: agg, log: log}
}

// RegisterRoutes registers the DAP routes.
func (h *DAPHandler) RegisterRoutes(r chi.Router) {
	r.Get("/hpke_config", h.handleHpkeConfig)

	r.Route("/tasks/{task_id}", func(r chi.Router) {
		// Reports come straight from browsers.
		r.Group(func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{http.MethodPut, http.MethodOptions},
				AllowedHeaders: []string{"Content-Type"},
				MaxAge:         300,
			}))
			r.Put("/reports", h.handleUpload)
			r.Options("/reports", func(w http.ResponseWriter, r *http.Request) {})
		})

		r.Put("/aggregation_jobs/{job_id}", h.handleAggregateInit)
		r.Post("/aggregation_jobs/{job_id}", h.handleAggregateContinue)
		r.Post("/aggregate_shares", h.handleAggregateShare)

		r.Put("/collection_jobs/{job_id}", h.handleCreateCollectionJob)
		r.Post("/collection_jobs/{job_id}", h.handlePollCollectionJob)
		r.Delete("/collection_jobs/{job_id}", h.handleDeleteCollectionJob)
	})
}

func (h *DAPHandler) handleHpkeConfig(w http.ResponseWriter, r *http.Request) {
	taskID, err := protocol.ParseTaskID(r.URL.Query().Get("task_id"))
	if err != nil {
		h.writeProblem(w, r, invalidParam("task_id", err))
		return
	}
	list, err := h.agg.HpkeConfigList(r.Context(), taskID)
	if err != nil {
		h.writeProblem(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "max-age=86400")
	writeMessage(w, http.StatusOK, list)
}

func (h *DAPHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	report, ok := decodeBody[protocol.Report](h, w, r)
	if !ok {
		return
	}
	if err := h.agg.HandleUpload(r.Context(), taskID, report); err != nil {
		h.writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *DAPHandler) handleAggregateInit(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	jobID, err := protocol.ParseAggregationJobID(chi.URLParam(r, "job_id"))
	if err != nil {
		h.writeProblem(w, r, invalidParam("job_id", err))
		return
	}
	req, ok := decodeBody[protocol.AggregationJobInitReq](h, w, r)
	if !ok {
		return
	}
	resp, err := h.agg.HandleAggregateInit(r.Context(), taskID, jobID, authToken(r), req)
	if err != nil {
		h.writeProblem(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, resp)
}

func (h *DAPHandler) handleAggregateContinue(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	jobID, err := protocol.ParseAggregationJobID(chi.URLParam(r, "job_id"))
	if err != nil {
		h.writeProblem(w, r, invalidParam("job_id", err))
		return
	}
	req, ok := decodeBody[protocol.AggregationJobContinueReq](h, w, r)
	if !ok {
		return
	}
	resp, err := h.agg.HandleAggregateContinue(r.Context(), taskID, jobID, authToken(r), req)
	if err != nil {
		h.writeProblem(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, resp)
}

func (h *DAPHandler) handleAggregateShare(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	req, ok := decodeBody[protocol.AggregateShareReq](h, w, r)
	if !ok {
		return
	}
	resp, err := h.agg.HandleAggregateShare(r.Context(), taskID, authToken(r), req)
	if err != nil {
		h.writeProblem(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, resp)
}

func (h *DAPHandler) handleCreateCollectionJob(w http.ResponseWriter, r *http.Request) {
	taskID, jobID, ok := h.collectionJobIDs(w, r)
	if !ok {
		return
	}
	req, ok := decodeBody[protocol.CollectionReq](h, w, r)
	if !ok {
		return
	}
	if err := h.agg.HandleCreateCollectionJob(r.Context(), taskID, jobID, authToken(r), req); err != nil {
		h.writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handlePollCollectionJob answers 202 while the job is pending, 200 with the
// collection once finished and 410 once abandoned.
func (h *DAPHandler) handlePollCollectionJob(w http.ResponseWriter, r *http.Request) {
	taskID, jobID, ok := h.collectionJobIDs(w, r)
	if !ok {
		return
	}
	status, err := h.agg.HandleGetCollectionJob(r.Context(), taskID, jobID, authToken(r))
	if err != nil {
		h.writeProblem(w, r, err)
		return
	}
	switch status.State {
	case datastore.CollectionJobFinished:
		writeMessage(w, http.StatusOK, status.Collection)
	case datastore.CollectionJobAbandoned:
		w.WriteHeader(http.StatusGone)
	default:
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusAccepted)
	}
}

func (h *DAPHandler) handleDeleteCollectionJob(w http.ResponseWriter, r *http.Request) {
	taskID, jobID, ok := h.collectionJobIDs(w, r)
	if !ok {
		return
	}
	if err := h.agg.HandleDeleteCollectionJob(r.Context(), taskID, jobID, authToken(r)); err != nil {
		h.writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DAPHandler) taskID(w http.ResponseWriter, r *http.Request) (protocol.TaskID, bool) {
	id, err := protocol.ParseTaskID(chi.URLParam(r, "task_id"))
	if err != nil {
		h.writeProblem(w, r, invalidParam("task_id", err))
		return protocol.TaskID{}, false
	}
	return id, true
}

func (h *DAPHandler) collectionJobIDs(w http.ResponseWriter, r *http.Request) (protocol.TaskID, protocol.CollectionJobID, bool) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return protocol.TaskID{}, protocol.CollectionJobID{}, false
	}
	jobID, err := protocol.ParseCollectionJobID(chi.URLParam(r, "job_id"))
	if err != nil {
		h.writeProblem(w, r, invalidParam("job_id", err))
		return protocol.TaskID{}, protocol.CollectionJobID{}, false
	}
	return taskID, jobID, true
}

// writeProblem renders err as an RFC 7807 document. Internal errors are
// logged here since their detail is not sent to the peer.
func (h *DAPHandler) writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	doc := aggregator.ProblemFor(err)
	if doc.Status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	} else {
		h.log.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	w.Header().Set("Content-Type", protocol.MediaTypeProblem)
	w.WriteHeader(doc.Status)
	json.NewEncoder(w).Encode(doc)
}

func decodeBody[T any](h *DAPHandler, w http.ResponseWriter, r *http.Request) (*T, bool) {
	msg, err := protocol.DecodeMessage[T](http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		h.writeProblem(w, r, fmt.Errorf("%w: decoding body: %v", aggregator.ErrInvalidMessage, err))
		return nil, false
	}
	return msg, true
}

func writeMessage[T any](w http.ResponseWriter, status int, msg *T) {
	body, err := protocol.SerializeMessage(msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", protocol.MediaTypeJSON)
	w.WriteHeader(status)
	w.Write(body)
}

func invalidParam(name string, err error) error {
	return fmt.Errorf("%w: bad %s: %v", aggregator.ErrInvalidMessage, name, err)
}

func authToken(r *http.Request) string { return r.Header.Get(protocol.AuthTokenHeader) }
