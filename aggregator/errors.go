package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/flashbots/dapagg/protocol"
)

// Client input errors. Handlers wrap these in *Error so the HTTP layer can
// attach the task id.
var (
	ErrUnrecognizedTask           = errors.New("unrecognized task")
	ErrUnrecognizedAggregationJob = errors.New("unrecognized aggregation job")
	ErrUnrecognizedCollectionJob  = errors.New("unrecognized collection job")
	ErrInvalidMessage             = errors.New("invalid message")
	ErrReportReplayed             = errors.New("report replayed")
	ErrReportTooEarly             = errors.New("report too early")
	ErrReportRejected             = errors.New("report rejected")
	ErrTaskExpired                = errors.New("task expired")
	ErrOutdatedConfig             = errors.New("outdated HPKE config")
	ErrBatchInvalid               = errors.New("batch invalid")
	ErrBatchOverlap               = errors.New("batch overlaps a previous collection")
	ErrBatchMismatch              = errors.New("batch mismatch")
	ErrInvalidBatchSize           = errors.New("invalid batch size")
	ErrUnauthorized               = errors.New("unauthorized request")
	ErrRoundMismatch              = errors.New("aggregation job round mismatch")
)

// Engine errors.
var (
	// ErrReportAlreadyMerged is returned by Accumulator.Update for a report
	// already merged in the same accumulator.
	ErrReportAlreadyMerged = errors.New("report already merged")
)

// ErrMissingHpkeKey means a report was sealed to a config id the task holds
// no key for. Clients see it as an outdated config.
var ErrMissingHpkeKey = fmt.Errorf("%w: missing HPKE key", ErrOutdatedConfig)

type problem struct {
	typ    protocol.ProblemType
	status int
}

var problems = map[error]problem{
	ErrUnrecognizedTask:           {protocol.ProblemUnrecognizedTask, http.StatusNotFound},
	ErrUnrecognizedAggregationJob: {protocol.ProblemUnrecognizedAggJob, http.StatusNotFound},
	ErrUnrecognizedCollectionJob:  {protocol.ProblemUnrecognizedCollectionJob, http.StatusNotFound},
	ErrInvalidMessage:             {protocol.ProblemInvalidMessage, http.StatusBadRequest},
	ErrReportReplayed:             {protocol.ProblemReportRejected, http.StatusBadRequest},
	ErrReportTooEarly:             {protocol.ProblemReportTooEarly, http.StatusBadRequest},
	ErrReportRejected:             {protocol.ProblemReportRejected, http.StatusBadRequest},
	ErrTaskExpired:                {protocol.ProblemReportRejected, http.StatusBadRequest},
	ErrOutdatedConfig:             {protocol.ProblemOutdatedConfig, http.StatusBadRequest},
	ErrBatchInvalid:               {protocol.ProblemBatchInvalid, http.StatusBadRequest},
	ErrBatchOverlap:               {protocol.ProblemBatchOverlap, http.StatusBadRequest},
	ErrBatchMismatch:              {protocol.ProblemBatchMismatch, http.StatusBadRequest},
	ErrInvalidBatchSize:           {protocol.ProblemInvalidBatchSize, http.StatusBadRequest},
	ErrUnauthorized:               {protocol.ProblemUnauthorizedRequest, http.StatusForbidden},
	ErrRoundMismatch:              {protocol.ProblemStepMismatch, http.StatusBadRequest},
}

// Error is a request-level failure attributed to a task.
type Error struct {
	Kind   error
	TaskID protocol.TaskID
	Detail string
}

func newError(kind error, taskID protocol.TaskID, format string, args ...any) *Error {
	return &Error{Kind: kind, TaskID: taskID, Detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.Kind }

// ProblemFor maps an error returned by an Aggregator handler to a problem
// document. Unclassified errors become a 500 without detail.
func ProblemFor(err error) *protocol.ProblemDocument {
	for kind, p := range problems {
		if !errors.Is(err, kind) {
			continue
		}
		doc := &protocol.ProblemDocument{Type: p.typ, Status: p.status, Title: kind.Error()}
		var e *Error
		if errors.As(err, &e) {
			doc.Detail = e.Detail
			doc.TaskID = e.TaskID.String()
		}
		return doc
	}
	return &protocol.ProblemDocument{Type: protocol.ProblemInternal, Status: http.StatusInternalServerError, Title: "internal error"}
}

// PeerError is a failed request to the peer aggregator.
type PeerError struct {
	// Status is the HTTP status, or zero if no response was received.
	Status int
	Err    error
}

func (e *PeerError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("peer request failed: %v", e.Err)
	}
	return fmt.Sprintf("peer responded %d: %v", e.Status, e.Err)
}

func (e *PeerError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the request may succeed: transport
// failures, 5xx and 429 are retried, other statuses are not.
func (e *PeerError) Retryable() bool {
	return e.Status == 0 || e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// IsRetryable classifies an error from a peer call.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *PeerError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}
