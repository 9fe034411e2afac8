package protocol

// PrepareError is the reason a single report failed preparation.
type PrepareError string

const (
	PrepareErrorNone                PrepareError = ""
	PrepareErrorBatchCollected      PrepareError = "batch_collected"
	PrepareErrorReportReplayed      PrepareError = "report_replayed"
	PrepareErrorReportDropped       PrepareError = "report_dropped"
	PrepareErrorHpkeUnknownConfigID PrepareError = "hpke_unknown_config_id"
	PrepareErrorHpkeDecryptError    PrepareError = "hpke_decrypt_error"
	PrepareErrorVdafPrepError       PrepareError = "vdaf_prep_error"
	PrepareErrorBatchSaturated      PrepareError = "batch_saturated"
	PrepareErrorTaskExpired         PrepareError = "task_expired"
	PrepareErrorInvalidMessage      PrepareError = "invalid_message"
	PrepareErrorReportTooEarly      PrepareError = "report_too_early"
	PrepareErrorInternal            PrepareError = "internal"
)

// AttributableToReport reports whether the failure is the report's fault, as
// opposed to a condition of the batch or the aggregator.
func (e PrepareError) AttributableToReport() bool {
	switch e {
	case PrepareErrorReportReplayed, PrepareErrorReportDropped, PrepareErrorHpkeUnknownConfigID,
		PrepareErrorHpkeDecryptError, PrepareErrorVdafPrepError, PrepareErrorTaskExpired,
		PrepareErrorInvalidMessage, PrepareErrorReportTooEarly:
		return true
	}
	return false
}

// ProblemType is a DAP problem-details type URI.
type ProblemType string

const (
	ProblemInvalidMessage            ProblemType = "urn:ietf:params:ppm:dap:error:invalidMessage"
	ProblemUnrecognizedTask          ProblemType = "urn:ietf:params:ppm:dap:error:unrecognizedTask"
	ProblemUnrecognizedAggJob        ProblemType = "urn:ietf:params:ppm:dap:error:unrecognizedAggregationJob"
	ProblemUnrecognizedCollectionJob ProblemType = "urn:ietf:params:ppm:dap:error:unrecognizedCollectionJob"
	ProblemOutdatedConfig            ProblemType = "urn:ietf:params:ppm:dap:error:outdatedConfig"
	ProblemReportRejected            ProblemType = "urn:ietf:params:ppm:dap:error:reportRejected"
	ProblemReportTooEarly            ProblemType = "urn:ietf:params:ppm:dap:error:reportTooEarly"
	ProblemBatchInvalid              ProblemType = "urn:ietf:params:ppm:dap:error:batchInvalid"
	ProblemInvalidBatchSize          ProblemType = "urn:ietf:params:ppm:dap:error:invalidBatchSize"
	ProblemBatchQueriedTooManyTime   ProblemType = "urn:ietf:params:ppm:dap:error:batchQueriedTooManyTimes"
	ProblemBatchMismatch             ProblemType = "urn:ietf:params:ppm:dap:error:batchMismatch"
	ProblemUnauthorizedRequest       ProblemType = "urn:ietf:params:ppm:dap:error:unauthorizedRequest"
	ProblemBatchOverlap              ProblemType = "urn:ietf:params:ppm:dap:error:batchOverlap"
	ProblemStepMismatch              ProblemType = "urn:ietf:params:ppm:dap:error:stepMismatch"
	ProblemInternal                  ProblemType = "about:blank"
)

// ProblemDocument is an RFC 7807 error body.
type ProblemDocument struct {
	Type   ProblemType `json:"type"`
	Title  string      `json:"title,omitempty"`
	Status int         `json:"status"`
	Detail string      `json:"detail,omitempty"`
	TaskID string      `json:"taskid,omitempty"`
}

// Error implements error so decoded problem documents can be returned as-is.
func (p *ProblemDocument) Error() string {
	if p.Detail != "" {
		return string(p.Type) + ": " + p.Detail
	}
	return string(p.Type)
}
