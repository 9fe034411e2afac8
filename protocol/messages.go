package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/flashbots/dapagg/crypto"
)

// Extension is an opaque report extension.
type Extension struct {
	Type uint16 `json:"type"`
	Data []byte `json:"data,omitempty"`
}

// ReportMetadata is the public part of a report.
type ReportMetadata struct {
	ID   ReportID `json:"report_id"`
	Time Time     `json:"time"`
}

// Report is what a client uploads to the leader.
type Report struct {
	Metadata                  ReportMetadata        `json:"metadata"`
	PublicShare               []byte                `json:"public_share,omitempty"`
	LeaderEncryptedInputShare crypto.HpkeCiphertext `json:"leader_encrypted_input_share"`
	HelperEncryptedInputShare crypto.HpkeCiphertext `json:"helper_encrypted_input_share"`
}

// PlaintextInputShare is the decrypted content of an encrypted input share.
type PlaintextInputShare struct {
	Extensions []Extension `json:"extensions,omitempty"`
	Payload    []byte      `json:"payload"`
}

// ReportShare is the helper's view of a report.
type ReportShare struct {
	Metadata            ReportMetadata        `json:"metadata"`
	PublicShare         []byte                `json:"public_share,omitempty"`
	EncryptedInputShare crypto.HpkeCiphertext `json:"encrypted_input_share"`
}

// PingPongMessageType tags a preparation message.
type PingPongMessageType string

const (
	// PingPongInitialize carries the leader's first prepare share.
	PingPongInitialize PingPongMessageType = "initialize"
	// PingPongContinue carries a prepare message and the sender's next share.
	PingPongContinue PingPongMessageType = "continue"
	// PingPongFinish carries the final prepare message.
	PingPongFinish PingPongMessageType = "finish"
)

// PingPongMessage is one side's outbound preparation message.
type PingPongMessage struct {
	Type      PingPongMessageType `json:"type"`
	PrepMsg   []byte              `json:"prep_msg,omitempty"`
	PrepShare []byte              `json:"prep_share,omitempty"`
}

// PrepareInit pairs a report share with the leader's initial message.
type PrepareInit struct {
	ReportShare ReportShare     `json:"report_share"`
	Message     PingPongMessage `json:"message"`
}

// PartialBatchSelector carries the batch id for fixed-size tasks.
type PartialBatchSelector struct {
	QueryType QueryTypeCode `json:"query_type"`
	BatchID   *BatchID      `json:"batch_id,omitempty"`
}

// AggregationJobInitReq starts an aggregation job on the helper.
type AggregationJobInitReq struct {
	AggregationParameter []byte               `json:"aggregation_parameter,omitempty"`
	PartialBatchSelector PartialBatchSelector `json:"partial_batch_selector"`
	PrepareInits         []PrepareInit        `json:"prepare_inits"`
}

// PrepareRespResult tags the helper's per-report answer.
type PrepareRespResult string

const (
	PrepareRespContinue PrepareRespResult = "continue"
	PrepareRespFinished PrepareRespResult = "finished"
	PrepareRespReject   PrepareRespResult = "reject"
)

// PrepareResp is the helper's answer for one report.
type PrepareResp struct {
	ReportID ReportID          `json:"report_id"`
	Result   PrepareRespResult `json:"result"`
	Message  *PingPongMessage  `json:"message,omitempty"`
	Error    PrepareError      `json:"error,omitempty"`
}

// AggregationJobResp answers both init and continue requests.
type AggregationJobResp struct {
	PrepareResps []PrepareResp `json:"prepare_resps"`
}

// PrepareContinue carries the leader's next message for one report.
type PrepareContinue struct {
	ReportID ReportID        `json:"report_id"`
	Message  PingPongMessage `json:"message"`
}

// AggregationJobContinueReq advances an aggregation job by one round.
type AggregationJobContinueReq struct {
	Round            uint16            `json:"step"`
	PrepareContinues []PrepareContinue `json:"prepare_continues"`
}

// AggregateShareReq asks the helper for its share of a batch.
type AggregateShareReq struct {
	BatchSelector        BatchIdentifier  `json:"batch_selector"`
	AggregationParameter []byte           `json:"aggregation_parameter,omitempty"`
	ReportCount          uint64           `json:"report_count"`
	Checksum             ReportIDChecksum `json:"checksum"`
}

// AggregateShare is the helper's encrypted aggregate share.
type AggregateShare struct {
	EncryptedAggregateShare crypto.HpkeCiphertext `json:"encrypted_aggregate_share"`
}

// CollectionReq is a collector's request to start a collection job.
type CollectionReq struct {
	Query                Query  `json:"query"`
	AggregationParameter []byte `json:"aggregation_parameter,omitempty"`
}

// Collection is the result of a finished collection job.
type Collection struct {
	PartialBatchSelector          PartialBatchSelector  `json:"partial_batch_selector"`
	ReportCount                   uint64                `json:"report_count"`
	Interval                      Interval              `json:"interval"`
	LeaderEncryptedAggregateShare crypto.HpkeCiphertext `json:"leader_encrypted_agg_share"`
	HelperEncryptedAggregateShare crypto.HpkeCiphertext `json:"helper_encrypted_agg_share"`
}

// HpkeConfigList is served from /hpke_config.
type HpkeConfigList struct {
	Configs []crypto.HpkeConfig `json:"configs"`
}

// InputShareAAD binds an encrypted input share to its task and report.
func InputShareAAD(taskID TaskID, md ReportMetadata, publicShare []byte) []byte {
	var buf bytes.Buffer
	buf.Write(taskID[:])
	buf.Write(md.ID[:])
	binary.Write(&buf, binary.BigEndian, uint64(md.Time))
	buf.Write(publicShare)
	return buf.Bytes()
}

// AggregateShareAAD binds an encrypted aggregate share to its task and batch.
func AggregateShareAAD(taskID TaskID, aggParam []byte, batch BatchIdentifier) []byte {
	var buf bytes.Buffer
	buf.Write(taskID[:])
	binary.Write(&buf, binary.BigEndian, uint32(len(aggParam)))
	buf.Write(aggParam)
	buf.Write(batch.Encode())
	return buf.Bytes()
}

// HpkeInfo is the application info string for an HPKE context between two
// roles.
func HpkeInfo(label string, sender, receiver Role) []byte {
	return []byte("dap-07 " + label + " " + string(sender) + " " + string(receiver))
}

const (
	InputShareLabel     = "input share"
	AggregateShareLabel = "aggregate share"
)
