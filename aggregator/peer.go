package aggregator

import (
	"context"

	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
)

// PeerClient sends the leader's requests to the helper. Implementations own
// transport, authentication and retries; an error that survives retries is
// returned as is and the job driver leaves the lease to expire.
type PeerClient interface {
	PutAggregationJob(ctx context.Context, t *task.Task, jobID protocol.AggregationJobID,
		req *protocol.AggregationJobInitReq) (*protocol.AggregationJobResp, error)
	PostAggregationJob(ctx context.Context, t *task.Task, jobID protocol.AggregationJobID,
		req *protocol.AggregationJobContinueReq) (*protocol.AggregationJobResp, error)
	PostAggregateShare(ctx context.Context, t *task.Task,
		req *protocol.AggregateShareReq) (*protocol.AggregateShare, error)
}
