package aggregator

import (
	"context"
	"fmt"
	"slices"

	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
	"github.com/flashbots/dapagg/vdaf"
)

type pendingBatch struct {
	batch    protocol.BatchIdentifier
	share    []byte
	count    uint64
	checksum protocol.ReportIDChecksum
	interval protocol.Interval
	reports  []protocol.ReportID
}

// Accumulator collects output shares in memory, keyed by batch, and merges
// them into the batch aggregations in one go.
type Accumulator struct {
	task     *task.Task
	vdaf     vdaf.Vdaf
	aggParam []byte

	batches map[string]*pendingBatch
	seen    map[protocol.ReportID]bool
}

func NewAccumulator(t *task.Task, v vdaf.Vdaf, aggParam []byte) *Accumulator {
	return &Accumulator{
		task:     t,
		vdaf:     v,
		aggParam: aggParam,
		batches:  make(map[string]*pendingBatch),
		seen:     make(map[protocol.ReportID]bool),
	}
}

// Update adds one report's output share to its batch.
func (a *Accumulator) Update(batch protocol.BatchIdentifier, reportID protocol.ReportID, ts protocol.Time, outputShare []byte) error {
	if a.seen[reportID] {
		return fmt.Errorf("%w: %s", ErrReportAlreadyMerged, reportID)
	}
	pb, ok := a.batches[batch.Key()]
	if !ok {
		pb = &pendingBatch{batch: batch, share: a.vdaf.AggregateInit(a.aggParam)}
		a.batches[batch.Key()] = pb
	}
	share, err := a.vdaf.Merge(pb.share, outputShare)
	if err != nil {
		return fmt.Errorf("merging output share for %s: %w", reportID, err)
	}
	pb.share = share
	pb.count++
	pb.checksum = pb.checksum.Updated(reportID)
	pb.interval = pb.interval.Merge(ts)
	pb.reports = append(pb.reports, reportID)
	a.seen[reportID] = true
	return nil
}

// Empty reports whether nothing was accumulated.
func (a *Accumulator) Empty() bool { return len(a.batches) == 0 }

// Flush merges every accumulated batch into its batch aggregation. Reports
// whose batch has already been collected are not merged and are returned so
// the caller can fail them.
func (a *Accumulator) Flush(ctx context.Context, tx datastore.Transaction) ([]protocol.ReportID, error) {
	keys := make([]string, 0, len(a.batches))
	for k := range a.batches {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var unmerged []protocol.ReportID
	for _, k := range keys {
		pb := a.batches[k]
		ba, err := tx.GetBatchAggregation(ctx, a.task.ID, pb.batch, a.aggParam)
		if err != nil {
			return nil, err
		}
		if ba != nil && ba.State == datastore.BatchAggregationCollected {
			unmerged = append(unmerged, pb.reports...)
			continue
		}

		if ba == nil {
			ba = &datastore.BatchAggregation{
				TaskID:                  a.task.ID,
				Batch:                   pb.batch,
				AggregationParameter:    a.aggParam,
				State:                   datastore.BatchAggregationCollectable,
				AggregateShare:          pb.share,
				ReportCount:             pb.count,
				Checksum:                pb.checksum,
				ClientTimestampInterval: pb.interval,
			}
			if err := tx.PutBatchAggregation(ctx, ba); err != nil {
				return nil, err
			}
		} else {
			merged, err := a.vdaf.Merge(ba.AggregateShare, pb.share)
			if err != nil {
				return nil, fmt.Errorf("merging batch %s: %w", pb.batch, err)
			}
			ba.AggregateShare = merged
			ba.ReportCount += pb.count
			ba.Checksum = ba.Checksum.Combined(pb.checksum)
			ba.ClientTimestampInterval = ba.ClientTimestampInterval.MergeInterval(pb.interval)
			if err := tx.UpdateBatchAggregation(ctx, ba); err != nil {
				return nil, err
			}
		}

		if a.task.IsFixedSize() && a.task.Role == protocol.RoleLeader {
			if err := a.bumpOutstanding(ctx, tx, pb.batch.BatchID, pb.count); err != nil {
				return nil, err
			}
		}
	}
	return unmerged, nil
}

func (a *Accumulator) bumpOutstanding(ctx context.Context, tx datastore.Transaction, id protocol.BatchID, n uint64) error {
	obs, err := tx.GetOutstandingBatches(ctx, a.task.ID)
	if err != nil {
		return err
	}
	for _, ob := range obs {
		if ob.BatchID == id {
			ob.ReportCount += n
			return tx.UpdateOutstandingBatch(ctx, ob)
		}
	}
	// Already handed to a collection job.
	return nil
}
