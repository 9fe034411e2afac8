package datastore_test

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/datastore"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
	"github.com/flashbots/dapagg/testutil"
)

const postgresDSNEnv = "DAPAGG_TEST_POSTGRES_DSN"

type storeFactory func(t *testing.T, clk clock.Clock) datastore.Store

func backends(t *testing.T) map[string]storeFactory {
	out := map[string]storeFactory{
		"memory": func(t *testing.T, clk clock.Clock) datastore.Store {
			return testutil.NewEphemeralDatastore(t, clk)
		},
	}
	if dsn := os.Getenv(postgresDSNEnv); dsn != "" {
		out["postgres"] = func(t *testing.T, clk clock.Clock) datastore.Store {
			db, err := sql.Open("postgres", dsn)
			require.NoError(t, err)
			defer db.Close()
			// Tables may not exist yet on a fresh database.
			_, _ = db.ExecContext(t.Context(), "TRUNCATE tasks CASCADE")

			s, err := datastore.NewPostgresStore(t.Context(), &datastore.PostgresConfig{DSN: dsn}, clk, testutil.NewLogger(t))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return out
}

// forEachBackend runs fn against every configured store backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, s datastore.Store, clk *clock.Mock)) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clk := testutil.NewMockClock()
			fn(t, factory(t, clk), clk)
		})
	}
}

func run(t *testing.T, s datastore.Store, fn func(ctx context.Context, tx datastore.Transaction) error) {
	t.Helper()
	require.NoError(t, s.Run(t.Context(), t.Name(), fn))
}

func newReport(tk *task.Task, ts protocol.Time) *datastore.ClientReport {
	return &datastore.ClientReport{
		TaskID:           tk.ID,
		Metadata:         protocol.ReportMetadata{ID: protocol.NewReportID(), Time: ts},
		PublicShare:      []byte("public"),
		LeaderInputShare: []byte("leader share"),
	}
}

func newAggregationJob(tk *task.Task, interval protocol.Interval) *datastore.AggregationJob {
	return &datastore.AggregationJob{
		TaskID:                  tk.ID,
		ID:                      protocol.NewAggregationJobID(),
		ClientTimestampInterval: interval,
		State:                   datastore.AggregationJobInProgress,
	}
}

func TestTaskRoundTripAndCascade(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s datastore.Store, clk *clock.Mock) {
		tk := testutil.NewTask(t, testutil.WithReportExpiryAge(3600))
		testutil.PutTask(t, s, tk)

		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			got, err := tx.GetTask(ctx, tk.ID)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, tk.ID, got.ID)
			require.Equal(t, tk.Role, got.Role)
			require.Equal(t, tk.QueryType, got.QueryType)
			require.Equal(t, tk.MinBatchSize, got.MinBatchSize)
			require.Equal(t, *tk.ReportExpiryAge, *got.ReportExpiryAge)
			require.Nil(t, got.TaskExpiration)
			require.True(t, bytes.Equal(tk.VdafVerifyKey, got.VdafVerifyKey))
			require.Len(t, got.HpkeKeys, 1)
			require.Equal(t, tk.HpkeKeys[0].Config.ID, got.HpkeKeys[0].Config.ID)

			require.ErrorIs(t, tx.PutTask(ctx, tk), datastore.ErrMutationTargetAlreadyExists)
			return tx.PutClientReport(ctx, newReport(tk, clock.ProtocolNow(clk)))
		})

		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			require.NoError(t, tx.DeleteTask(ctx, tk.ID))
			got, err := tx.GetTask(ctx, tk.ID)
			require.NoError(t, err)
			require.Nil(t, got)

			reports, err := tx.ClaimUnaggregatedClientReports(ctx, tk.ID, 0, 10)
			require.NoError(t, err)
			require.Empty(t, reports)

			require.ErrorIs(t, tx.DeleteTask(ctx, tk.ID), datastore.ErrMutationTargetNotFound)
			return nil
		})
	})
}

func TestRunRollsBackOnError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s datastore.Store, clk *clock.Mock) {
		tk := testutil.NewTask(t)
		boom := errors.New("boom")

		err := s.Run(t.Context(), "rollback", func(ctx context.Context, tx datastore.Transaction) error {
			require.NoError(t, tx.PutTask(ctx, tk))
			return boom
		})
		require.ErrorIs(t, err, boom)

		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			got, err := tx.GetTask(ctx, tk.ID)
			require.NoError(t, err)
			require.Nil(t, got)
			return nil
		})
	})
}

func TestClientReports(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s datastore.Store, clk *clock.Mock) {
		tk := testutil.NewTask(t)
		testutil.PutTask(t, s, tk)
		now := clock.ProtocolNow(clk)

		old := newReport(tk, now.Sub(7200))
		mid := newReport(tk, now.Sub(3600))
		recent := newReport(tk, now)

		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			for _, r := range []*datastore.ClientReport{recent, old, mid} {
				require.NoError(t, tx.PutClientReport(ctx, r))
			}
			require.ErrorIs(t, tx.PutClientReport(ctx, old), datastore.ErrMutationTargetAlreadyExists)

			got, err := tx.GetClientReport(ctx, tk.ID, mid.Metadata.ID)
			require.NoError(t, err)
			require.Equal(t, mid.Metadata, got.Metadata)
			require.True(t, bytes.Equal(mid.LeaderInputShare, got.LeaderInputShare))
			return nil
		})

		// Claims come back oldest first and skip reports before notBefore.
		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			claimed, err := tx.ClaimUnaggregatedClientReports(ctx, tk.ID, now.Sub(3600), 1)
			require.NoError(t, err)
			require.Len(t, claimed, 1)
			require.Equal(t, mid.Metadata.ID, claimed[0].Metadata.ID)
			return nil
		})

		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			claimed, err := tx.ClaimUnaggregatedClientReports(ctx, tk.ID, 0, 10)
			require.NoError(t, err)
			require.Len(t, claimed, 2)
			require.Equal(t, old.Metadata.ID, claimed[0].Metadata.ID)
			require.Equal(t, recent.Metadata.ID, claimed[1].Metadata.ID)

			again, err := tx.ClaimUnaggregatedClientReports(ctx, tk.ID, 0, 10)
			require.NoError(t, err)
			require.Empty(t, again)
			return tx.MarkReportsUnaggregated(ctx, tk.ID, []protocol.ReportID{old.Metadata.ID})
		})

		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			claimed, err := tx.ClaimUnaggregatedClientReports(ctx, tk.ID, 0, 10)
			require.NoError(t, err)
			require.Len(t, claimed, 1)
			require.Equal(t, old.Metadata.ID, claimed[0].Metadata.ID)

			n, err := tx.DeleteExpiredClientReports(ctx, tk.ID, now.Sub(3600), 0)
			require.NoError(t, err)
			require.Equal(t, 1, n)
			got, err := tx.GetClientReport(ctx, tk.ID, old.Metadata.ID)
			require.NoError(t, err)
			require.Nil(t, got)
			return nil
		})
	})
}

func TestScrubbedReportReplay(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s datastore.Store, clk *clock.Mock) {
		tk := testutil.NewTask(t, testutil.WithRole(protocol.RoleHelper))
		testutil.PutTask(t, s, tk)
		md := protocol.ReportMetadata{ID: protocol.NewReportID(), Time: clock.ProtocolNow(clk)}

		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			return tx.PutScrubbedReport(ctx, tk.ID, md)
		})
		err := s.Run(t.Context(), "replay", func(ctx context.Context, tx datastore.Transaction) error {
			return tx.PutScrubbedReport(ctx, tk.ID, md)
		})
		require.ErrorIs(t, err, datastore.ErrMutationTargetAlreadyExists)

		// Scrubbed reports are never handed to the job creator.
		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			claimed, err := tx.ClaimUnaggregatedClientReports(ctx, tk.ID, 0, 10)
			require.NoError(t, err)
			require.Empty(t, claimed)
			return nil
		})
	})
}

func TestAggregationJobLeases(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s datastore.Store, clk *clock.Mock) {
		leader := testutil.NewTask(t)
		helper := testutil.NewTask(t, testutil.WithRole(protocol.RoleHelper))
		testutil.PutTask(t, s, leader)
		testutil.PutTask(t, s, helper)

		interval := protocol.Interval{Start: clock.ProtocolNow(clk), Duration: 1}
		job := newAggregationJob(leader, interval)
		finished := newAggregationJob(leader, interval)
		finished.State = datastore.AggregationJobFinished
		helperJob := newAggregationJob(helper, interval)
		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			require.NoError(t, tx.PutAggregationJob(ctx, job))
			require.NoError(t, tx.PutAggregationJob(ctx, finished))
			require.NoError(t, tx.PutAggregationJob(ctx, helperJob))
			require.ErrorIs(t, tx.PutAggregationJob(ctx, job), datastore.ErrMutationTargetAlreadyExists)
			return nil
		})

		const leaseDuration = 10 * time.Minute
		var lease *datastore.Lease[datastore.AcquiredAggregationJob]
		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			leases, err := tx.AcquireIncompleteAggregationJobs(ctx, leaseDuration, 10)
			require.NoError(t, err)
			require.Len(t, leases, 1)
			lease = leases[0]
			require.Equal(t, job.ID, lease.Leased.JobID)
			require.Equal(t, leader.ID, lease.Leased.TaskID)
			require.Equal(t, protocol.QueryTypeTimeInterval, lease.Leased.QueryType)
			require.Equal(t, 1, lease.Attempts)
			require.NotEmpty(t, lease.Token)
			require.WithinDuration(t, clk.Now().Add(leaseDuration), lease.Expiry, time.Second)

			again, err := tx.AcquireIncompleteAggregationJobs(ctx, leaseDuration, 10)
			require.NoError(t, err)
			require.Empty(t, again, "a held lease must not be handed out twice")
			return nil
		})

		clk.Advance(5 * time.Minute)
		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			return tx.RenewAggregationJobLease(ctx, lease, leaseDuration)
		})
		require.WithinDuration(t, clk.Now().Add(leaseDuration), lease.Expiry, time.Second)

		// Let the lease lapse; the job is reclaimed with a new token.
		clk.Advance(leaseDuration)
		var second *datastore.Lease[datastore.AcquiredAggregationJob]
		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			leases, err := tx.AcquireIncompleteAggregationJobs(ctx, leaseDuration, 10)
			require.NoError(t, err)
			require.Len(t, leases, 1)
			second = leases[0]
			require.Equal(t, 2, second.Attempts)
			require.NotEqual(t, lease.Token, second.Token)
			return nil
		})

		err := s.Run(t.Context(), "stale release", func(ctx context.Context, tx datastore.Transaction) error {
			return tx.ReleaseAggregationJob(ctx, lease)
		})
		require.ErrorIs(t, err, datastore.ErrMutationTargetNotFound)

		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			return tx.ReleaseAggregationJob(ctx, second)
		})

		// Released jobs are immediately claimable and attempts start over.
		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			leases, err := tx.AcquireIncompleteAggregationJobs(ctx, leaseDuration, 10)
			require.NoError(t, err)
			require.Len(t, leases, 1)
			require.Equal(t, 1, leases[0].Attempts)
			return nil
		})
	})
}

func TestReportAggregationsOrdered(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s datastore.Store, clk *clock.Mock) {
		tk := testutil.NewTask(t)
		testutil.PutTask(t, s, tk)
		now := clock.ProtocolNow(clk)
		job := newAggregationJob(tk, protocol.Interval{Start: now, Duration: 1})

		ids := []protocol.ReportID{protocol.NewReportID(), protocol.NewReportID(), protocol.NewReportID()}
		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			require.NoError(t, tx.PutAggregationJob(ctx, job))
			for i := len(ids) - 1; i >= 0; i-- {
				require.NoError(t, tx.PutReportAggregation(ctx, &datastore.ReportAggregation{
					TaskID:           tk.ID,
					AggregationJobID: job.ID,
					ReportID:         ids[i],
					Time:             now,
					Ord:              int64(i),
					State:            datastore.ReportAggregationStart,
				}))
			}
			return nil
		})

		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			ras, err := tx.GetReportAggregationsForJob(ctx, tk.ID, job.ID)
			require.NoError(t, err)
			require.Len(t, ras, 3)
			for i, ra := range ras {
				require.Equal(t, ids[i], ra.ReportID)
			}

			ras[1].State = datastore.ReportAggregationWaiting
			ras[1].PrepState = []byte("state")
			ras[1].Outbound = &protocol.PingPongMessage{Type: protocol.PingPongContinue, PrepMsg: []byte("m")}
			require.NoError(t, tx.UpdateReportAggregation(ctx, ras[1]))
			ras[2].Fail(protocol.PrepareErrorHpkeDecryptError)
			require.NoError(t, tx.UpdateReportAggregation(ctx, ras[2]))
			return tx.DeleteReportAggregation(ctx, tk.ID, job.ID, ids[0])
		})

		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			ras, err := tx.GetReportAggregationsForJob(ctx, tk.ID, job.ID)
			require.NoError(t, err)
			require.Len(t, ras, 2)
			require.Equal(t, datastore.ReportAggregationWaiting, ras[0].State)
			require.True(t, bytes.Equal([]byte("state"), ras[0].PrepState))
			require.Equal(t, protocol.PingPongContinue, ras[0].Outbound.Type)
			require.Equal(t, datastore.ReportAggregationInvalid, ras[1].State)
			require.Equal(t, protocol.PrepareErrorHpkeDecryptError, ras[1].Error)
			return nil
		})
	})
}

func TestBatchAggregationsForCollection(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s datastore.Store, clk *clock.Mock) {
		tk := testutil.NewTask(t)
		testutil.PutTask(t, s, tk)
		start := clock.ProtocolNow(clk).ToBatchIntervalStart(tk.TimePrecision)

		put := func(ctx context.Context, tx datastore.Transaction, offset protocol.Duration) {
			require.NoError(t, tx.PutBatchAggregation(ctx, &datastore.BatchAggregation{
				TaskID: tk.ID,
				Batch:  protocol.IntervalBatch(protocol.Interval{Start: start.Add(offset), Duration: tk.TimePrecision}),
				State:  datastore.BatchAggregationCollectable,
			}))
		}
		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			put(ctx, tx, 0)
			put(ctx, tx, tk.TimePrecision)
			put(ctx, tx, 3*tk.TimePrecision)
			return nil
		})

		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			query := protocol.IntervalBatch(protocol.Interval{Start: start, Duration: 2 * tk.TimePrecision})
			got, err := tx.GetBatchAggregationsForCollection(ctx, tk.ID, query, nil)
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.Equal(t, start, got[0].Batch.Interval.Start)
			require.Equal(t, start.Add(tk.TimePrecision), got[1].Batch.Interval.Start)

			got[0].ReportCount = 4
			got[0].Checksum = got[0].Checksum.Updated(protocol.NewReportID())
			got[0].AggregationJobsCreated = 2
			require.NoError(t, tx.UpdateBatchAggregation(ctx, got[0]))

			single, err := tx.GetBatchAggregation(ctx, tk.ID, got[0].Batch, nil)
			require.NoError(t, err)
			require.Equal(t, uint64(4), single.ReportCount)
			require.Equal(t, got[0].Checksum, single.Checksum)
			require.False(t, single.FullyAccumulated())
			return nil
		})
	})
}

func TestCollectionJobReacquireDelay(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s datastore.Store, clk *clock.Mock) {
		tk := testutil.NewTask(t)
		testutil.PutTask(t, s, tk)
		interval := tk.BatchIntervalFor(clock.ProtocolNow(clk))
		job := &datastore.CollectionJob{
			TaskID: tk.ID,
			ID:     protocol.NewCollectionJobID(),
			Query:  protocol.Query{QueryType: protocol.QueryTypeTimeInterval, BatchInterval: &interval},
			Batch:  protocol.IntervalBatch(interval),
			State:  datastore.CollectionJobStart,
		}
		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			return tx.PutCollectionJob(ctx, job)
		})

		var lease *datastore.Lease[datastore.AcquiredCollectionJob]
		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			leases, err := tx.AcquireIncompleteCollectionJobs(ctx, time.Minute, 10)
			require.NoError(t, err)
			require.Len(t, leases, 1)
			lease = leases[0]
			return tx.ReleaseCollectionJob(ctx, lease, 30*time.Second)
		})

		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			leases, err := tx.AcquireIncompleteCollectionJobs(ctx, time.Minute, 10)
			require.NoError(t, err)
			require.Empty(t, leases)
			return nil
		})

		clk.Advance(30 * time.Second)
		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			leases, err := tx.AcquireIncompleteCollectionJobs(ctx, time.Minute, 10)
			require.NoError(t, err)
			require.Len(t, leases, 1)

			got, err := tx.GetCollectionJob(ctx, tk.ID, job.ID)
			require.NoError(t, err)
			got.State = datastore.CollectionJobFinished
			return tx.UpdateCollectionJob(ctx, got)
		})

		clk.Advance(time.Hour)
		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			leases, err := tx.AcquireIncompleteCollectionJobs(ctx, time.Minute, 10)
			require.NoError(t, err)
			require.Empty(t, leases, "finished jobs are not claimable")

			overlapping, err := tx.GetCollectionJobsIntersecting(ctx, tk.ID,
				protocol.IntervalBatch(protocol.Interval{Start: interval.Start, Duration: 2 * tk.TimePrecision}))
			require.NoError(t, err)
			require.Len(t, overlapping, 1)
			return nil
		})
	})
}

func TestGarbageCollectionKeepsPendingCollections(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s datastore.Store, clk *clock.Mock) {
		tk := testutil.NewTask(t, testutil.WithReportExpiryAge(3600))
		testutil.PutTask(t, s, tk)
		start := clock.ProtocolNow(clk).Sub(5 * tk.TimePrecision).ToBatchIntervalStart(tk.TimePrecision)

		pending := protocol.IntervalBatch(protocol.Interval{Start: start, Duration: tk.TimePrecision})
		idle := protocol.IntervalBatch(protocol.Interval{Start: start.Add(tk.TimePrecision), Duration: tk.TimePrecision})
		fresh := protocol.IntervalBatch(tk.BatchIntervalFor(clock.ProtocolNow(clk)))

		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			for _, b := range []protocol.BatchIdentifier{pending, idle, fresh} {
				require.NoError(t, tx.PutBatchAggregation(ctx, &datastore.BatchAggregation{
					TaskID: tk.ID, Batch: b, State: datastore.BatchAggregationCollectable,
				}))
			}
			interval := pending.Interval
			return tx.PutCollectionJob(ctx, &datastore.CollectionJob{
				TaskID: tk.ID,
				ID:     protocol.NewCollectionJobID(),
				Query:  protocol.Query{QueryType: protocol.QueryTypeTimeInterval, BatchInterval: &interval},
				Batch:  pending,
				State:  datastore.CollectionJobCollectable,
			})
		})

		cutoff, ok := tk.ExpiryCutoff(clock.ProtocolNow(clk))
		require.True(t, ok)
		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			n, err := tx.DeleteExpiredBatchAggregations(ctx, tk.ID, cutoff, 100)
			require.NoError(t, err)
			require.Equal(t, 1, n)

			n, err = tx.DeleteExpiredCollectionJobs(ctx, tk.ID, cutoff, 100)
			require.NoError(t, err)
			require.Zero(t, n, "pending collection jobs survive collection")

			for _, b := range []protocol.BatchIdentifier{pending, fresh} {
				ba, err := tx.GetBatchAggregation(ctx, tk.ID, b, nil)
				require.NoError(t, err)
				require.NotNil(t, ba, b.String())
			}
			ba, err := tx.GetBatchAggregation(ctx, tk.ID, idle, nil)
			require.NoError(t, err)
			require.Nil(t, ba)
			return nil
		})
	})
}

func TestOutstandingBatches(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s datastore.Store, clk *clock.Mock) {
		tk := testutil.NewTask(t, testutil.WithFixedSize(10), testutil.WithMinBatchSize(2))
		testutil.PutTask(t, s, tk)

		first := &datastore.OutstandingBatch{TaskID: tk.ID, BatchID: protocol.NewBatchID(), AssignedCount: 3}
		second := &datastore.OutstandingBatch{TaskID: tk.ID, BatchID: protocol.NewBatchID(), AssignedCount: 1}
		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			require.NoError(t, tx.PutOutstandingBatch(ctx, first))
			require.NoError(t, tx.PutOutstandingBatch(ctx, second))
			return tx.PutBatchAggregation(ctx, &datastore.BatchAggregation{
				TaskID: tk.ID,
				Batch:  protocol.FixedSizeBatch(first.BatchID),
				State:  datastore.BatchAggregationCollectable,
			})
		})

		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			all, err := tx.GetOutstandingBatches(ctx, tk.ID)
			require.NoError(t, err)
			require.Len(t, all, 2)
			require.Equal(t, first.BatchID, all[0].BatchID)

			filled, err := tx.GetFilledOutstandingBatch(ctx, tk.ID, tk.MinBatchSize)
			require.NoError(t, err)
			require.Nil(t, filled)

			first.ReportCount = 2
			require.NoError(t, tx.UpdateOutstandingBatch(ctx, first))
			filled, err = tx.GetFilledOutstandingBatch(ctx, tk.ID, tk.MinBatchSize)
			require.NoError(t, err)
			require.Equal(t, first.BatchID, filled.BatchID)

			n, err := tx.DeleteOrphanedOutstandingBatches(ctx, tk.ID, 10)
			require.NoError(t, err)
			require.Equal(t, 1, n)

			all, err = tx.GetOutstandingBatches(ctx, tk.ID)
			require.NoError(t, err)
			require.Len(t, all, 1)
			return tx.DeleteOutstandingBatch(ctx, tk.ID, first.BatchID)
		})
	})
}

func TestAggregateShareJobs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s datastore.Store, clk *clock.Mock) {
		tk := testutil.NewTask(t, testutil.WithRole(protocol.RoleHelper))
		testutil.PutTask(t, s, tk)
		batch := protocol.IntervalBatch(tk.BatchIntervalFor(clock.ProtocolNow(clk)))
		job := &datastore.AggregateShareJob{
			TaskID:         tk.ID,
			Batch:          batch,
			AggregateShare: []byte{1, 2, 3},
			ReportCount:    3,
		}

		run(t, s, func(ctx context.Context, tx datastore.Transaction) error {
			require.NoError(t, tx.PutAggregateShareJob(ctx, job))
			require.ErrorIs(t, tx.PutAggregateShareJob(ctx, job), datastore.ErrMutationTargetAlreadyExists)

			got, err := tx.GetAggregateShareJob(ctx, tk.ID, batch, nil)
			require.NoError(t, err)
			require.Equal(t, uint64(3), got.ReportCount)
			require.True(t, bytes.Equal(job.AggregateShare, got.AggregateShare))

			wider := protocol.IntervalBatch(protocol.Interval{Start: batch.Interval.Start, Duration: 4 * tk.TimePrecision})
			overlapping, err := tx.GetAggregateShareJobsIntersecting(ctx, tk.ID, wider)
			require.NoError(t, err)
			require.Len(t, overlapping, 1)

			other, err := tx.GetAggregateShareJob(ctx, tk.ID, wider, nil)
			require.NoError(t, err)
			require.Nil(t, other)
			return nil
		})
	})
}
