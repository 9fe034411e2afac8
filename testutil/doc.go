/*
Package testutil provides fixtures shared by the aggregator, datastore and
services tests.

# Tasks

NewTask builds a valid single-aggregator task; NewTaskPair builds the same
task as provisioned on the leader and on the helper, with a collector
keypair:

	pair := testutil.NewTaskPair(t, leaderURL, helperURL, testutil.WithMinBatchSize(3))
	pair.PutTasks(t, leaderStore, helperStore)

# Reports

TaskPair.GenerateReport shards and seals a measurement exactly as a real
client would:

	report := pair.GenerateReport(t, 1, clock.ProtocolNow(clk))

# Stores and clocks

NewEphemeralDatastore returns an in-memory datastore bound to a clock.
NewMockClock starts at StartTime, which is aligned to an hour so that batch
windows are predictable.

This package is intended for testing purposes only.
*/
package testutil
