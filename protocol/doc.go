// Package protocol defines the DAP wire types exchanged between clients,
// the leader, the helper and collectors.
//
// Messages are JSON. Identifiers (tasks, reports, batches, jobs) and other
// binary fields encode as unpadded base64url strings, so they can appear in
// URLs unchanged. Times and durations are whole seconds since the UNIX
// epoch.
//
// # Batches
//
// A task groups reports into batches in one of two ways:
//
//   - time_interval: a batch is any interval aligned to the task's time
//     precision, and the collector names it in the query
//   - fixed_size: the leader assigns reports to batches of bounded size and
//     names them by BatchID
//
// BatchIdentifier covers both and has a compact binary form (Encode) used as
// a storage key and inside the aggregate share AAD.
//
// # Errors
//
// Request-level failures travel as RFC 7807 problem documents with DAP type
// URIs (ProblemDocument). Per-report preparation failures are PrepareError
// values inside an aggregation job response.
package protocol
