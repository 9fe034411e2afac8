/*
Package services is the HTTP boundary of an aggregator.

DAPHandler serves the DAP endpoints on a chi router and maps aggregator
errors to problem documents:

	GET    /hpke_config?task_id=
	PUT    /tasks/{task_id}/reports
	PUT    /tasks/{task_id}/aggregation_jobs/{job_id}
	POST   /tasks/{task_id}/aggregation_jobs/{job_id}
	POST   /tasks/{task_id}/aggregate_shares
	PUT    /tasks/{task_id}/collection_jobs/{job_id}
	POST   /tasks/{task_id}/collection_jobs/{job_id}
	DELETE /tasks/{task_id}/collection_jobs/{job_id}

Which endpoints answer for a task depends on the role it was provisioned
with; a helper task is unknown to the upload and collection routes.

HTTPPeerClient is the leader's side of the helper endpoints. Every failure
comes back as an *aggregator.PeerError so the job drivers can tell transient
failures from rejections.

Orchestrator runs a leader and a helper in one process with in-memory
datastores. It backs cmd/demo and the deployment test.
*/
package services
