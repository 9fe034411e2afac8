// Package cmd provides the dapagg binaries.
//
// # Commands
//
// aggregator: Serves the DAP API (uploads, aggregation jobs, collection
// jobs, aggregate shares) for every task in the datastore. Leader and helper
// run the same binary; the role comes from each task.
//
//	go run ./cmd/aggregator --config=aggregator.yaml
//	go run ./cmd/aggregator --in-memory --addr=:8080
//
// job-driver: Runs the leader's background components against the shared
// datastore: the aggregation job creator, the aggregation and collection job
// drivers and the garbage collector. The run section of the config selects
// which of them this process runs.
//
//	go run ./cmd/job-driver --config=aggregator.yaml
//
// provision-tasks: Writes tasks from a YAML task file into the datastore,
// or deletes them. With --generate it creates a matching leader/helper task
// pair and the collector's credentials.
//
//	go run ./cmd/provision-tasks --generate=./out --leader=http://localhost:8080/ --helper=http://localhost:8081/
//	go run ./cmd/provision-tasks --config=leader.yaml ./out/leader.yaml
//
// dap-cli: Uploads measurements as a client and collects results as a
// collector.
//
//	go run ./cmd/dap-cli upload --task=<id> 1 0 1 1
//	go run ./cmd/dap-cli collect --collector=./out/collector.json --current-batch
//
// demo: Runs a leader and a helper in one process with in-memory
// datastores, uploads random reports and collects the batch.
//
//	go run ./cmd/demo --reports=20 --batch-size=10
//
// # Configuration
//
// aggregator, job-driver and provision-tasks share one YAML file, loaded
// over built-in defaults. Unknown keys are rejected. Command-line flags
// override config file values.
//
//	database:
//	  host: localhost
//	  port: 5432
//	  user: postgres
//	  dbname: dapagg
//	  sslmode: disable
//	logging:
//	  level: info
//	tracing:
//	  exporter: none
//	http:
//	  listen_addr: ":8080"
//	  metrics_addr: ":9090"
//	peer:
//	  request_timeout: 30s
//	run:
//	  aggregation_job_creator: true
//	  aggregation_job_driver: true
//	  collection_job_driver: true
//	  garbage_collector: true
//	job_driver:
//	  job_discovery_interval: 10s
//	  max_concurrent_job_workers: 8
//	  lease_duration: 10m
//	  lease_renew_interval: 2m
package cmd
