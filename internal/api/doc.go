// Package api hosts the operator HTTP server. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/snapshots, /v1/history and /v1/changes for reads.
//   - POST /v1/projects/{project_id}/harvest to queue a manual harvest.
//   - GET /v1/work and /v1/work/{work_id} for WorkItem states.
package api
