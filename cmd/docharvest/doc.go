// Package main hosts the docharvest service entrypoint.
//
// Architecture overview:
//   - Catalog & scheduler: projects and their sources come from the config file. internal/scheduler evaluates the
//     due set on every tick (harvest.tick_interval) against each project's update interval and enqueues one
//     WorkItem per due source. Manual triggers and stale-read refreshes go through the same scheduler, so a source
//     never has two pending items.
//   - Dispatcher & queue: WorkItems flow through a bounded in-memory queue sized by harvest.queue_depth and are fanned
//     out to a fixed pool of harvest.concurrency workers. A per-source lock serializes harvests of the same source.
//   - Harvest pipeline: internal/worker resolves the adapter for the source kind (GitHub repository, wiki, hosted
//     docs, website), discovers candidate documents, retrieves each one with bounded retries, normalizes it to text,
//     fingerprints the body and commits the snapshot plus a change event when the fingerprint moved.
//   - Fetching: GitHub goes through go-github with the token from github.token. Web pages are fetched with Colly,
//     optionally promoted to headless Chrome (chromedp) when the heuristic detector sees a client-rendered shell.
//     Every request waits on the shared per-host token bucket.
//   - Persistence & fanout: snapshots and change history live in the configured store (memory, SQLite, Postgres).
//     Changed bodies are optionally archived to a blob store (memory, local, GCS) and change events are optionally
//     published to Pub/Sub.
//   - Read side: internal/engine annotates snapshots with age and staleness and schedules refreshes of stale
//     sources. internal/api serves it over HTTP with chi, zap request logs and Prometheus metrics.
//
// Quick checklist:
//   - Configure with a YAML file (--config) and DOCHARVEST_* env overrides, e.g. DOCHARVEST_GITHUB_TOKEN,
//     DOCHARVEST_STORE_PROVIDER, DOCHARVEST_STORE_POSTGRES_DSN, DOCHARVEST_HARVEST_CONCURRENCY.
//   - Run the service: go run ./cmd/docharvest serve --config config.yaml
//   - One-shot harvest: go run ./cmd/docharvest harvest --config config.yaml --project uniswap
//   - Dry run of one source: go run ./cmd/docharvest preview --config config.yaml --project uniswap --source repo
package main
