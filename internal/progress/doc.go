// Package progress reports harvest lifecycle milestones. A Tracker sits
// between the dispatcher and the scheduler and turns each start and finish
// into an Event; the Hub batches events on a background goroutine and fans
// them out to pluggable sinks such as structured logs or a Pub/Sub topic.
package progress
