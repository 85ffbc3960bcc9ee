// Package sinks implements progress consumers: structured logging and
// publishing to a message topic. Each sink satisfies progress.Sink.
package sinks
