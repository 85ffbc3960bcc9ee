// Package harvest defines the core types, capability interfaces, and error
// taxonomy shared by the documentation harvesting engine: source adapters,
// the normalizer, the diff engine, the snapshot store, and the scheduler.
package harvest
