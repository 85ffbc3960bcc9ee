// Package store holds the rules every snapshot store implementation shares:
// optimistic version checks, timestamp clamping, history bounds and filter
// matching. Implementations live in the memory, postgres and sqlite
// subpackages; this package must not import database drivers.
package store
