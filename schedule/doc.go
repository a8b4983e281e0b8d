// Package schedule holds the gateway's pending poll work: an in-memory
// min-heap of per-node tasks ordered by due time, with an index that keeps a
// single entry per node slot, and a wake channel that lets the single
// consumer sleep exactly until the next task is due or new work arrives.
//
// The queue is never persisted. After a restart it is rebuilt from discovery
// and join events.
package schedule
