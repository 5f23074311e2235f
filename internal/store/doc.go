// Package store is the durable job store: jobs, leases and execution records.
//
// It is the single source of truth for scheduling state. All state
// transitions go through it, and its atomic claim operation (claim token +
// lease expiry, conditional update / SKIP LOCKED) is the only coordination
// mechanism between dispatcher instances; in-memory state is never
// authoritative.
//
// Two backends share one contract: PostgreSQL (pgx pool) and SQLite
// (modernc, single-writer). Schema migrations are embedded and applied
// on Open.
package store
