// Package syncer keeps credential records consistent across devices.
//
// The Coordinator versions every record, enforces optimistic concurrency
// against the remote tier, and resolves conflicting writes with
// last-write-wins ordered by update timestamp, tie-broken by the
// lexicographically greater origin device ID. Losing writes are logged
// for audit, never silently discarded, and every commit settles on a
// concrete record that callers can rely on. Accepted records fan out to
// per-owner broadcast subscriptions so other active sessions converge
// immediately.
//
// The Reconciler is the engine's only background task: it retries local
// writes that could not reach the remote tier (flagged dirty by the
// storage resolver) and settles them under the same conflict policy.
package syncer
