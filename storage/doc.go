// Package storage implements the engine's tiered storage: an ordered
// chain of backing stores that reads fall through and writes fan out
// across.
//
// Tiers in read-priority order:
//
//   - vault:// or s3:// - remote durable store, authoritative for sync
//   - sqlite://         - durable local cache with dirty flags
//   - session://        - ephemeral per-session cache with TTL expiry
//   - mem://            - in-process cache
//   - default://        - compiled-in baseline, read-only
//
// The chain is assembled from URIs by Factory, so adding or removing a
// tier is a configuration change. TieredResolver drives the chain: it
// seals payloads before they reach any tier, decrypts on read, repairs
// higher tiers that missed, and marks records dirty in the local tier
// when the remote store cannot be reached.
//
// Tiers are dumb byte holders. Versioning, conflict resolution, and
// change propagation live in the syncer package.
package storage
