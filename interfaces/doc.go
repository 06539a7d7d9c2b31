// Package interfaces defines the shared types and component contracts of
// the credential synchronization engine.
//
// The engine stores tenant-scoped credential records across an ordered
// chain of storage tiers:
//
//   - remote durable store (Vault KV v2 or S3), authoritative for sync
//   - durable local cache (SQLite)
//   - ephemeral session cache
//   - in-process memory cache
//   - compiled-in defaults, read-only
//
// Reads fall through the chain in priority order; writes fan out across
// it, remote first. Records carry a monotonic version and a wall-clock
// timestamp used for last-write-wins conflict resolution.
//
// Payloads are sealed with AES-256-GCM before they reach any tier; only
// the tiered resolver handles plaintext, and only in process memory.
package interfaces
