package interfaces

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// TierClass orders storage tiers by read priority and distinguishes
// capabilities the resolver cares about.
type TierClass int

const (
	// TierRemote is the authoritative durable store (Vault, S3).
	TierRemote TierClass = iota
	// TierLocal is the durable on-device cache.
	TierLocal
	// TierSession is the ephemeral per-session cache.
	TierSession
	// TierMemory is the in-process cache.
	TierMemory
	// TierDefault holds compiled-in baseline settings, read-only.
	TierDefault
)

// String returns the class name for logs and failure reports.
func (c TierClass) String() string {
	switch c {
	case TierRemote:
		return "remote"
	case TierLocal:
		return "local"
	case TierSession:
		return "session"
	case TierMemory:
		return "memory"
	case TierDefault:
		return "default"
	default:
		return "unknown"
	}
}

var (
	// ErrRecordNotFound is returned when no tier holds a current record
	// for the requested ref. Tombstones count as not found.
	ErrRecordNotFound = errors.New("credential record not found")

	// ErrTierUnavailable is returned when a tier cannot be reached. This
	// covers network failures, timeouts, and closed local stores.
	ErrTierUnavailable = errors.New("storage tier unavailable")

	// ErrReadOnlyTier is returned on any write to the default tier.
	ErrReadOnlyTier = errors.New("storage tier is read-only")

	// ErrVersionConflict is returned by conditional writes when the
	// stored version does not match the caller's baseline.
	ErrVersionConflict = errors.New("record version conflict")

	// ErrCorruptedRecord is returned when a record was found but could
	// not be decrypted in any tier. Never conflated with ErrRecordNotFound:
	// a corrupted credential requires reconfiguration, not a silent reset.
	ErrCorruptedRecord = errors.New("credential record corrupted, reconfiguration required")
)

// StorageTier is one backing store in the fallback chain. Implementations
// store and return records with sealed payloads; they never see plaintext.
// A Put of a record with Deleted set replaces the current value with a
// tombstone rather than removing the row.
type StorageTier interface {
	// Get returns the current record for ref, tombstones included.
	// Returns ErrRecordNotFound when the tier holds nothing for ref.
	Get(ctx context.Context, ref RecordRef) (*CredentialRecord, error)

	// Put stores rec as the current record for its ref, replacing any
	// previous value. A single Put is atomic within the tier.
	Put(ctx context.Context, rec *CredentialRecord) error

	// List returns the keys with a current (non-tombstone) record for the
	// owner within the tenant.
	List(ctx context.Context, ownerID, tenantID string) ([]string, error)

	// Available reports whether the tier is reachable right now.
	Available(ctx context.Context) bool

	// Name identifies the tier instance in logs and failure reports.
	Name() string

	// Class returns the tier's position in the fallback chain.
	Class() TierClass
}

// ConditionalTier is implemented by remote tiers that support
// compare-and-set writes. The sync coordinator requires its authoritative
// tier to implement this.
type ConditionalTier interface {
	StorageTier

	// PutIfVersion stores rec only if the currently stored version equals
	// baseline (zero meaning "no record exists yet"). Returns
	// ErrVersionConflict otherwise.
	PutIfVersion(ctx context.Context, rec *CredentialRecord, baseline uint64) error
}

// DirtyMarker is implemented by the durable local tier so offline writes
// can be flagged for later reconciliation against the remote tier.
type DirtyMarker interface {
	// MarkDirty flags or clears the unsynced state of ref's record.
	MarkDirty(ctx context.Context, ref RecordRef, dirty bool) error

	// ListDirty returns refs whose records still await a remote push.
	ListDirty(ctx context.Context) ([]RecordRef, error)
}

// TierError records a single tier's failure during a fan-out operation.
type TierError struct {
	Tier string
	Err  error
}

// Error formats the failure with its tier name.
func (e TierError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tier, e.Err)
}

// Unwrap exposes the underlying error for errors.Is checks.
func (e TierError) Unwrap() error {
	return e.Err
}

// PartialFailure reports a fan-out write that succeeded on some tiers but
// not others. Offline-first operation makes this an expected outcome, not
// a degraded one; the reconciler retries the failed tiers.
type PartialFailure struct {
	FailedTiers []TierError
}

// Error lists the failing tiers.
func (e *PartialFailure) Error() string {
	names := make([]string, len(e.FailedTiers))
	for i, te := range e.FailedTiers {
		names[i] = te.Tier
	}
	return "write incomplete on tiers: " + strings.Join(names, ", ")
}
