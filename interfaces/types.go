package interfaces

import (
	"errors"
	"fmt"
	"time"
)

// Identity is the caller context supplied by the authentication layer on
// every engine call. The engine trusts it and does not re-authenticate.
type Identity struct {
	// UserID is the requesting user. May differ from the effective record
	// owner under tenant delegation.
	UserID string

	// TenantID is the isolation boundary for all reads and writes.
	TenantID string

	// SessionID scopes the ephemeral session tier. Optional.
	SessionID string

	// DeviceID identifies the writing device for conflict tie-breaks and
	// audit. Optional; a process-wide ID is used when absent.
	DeviceID string
}

// Validate checks the identity carries the fields ownership resolution
// depends on.
func (id Identity) Validate() error {
	if id.UserID == "" {
		return errors.New("identity missing user ID")
	}
	if id.TenantID == "" {
		return errors.New("identity missing tenant ID")
	}
	return nil
}

// RecordRef addresses exactly one credential record. OwnerID is the
// effective owner after delegation, not necessarily the requesting user.
type RecordRef struct {
	OwnerID  string
	TenantID string
	Key      string
}

// Validate rejects refs that would collapse the tenant or owner namespace.
func (r RecordRef) Validate() error {
	if r.OwnerID == "" || r.TenantID == "" || r.Key == "" {
		return fmt.Errorf("incomplete record ref %q", r.String())
	}
	return nil
}

// Path returns the tier storage path, tenant first so that a tenant's
// records share a common prefix in every backend.
func (r RecordRef) Path() string {
	return r.TenantID + "/" + r.OwnerID + "/" + r.Key
}

// String returns the path form for logging.
func (r RecordRef) String() string {
	return r.Path()
}

// CredentialRecord is the atomic unit of synchronization. Exactly one
// current record exists per (OwnerID, TenantID, Key).
//
// Payload holds the sealed envelope while the record sits in a storage
// tier; the tiered resolver replaces it with plaintext before handing the
// record to callers and never lets plaintext reach a durable tier.
type CredentialRecord struct {
	OwnerID  string `json:"owner_id"`
	TenantID string `json:"tenant_id"`
	Key      string `json:"key"`

	Payload []byte `json:"payload,omitempty"`

	// Version increases by exactly one on every accepted write and never
	// decreases. A candidate that would decrease it is a conflict.
	Version uint64 `json:"version"`

	// UpdatedAt is the wall-clock write time (UTC), the first conflict
	// tie-breaker.
	UpdatedAt time.Time `json:"updated_at"`

	// OriginDeviceID identifies the writer. Diagnostics and the final
	// conflict tie-breaker only, never an ownership input.
	OriginDeviceID string `json:"origin_device_id,omitempty"`

	// Deleted marks a tombstone. Tombstones are versioned writes so stale
	// tiers honor the deletion instead of resurrecting older data.
	Deleted bool `json:"deleted,omitempty"`
}

// Ref returns the record's address.
func (r *CredentialRecord) Ref() RecordRef {
	return RecordRef{OwnerID: r.OwnerID, TenantID: r.TenantID, Key: r.Key}
}

// Clone returns a deep copy. Tiers hand out clones so callers cannot
// mutate cached state.
func (r *CredentialRecord) Clone() *CredentialRecord {
	c := *r
	if r.Payload != nil {
		c.Payload = make([]byte, len(r.Payload))
		copy(c.Payload, r.Payload)
	}
	return &c
}

// Supersedes reports whether r wins a conflict against other under
// last-write-wins: later UpdatedAt first, lexicographically greater
// OriginDeviceID on a millisecond tie.
func (r *CredentialRecord) Supersedes(other *CredentialRecord) bool {
	a := r.UpdatedAt.UnixMilli()
	b := other.UpdatedAt.UnixMilli()
	if a != b {
		return a > b
	}
	return r.OriginDeviceID > other.OriginDeviceID
}
