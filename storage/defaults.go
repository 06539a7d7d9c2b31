package storage

import (
	"context"
	"sort"

	"github.com/dialtide/credsync-backend/interfaces"
)

// DefaultTier holds the compiled-in baseline for mandatory settings so
// the application never operates with no value at all. It is read-only,
// keyed by setting name alone (the baseline is tenant-independent), and
// its payloads are plaintext by construction: only non-secret defaults
// belong here, never credentials.
type DefaultTier struct {
	values map[string][]byte
}

// NewDefaultTier creates the read-only baseline tier from a map of
// setting name to default value. The map is copied.
func NewDefaultTier(values map[string][]byte) *DefaultTier {
	copied := make(map[string][]byte, len(values))
	for k, v := range values {
		copied[k] = append([]byte(nil), v...)
	}
	return &DefaultTier{values: copied}
}

// Get returns a synthetic record carrying the default value for ref.Key.
// Version zero signals "no real record exists"; writes built on a default
// hit start from an empty baseline.
func (t *DefaultTier) Get(ctx context.Context, ref interfaces.RecordRef) (*interfaces.CredentialRecord, error) {
	value, ok := t.values[ref.Key]
	if !ok {
		return nil, interfaces.ErrRecordNotFound
	}
	return &interfaces.CredentialRecord{
		OwnerID:  ref.OwnerID,
		TenantID: ref.TenantID,
		Key:      ref.Key,
		Payload:  append([]byte(nil), value...),
		Version:  0,
	}, nil
}

// Put always fails; the default tier is never written.
func (t *DefaultTier) Put(ctx context.Context, rec *interfaces.CredentialRecord) error {
	return interfaces.ErrReadOnlyTier
}

// List returns all default setting names.
func (t *DefaultTier) List(ctx context.Context, ownerID, tenantID string) ([]string, error) {
	keys := make([]string, 0, len(t.values))
	for k := range t.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Available always reports true.
func (t *DefaultTier) Available(ctx context.Context) bool {
	return true
}

// Name returns the tier identifier for logs and failure reports.
func (t *DefaultTier) Name() string {
	return "default"
}

// Class returns interfaces.TierDefault.
func (t *DefaultTier) Class() interfaces.TierClass {
	return interfaces.TierDefault
}
