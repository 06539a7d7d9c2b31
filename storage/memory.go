package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/dialtide/credsync-backend/interfaces"
)

// MemoryTier is the in-process cache, the last writable stop before the
// compiled-in defaults. It holds sealed records like every other tier;
// plaintext exists only transiently inside the resolver.
type MemoryTier struct {
	mu      sync.RWMutex
	records map[string]*interfaces.CredentialRecord
}

// NewMemoryTier creates an empty in-process cache.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{records: make(map[string]*interfaces.CredentialRecord)}
}

// Get returns the cached record for ref.
func (t *MemoryTier) Get(ctx context.Context, ref interfaces.RecordRef) (*interfaces.CredentialRecord, error) {
	t.mu.RLock()
	rec := t.records[ref.Path()]
	t.mu.RUnlock()

	if rec == nil {
		return nil, interfaces.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// Put caches rec, replacing any current value.
func (t *MemoryTier) Put(ctx context.Context, rec *interfaces.CredentialRecord) error {
	t.mu.Lock()
	t.records[rec.Ref().Path()] = rec.Clone()
	t.mu.Unlock()
	return nil
}

// List returns cached non-tombstone keys for the owner.
func (t *MemoryTier) List(ctx context.Context, ownerID, tenantID string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var keys []string
	for _, rec := range t.records {
		if rec.OwnerID == ownerID && rec.TenantID == tenantID && !rec.Deleted {
			keys = append(keys, rec.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Available always reports true; process memory cannot be unreachable.
func (t *MemoryTier) Available(ctx context.Context) bool {
	return true
}

// Name returns the tier identifier for logs and failure reports.
func (t *MemoryTier) Name() string {
	return "memory"
}

// Class returns interfaces.TierMemory.
func (t *MemoryTier) Class() interfaces.TierClass {
	return interfaces.TierMemory
}
