package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/dialtide/credsync-backend/interfaces"
)

// MockRemoteTier is an in-memory stand-in for the remote durable tier,
// used in tests and local development. It honors conditional writes and
// can simulate an unreachable remote via SetOffline.
type MockRemoteTier struct {
	mu      sync.RWMutex
	records map[string]*interfaces.CredentialRecord

	offline atomic.Bool

	// Puts counts successful writes, conditional and unconditional.
	Puts atomic.Int64
}

// NewMockRemoteTier creates an empty mock remote tier.
func NewMockRemoteTier() *MockRemoteTier {
	return &MockRemoteTier{records: make(map[string]*interfaces.CredentialRecord)}
}

// SetOffline toggles simulated unreachability.
func (t *MockRemoteTier) SetOffline(offline bool) {
	t.offline.Store(offline)
}

// Get returns the current record for ref, tombstones included.
func (t *MockRemoteTier) Get(ctx context.Context, ref interfaces.RecordRef) (*interfaces.CredentialRecord, error) {
	if t.offline.Load() {
		return nil, interfaces.ErrTierUnavailable
	}

	t.mu.RLock()
	rec := t.records[ref.Path()]
	t.mu.RUnlock()

	if rec == nil {
		return nil, interfaces.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// Put stores rec unconditionally.
func (t *MockRemoteTier) Put(ctx context.Context, rec *interfaces.CredentialRecord) error {
	if t.offline.Load() {
		return interfaces.ErrTierUnavailable
	}

	t.mu.Lock()
	t.records[rec.Ref().Path()] = rec.Clone()
	t.mu.Unlock()
	t.Puts.Inc()
	return nil
}

// PutIfVersion stores rec only if the stored version equals baseline
// (zero meaning no record exists yet).
func (t *MockRemoteTier) PutIfVersion(ctx context.Context, rec *interfaces.CredentialRecord, baseline uint64) error {
	if t.offline.Load() {
		return interfaces.ErrTierUnavailable
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.records[rec.Ref().Path()]
	var currentVersion uint64
	if current != nil {
		currentVersion = current.Version
	}
	if currentVersion != baseline {
		return fmt.Errorf("%w: baseline %d, stored %d", interfaces.ErrVersionConflict, baseline, currentVersion)
	}

	t.records[rec.Ref().Path()] = rec.Clone()
	t.Puts.Inc()
	return nil
}

// List returns keys with a current non-tombstone record for the owner.
func (t *MockRemoteTier) List(ctx context.Context, ownerID, tenantID string) ([]string, error) {
	if t.offline.Load() {
		return nil, interfaces.ErrTierUnavailable
	}

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

// Available reports the simulated reachability.
func (t *MockRemoteTier) Available(ctx context.Context) bool {
	return !t.offline.Load()
}

// Name returns the tier identifier for logs and failure reports.
func (t *MockRemoteTier) Name() string {
	return "mock-remote"
}

// Class returns interfaces.TierRemote.
func (t *MockRemoteTier) Class() interfaces.TierClass {
	return interfaces.TierRemote
}
