package storage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dialtide/credsync-backend/interfaces"
)

type sessionIDKey struct{}

// WithSessionID attaches the caller's session ID to the context. The
// session tier is scoped by it; without one the tier reports itself
// unavailable and the resolver skips it.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFromContext returns the session ID attached by WithSessionID.
func SessionIDFromContext(ctx context.Context) string {
	sid, _ := ctx.Value(sessionIDKey{}).(string)
	return sid
}

type sessionEntry struct {
	rec     *interfaces.CredentialRecord
	touched time.Time
}

// SessionTier is the ephemeral session-scoped cache. Entries live per
// session ID and expire after the TTL; expiry is enforced lazily on
// access plus an opportunistic sweep on writes.
type SessionTier struct {
	mu        sync.RWMutex
	sessions  map[string]map[string]*sessionEntry
	ttl       time.Duration
	lastSweep time.Time
	log       *slog.Logger
}

// NewSessionTier creates a session cache with the given entry TTL. A zero
// ttl defaults to 30 minutes.
func NewSessionTier(ttl time.Duration, log *slog.Logger) *SessionTier {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SessionTier{
		sessions:  make(map[string]map[string]*sessionEntry),
		ttl:       ttl,
		lastSweep: time.Now(),
		log:       log,
	}
}

// Get returns the session's cached record for ref.
func (t *SessionTier) Get(ctx context.Context, ref interfaces.RecordRef) (*interfaces.CredentialRecord, error) {
	sid := SessionIDFromContext(ctx)
	if sid == "" {
		return nil, interfaces.ErrRecordNotFound
	}

	t.mu.RLock()
	entry := t.sessions[sid][ref.Path()]
	t.mu.RUnlock()

	if entry == nil || time.Since(entry.touched) > t.ttl {
		return nil, interfaces.ErrRecordNotFound
	}
	return entry.rec.Clone(), nil
}

// Put caches rec for the calling session.
func (t *SessionTier) Put(ctx context.Context, rec *interfaces.CredentialRecord) error {
	sid := SessionIDFromContext(ctx)
	if sid == "" {
		return interfaces.ErrTierUnavailable
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessions[sid] == nil {
		t.sessions[sid] = make(map[string]*sessionEntry)
	}
	t.sessions[sid][rec.Ref().Path()] = &sessionEntry{rec: rec.Clone(), touched: time.Now()}

	if time.Since(t.lastSweep) > t.ttl {
		t.sweepLocked()
	}
	return nil
}

// sweepLocked drops expired entries and empty sessions. Caller holds mu.
func (t *SessionTier) sweepLocked() {
	now := time.Now()
	removed := 0
	for sid, entries := range t.sessions {
		for path, entry := range entries {
			if now.Sub(entry.touched) > t.ttl {
				delete(entries, path)
				removed++
			}
		}
		if len(entries) == 0 {
			delete(t.sessions, sid)
		}
	}
	t.lastSweep = now
	if removed > 0 {
		t.log.Debug("Swept expired session entries", slog.Int("removed", removed))
	}
}

// List returns the session's cached non-tombstone keys for the owner.
func (t *SessionTier) List(ctx context.Context, ownerID, tenantID string) ([]string, error) {
	sid := SessionIDFromContext(ctx)
	if sid == "" {
		return nil, nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var keys []string
	for _, entry := range t.sessions[sid] {
		rec := entry.rec
		if rec.OwnerID == ownerID && rec.TenantID == tenantID && !rec.Deleted &&
			time.Since(entry.touched) <= t.ttl {
			keys = append(keys, rec.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Available requires a session ID on the context.
func (t *SessionTier) Available(ctx context.Context) bool {
	return SessionIDFromContext(ctx) != ""
}

// Name returns the tier identifier for logs and failure reports.
func (t *SessionTier) Name() string {
	return "session"
}

// Class returns interfaces.TierSession.
func (t *SessionTier) Class() interfaces.TierClass {
	return interfaces.TierSession
}
