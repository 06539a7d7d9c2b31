package syncer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/dialtide/credsync-backend/interfaces"
	"github.com/dialtide/credsync-backend/metrics"
	"github.com/dialtide/credsync-backend/storage"
)

// subscriberBuffer sizes each subscription channel. A subscriber that
// falls this far behind loses events rather than blocking the publisher.
const subscriberBuffer = 16

// maxCommitRetries bounds re-resolution when another process races the
// remote conditional write between our read and our put.
const maxCommitRetries = 3

// lockStripes sizes the fixed write-lock table. Two records on the same
// stripe serialize against each other, which is harmless; the table
// never grows with the key space.
const lockStripes = 64

// Coordinator serializes writes per record, enforces optimistic
// concurrency against the remote tier, resolves conflicts with
// last-write-wins, and broadcasts accepted records to subscribed
// sessions.
type Coordinator struct {
	resolver *storage.TieredResolver
	log      *slog.Logger

	locks [lockStripes]sync.Mutex

	subMu  sync.RWMutex
	subs   map[string]map[uint64]chan *interfaces.CredentialRecord
	nextID atomic.Uint64

	commits atomic.Uint64
}

// NewCoordinator creates a coordinator over the given tier resolver.
func NewCoordinator(resolver *storage.TieredResolver, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		resolver: resolver,
		log:      logger,
		subs:     make(map[string]map[uint64]chan *interfaces.CredentialRecord),
	}
}

// lockFor returns the mutex serializing writes to one record, so two
// concurrent local writers can never both observe the same baseline and
// both win.
func (c *Coordinator) lockFor(ref interfaces.RecordRef) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(ref.Path()))
	return &c.locks[h.Sum32()%lockStripes]
}

// Commits returns the number of accepted writes, for diagnostics.
func (c *Coordinator) Commits() uint64 {
	return c.commits.Load()
}

// CommitWrite applies candidate against the writer's observed baseline
// version. The remote tier is authoritative: a baseline mismatch invokes
// last-write-wins resolution (UpdatedAt, then lexicographically greater
// OriginDeviceID on a millisecond tie). The call always settles on a
// concrete record:
//
//   - candidate accepted: returns (candidate, true, err) where err may be
//     a *interfaces.PartialFailure from the tier fan-out
//   - stored record wins: returns (current, false, nil) with the losing
//     write logged for audit, never silently discarded
//
// When the remote tier is unreachable the write is accepted locally and
// marked dirty for the reconciler; offline operation is not an error.
// candidate.Payload is plaintext; tombstones carry Deleted and no payload.
func (c *Coordinator) CommitWrite(ctx context.Context, candidate *interfaces.CredentialRecord, baseline uint64) (*interfaces.CredentialRecord, bool, error) {
	ref := candidate.Ref()
	if err := ref.Validate(); err != nil {
		return nil, false, err
	}
	if candidate.UpdatedAt.IsZero() {
		candidate.UpdatedAt = time.Now().UTC()
	}

	lock := c.lockFor(ref)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; ; attempt++ {
		current, remoteReachable := c.authoritativeCurrent(ctx, ref)

		if !remoteReachable {
			// Offline path: accept against the caller's baseline, land
			// the record locally, leave the dirty flag for the
			// reconciler.
			candidate.Version = baseline + 1
			err := c.resolver.Write(ctx, candidate, baseline)
			if err != nil && !isPartialFailure(err) {
				return nil, false, err
			}
			c.accept(candidate)
			return candidate, true, err
		}

		var currentVersion uint64
		if current != nil {
			currentVersion = current.Version
		}

		if currentVersion != baseline {
			metrics.ConflictsResolved.Inc()
			if current != nil && !candidate.Supersedes(current) {
				c.log.Warn("Write lost conflict resolution",
					slog.String("ref", ref.String()),
					slog.Uint64("candidate_baseline", baseline),
					slog.Uint64("current_version", currentVersion),
					slog.Time("candidate_updated_at", candidate.UpdatedAt),
					slog.Time("current_updated_at", current.UpdatedAt),
					slog.String("losing_device", candidate.OriginDeviceID))
				return current.Clone(), false, nil
			}
			c.log.Info("Write superseded stored record",
				slog.String("ref", ref.String()),
				slog.Uint64("stored_version", currentVersion),
				slog.String("winning_device", candidate.OriginDeviceID))
			baseline = currentVersion
		}

		candidate.Version = baseline + 1
		err := c.resolver.Write(ctx, candidate, baseline)
		if errors.Is(err, interfaces.ErrVersionConflict) {
			if attempt >= maxCommitRetries {
				return nil, false, fmt.Errorf("commit for %s kept racing remote writers: %w", ref, err)
			}
			continue
		}
		if err != nil && !isPartialFailure(err) {
			return nil, false, err
		}
		c.accept(candidate)
		return candidate, true, err
	}
}

// authoritativeCurrent reads the current record from the remote tier.
// The bool result reports whether the remote answer is usable; any
// failure mode other than "record absent" counts as unreachable.
func (c *Coordinator) authoritativeCurrent(ctx context.Context, ref interfaces.RecordRef) (*interfaces.CredentialRecord, bool) {
	remote := c.resolver.Remote()
	if remote == nil || !remote.Available(ctx) {
		return nil, false
	}

	current, err := remote.Get(ctx, ref)
	switch {
	case err == nil:
		return current, true
	case errors.Is(err, interfaces.ErrRecordNotFound):
		return nil, true
	default:
		c.log.Warn("Remote tier unreadable, treating write as offline",
			slog.String("ref", ref.String()),
			"err", err)
		return nil, false
	}
}

// accept records the commit and publishes it to subscribers.
func (c *Coordinator) accept(rec *interfaces.CredentialRecord) {
	c.commits.Inc()
	c.Publish(rec)
}

// Subscribe returns a channel of accepted records for one owner within
// one tenant, plus a cancel function. The channel only ever blocks its
// consumer while waiting for the next event; a consumer that stops
// draining loses events instead of stalling commits.
func (c *Coordinator) Subscribe(ownerID, tenantID string) (<-chan *interfaces.CredentialRecord, func()) {
	key := subscriptionKey(ownerID, tenantID)
	ch := make(chan *interfaces.CredentialRecord, subscriberBuffer)
	id := c.nextID.Inc()

	c.subMu.Lock()
	if c.subs[key] == nil {
		c.subs[key] = make(map[uint64]chan *interfaces.CredentialRecord)
	}
	c.subs[key][id] = ch
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		if subs, ok := c.subs[key]; ok {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(c.subs, key)
			}
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

// Publish fans rec out to the owner's subscribers without blocking.
// Events carry record metadata only; payloads never travel over the
// broadcast channels, subscribers re-read through the storage resolver.
// Exported so the reconciler can surface records it settles with the
// remote tier.
func (c *Coordinator) Publish(rec *interfaces.CredentialRecord) {
	key := subscriptionKey(rec.OwnerID, rec.TenantID)

	event := rec.Clone()
	event.Payload = nil

	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for id, ch := range c.subs[key] {
		select {
		case ch <- event.Clone():
		default:
			c.log.Warn("Subscriber too slow, dropping change event",
				slog.String("ref", rec.Ref().String()),
				slog.Uint64("subscriber", id))
		}
	}
}

func subscriptionKey(ownerID, tenantID string) string {
	return tenantID + "/" + ownerID
}

func isPartialFailure(err error) bool {
	var pf *interfaces.PartialFailure
	return errors.As(err, &pf)
}
