// Package engine is the credential synchronization facade the rest of
// the application calls: ownership resolution, then sync coordination,
// then tiered storage, in that order on every operation.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/dialtide/credsync-backend/interfaces"
	"github.com/dialtide/credsync-backend/storage"
	"github.com/dialtide/credsync-backend/syncer"
	"github.com/dialtide/credsync-backend/tenant"
)

// Engine exposes credential operations keyed by caller identity. All
// context carries through to tier I/O, so callers can cancel mid-write
// without risking a half-written tier: individual tier puts are atomic
// and the fan-out is idempotent per version.
type Engine struct {
	owners   *tenant.Resolver
	resolver *storage.TieredResolver
	coord    *syncer.Coordinator
	deviceID string
	log      *slog.Logger
}

// New creates the engine. deviceID is the process-wide fallback origin
// device identifier for callers that do not send one.
func New(owners *tenant.Resolver, resolver *storage.TieredResolver, coord *syncer.Coordinator, deviceID string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		owners:   owners,
		resolver: resolver,
		coord:    coord,
		deviceID: deviceID,
		log:      logger,
	}
}

// refFor resolves the effective owner for the request. Ownership errors
// are fatal to the operation; a wrong-owner write must never proceed.
func (e *Engine) refFor(id interfaces.Identity, key string) (interfaces.RecordRef, error) {
	if err := id.Validate(); err != nil {
		return interfaces.RecordRef{}, err
	}
	owner, err := e.owners.ResolveOwner(id.UserID, id.TenantID, key)
	if err != nil {
		return interfaces.RecordRef{}, err
	}
	return interfaces.RecordRef{OwnerID: owner, TenantID: id.TenantID, Key: key}, nil
}

// GetCredential returns the decrypted record for key, falling through
// the storage tiers. interfaces.ErrRecordNotFound means "not configured";
// interfaces.ErrCorruptedRecord means a record exists but failed to
// decrypt everywhere and must be reconfigured. The two are never merged.
func (e *Engine) GetCredential(ctx context.Context, id interfaces.Identity, key string) (*interfaces.CredentialRecord, error) {
	ref, err := e.refFor(id, key)
	if err != nil {
		return nil, err
	}
	return e.resolver.Read(storage.WithSessionID(ctx, id.SessionID), ref)
}

// SetCredential writes a new value for key. The returned record is the
// concrete accepted value, which under conflict resolution may be a
// different device's write; accepted reports whether this caller's value
// won. err may be a *interfaces.PartialFailure when some tiers missed
// the fan-out.
func (e *Engine) SetCredential(ctx context.Context, id interfaces.Identity, key string, value []byte) (rec *interfaces.CredentialRecord, accepted bool, err error) {
	ref, err := e.refFor(id, key)
	if err != nil {
		return nil, false, err
	}
	ctx = storage.WithSessionID(ctx, id.SessionID)

	candidate := &interfaces.CredentialRecord{
		OwnerID:        ref.OwnerID,
		TenantID:       ref.TenantID,
		Key:            ref.Key,
		Payload:        value,
		UpdatedAt:      time.Now().UTC(),
		OriginDeviceID: e.originDevice(id),
	}
	return e.coord.CommitWrite(ctx, candidate, e.baseline(ctx, ref))
}

// DeleteCredential removes key by committing a tombstone, so stale tiers
// honor the deletion instead of resurrecting old data.
func (e *Engine) DeleteCredential(ctx context.Context, id interfaces.Identity, key string) (rec *interfaces.CredentialRecord, accepted bool, err error) {
	ref, err := e.refFor(id, key)
	if err != nil {
		return nil, false, err
	}
	ctx = storage.WithSessionID(ctx, id.SessionID)

	tombstone := &interfaces.CredentialRecord{
		OwnerID:        ref.OwnerID,
		TenantID:       ref.TenantID,
		Key:            ref.Key,
		UpdatedAt:      time.Now().UTC(),
		OriginDeviceID: e.originDevice(id),
		Deleted:        true,
	}
	return e.coord.CommitWrite(ctx, tombstone, e.baseline(ctx, ref))
}

// ListKeys returns the configured setting names visible to the identity:
// its own records plus any tenant-delegated keys that exist under the
// primary owner.
func (e *Engine) ListKeys(ctx context.Context, id interfaces.Identity) ([]string, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	ctx = storage.WithSessionID(ctx, id.SessionID)

	keys, err := e.resolver.List(ctx, id.UserID, id.TenantID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	for _, k := range e.owners.DelegatedKeys(id.TenantID) {
		if seen[k] {
			continue
		}
		if _, err := e.GetCredential(ctx, id, k); err == nil {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Subscribe delivers change events for key until ctx is cancelled or the
// returned cancel function is called. Events carry record metadata, not
// the credential value; before each event is forwarded, the settled
// remote record is warmed into this session's local tiers so the
// follow-up read works even if the remote goes away again.
func (e *Engine) Subscribe(ctx context.Context, id interfaces.Identity, key string) (<-chan *interfaces.CredentialRecord, func(), error) {
	ref, err := e.refFor(id, key)
	if err != nil {
		return nil, nil, err
	}

	events, cancel := e.coord.Subscribe(ref.OwnerID, ref.TenantID)
	out := make(chan *interfaces.CredentialRecord, 16)
	sessionCtx := storage.WithSessionID(context.WithoutCancel(ctx), id.SessionID)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Key != key {
					continue
				}
				e.warmFromRemote(sessionCtx, ref)
				select {
				case out <- ev:
				case <-ctx.Done():
					cancel()
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

// warmFromRemote copies the settled remote record into this session's
// local tiers, so the read that follows a change event does not depend
// on the remote tier still being reachable. Events for writes that never
// reached the remote are skipped; the local tiers already hold those.
func (e *Engine) warmFromRemote(ctx context.Context, ref interfaces.RecordRef) {
	remote := e.resolver.Remote()
	if remote == nil || !remote.Available(ctx) {
		return
	}
	sealed, err := remote.Get(ctx, ref)
	if err != nil {
		e.log.Debug("Post-event warm skipped",
			slog.String("ref", ref.String()),
			"err", err)
		return
	}
	e.resolver.WarmLocal(ctx, sealed)
}

// baseline is the version this writer last observed, taken from the
// fastest tier that knows the record. Zero when nothing is configured or
// the stored record is unreadable; the coordinator re-checks against the
// remote tier either way.
func (e *Engine) baseline(ctx context.Context, ref interfaces.RecordRef) uint64 {
	current, err := e.resolver.Read(ctx, ref)
	if err != nil {
		return 0
	}
	return current.Version
}

func (e *Engine) originDevice(id interfaces.Identity) string {
	if id.DeviceID != "" {
		return id.DeviceID
	}
	return e.deviceID
}
