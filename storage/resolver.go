package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dialtide/credsync-backend/interfaces"
	"github.com/dialtide/credsync-backend/metrics"
)

// TieredResolver iterates an ordered chain of storage tiers: reads fall
// through the chain and repair higher tiers on the way back, writes fan
// out across it remote-first. Payloads cross the resolver boundary as
// plaintext; everything below it is sealed.
type TieredResolver struct {
	tiers  []interfaces.StorageTier
	sealer interfaces.Sealer
	log    *slog.Logger

	remote interfaces.ConditionalTier
	dirty  interfaces.DirtyMarker
}

// NewTieredResolver creates a resolver over tiers listed in read-priority
// order (highest first). Tier classes must be non-decreasing so that
// "higher tier" and "earlier in the slice" mean the same thing.
func NewTieredResolver(tiers []interfaces.StorageTier, sealer interfaces.Sealer, logger *slog.Logger) (*TieredResolver, error) {
	if len(tiers) == 0 {
		return nil, errors.New("at least one storage tier is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &TieredResolver{tiers: tiers, sealer: sealer, log: logger}
	for i, tier := range tiers {
		if i > 0 && tier.Class() < tiers[i-1].Class() {
			return nil, fmt.Errorf("tier %s out of priority order", tier.Name())
		}
		if ct, ok := tier.(interfaces.ConditionalTier); ok && r.remote == nil {
			r.remote = ct
		}
		if dm, ok := tier.(interfaces.DirtyMarker); ok && r.dirty == nil {
			r.dirty = dm
		}
	}
	return r, nil
}

// Remote returns the authoritative conditional tier, or nil when the
// resolver runs without one (local-only test setups).
func (r *TieredResolver) Remote() interfaces.ConditionalTier {
	return r.remote
}

// DirtyMarker returns the local tier's dirty-flag surface, or nil.
func (r *TieredResolver) DirtyMarker() interfaces.DirtyMarker {
	return r.dirty
}

// Seal returns a clone of rec with its payload sealed. Tombstones carry
// no payload and pass through unchanged.
func (r *TieredResolver) Seal(rec *interfaces.CredentialRecord) (*interfaces.CredentialRecord, error) {
	sealed := rec.Clone()
	if rec.Deleted {
		sealed.Payload = nil
		return sealed, nil
	}
	envelope, err := r.sealer.Seal(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to seal payload for %s: %w", rec.Ref(), err)
	}
	sealed.Payload = []byte(envelope)
	return sealed, nil
}

// Read attempts tiers in priority order and returns the first record that
// decrypts, with plaintext payload. Tiers that missed above the hit are
// opportunistically repaired with the sealed record so later reads
// converge. A decrypt failure in one tier does not abort the read; the
// anomaly is logged and lower tiers are tried. If a record was found
// somewhere but decrypted nowhere, the result is ErrCorruptedRecord,
// deliberately distinct from ErrRecordNotFound.
func (r *TieredResolver) Read(ctx context.Context, ref interfaces.RecordRef) (*interfaces.CredentialRecord, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	var missed []interfaces.StorageTier
	corrupted := false

	for _, tier := range r.tiers {
		if !tier.Available(ctx) {
			r.log.Debug("Tier unavailable",
				slog.String("tier", tier.Name()),
				slog.String("ref", ref.String()))
			continue
		}

		rec, err := tier.Get(ctx, ref)
		if errors.Is(err, interfaces.ErrRecordNotFound) {
			missed = append(missed, tier)
			continue
		}
		if err != nil {
			metrics.TierFailures.WithLabelValues(tier.Name(), "get").Inc()
			r.log.Warn("Tier read failed",
				slog.String("tier", tier.Name()),
				slog.String("ref", ref.String()),
				"err", err)
			continue
		}

		if rec.Deleted {
			// Propagate the tombstone to tiers that still miss it so
			// they cannot resurrect the old value later.
			r.repair(ctx, rec, missed)
			return nil, interfaces.ErrRecordNotFound
		}

		if tier.Class() == interfaces.TierDefault {
			if corrupted {
				// A stored record that decrypted nowhere must surface
				// as corrupted, never be papered over by the baseline.
				break
			}
			// Baseline value, not a stored record: returned as-is and
			// never copied into real tiers.
			metrics.TierReadHits.WithLabelValues(tier.Name()).Inc()
			return rec, nil
		}

		plaintext, err := r.sealer.Open(string(rec.Payload))
		if err != nil {
			corrupted = true
			kind := "tampered"
			if errors.Is(err, interfaces.ErrMalformed) {
				kind = "malformed"
			}
			metrics.DecryptFailures.WithLabelValues(kind).Inc()
			r.log.Error("Failed to decrypt record, trying next tier",
				slog.String("tier", tier.Name()),
				slog.String("ref", ref.String()),
				slog.String("kind", kind))
			continue
		}

		metrics.TierReadHits.WithLabelValues(tier.Name()).Inc()
		r.log.Debug("Read satisfied",
			slog.String("tier", tier.Name()),
			slog.String("ref", ref.String()),
			slog.Uint64("version", rec.Version),
			slog.Duration("duration", time.Since(start)))

		r.repair(ctx, rec, missed)

		out := rec.Clone()
		out.Payload = plaintext
		return out, nil
	}

	if corrupted {
		return nil, interfaces.ErrCorruptedRecord
	}
	return nil, interfaces.ErrRecordNotFound
}

// repair re-writes the sealed record into higher-priority tiers that
// missed it. The remote tier is only created-if-absent, under its
// conditional write, so a concurrent writer is never clobbered; remote
// catch-up for existing records belongs to the reconciler.
func (r *TieredResolver) repair(ctx context.Context, sealed *interfaces.CredentialRecord, missed []interfaces.StorageTier) {
	for _, tier := range missed {
		var err error
		if ct, ok := tier.(interfaces.ConditionalTier); ok {
			err = ct.PutIfVersion(ctx, sealed, 0)
			if errors.Is(err, interfaces.ErrVersionConflict) {
				continue
			}
		} else {
			err = tier.Put(ctx, sealed)
		}
		if err != nil {
			metrics.TierFailures.WithLabelValues(tier.Name(), "repair").Inc()
			r.log.Debug("Tier repair failed",
				slog.String("tier", tier.Name()),
				slog.String("ref", sealed.Ref().String()),
				"err", err)
			continue
		}
		metrics.RepairWrites.WithLabelValues(tier.Name()).Inc()
	}
}

// Write seals rec and fans it out to every writable tier, remote first.
// The remote write is conditional on baseline; ErrVersionConflict is
// returned untouched for the coordinator to resolve. A failed or absent
// remote never fails the write: the record lands in the local tiers, is
// marked dirty for the reconciler, and a PartialFailure reports the tiers
// that missed out. Only a write that persisted nowhere is a full failure.
func (r *TieredResolver) Write(ctx context.Context, rec *interfaces.CredentialRecord, baseline uint64) error {
	if err := rec.Ref().Validate(); err != nil {
		return err
	}

	sealed, err := r.Seal(rec)
	if err != nil {
		return err
	}

	var failed []interfaces.TierError
	succeeded := 0
	remoteOK := false

	if r.remote != nil && r.remote.Available(ctx) {
		err := r.remote.PutIfVersion(ctx, sealed, baseline)
		switch {
		case err == nil:
			remoteOK = true
			succeeded++
		case errors.Is(err, interfaces.ErrVersionConflict):
			return err
		default:
			metrics.TierFailures.WithLabelValues(r.remote.Name(), "put").Inc()
			failed = append(failed, interfaces.TierError{Tier: r.remote.Name(), Err: err})
		}
	} else if r.remote != nil {
		failed = append(failed, interfaces.TierError{Tier: r.remote.Name(), Err: interfaces.ErrTierUnavailable})
	}

	for _, tier := range r.tiers {
		if tier.Class() == interfaces.TierRemote || tier.Class() == interfaces.TierDefault {
			continue
		}
		if !tier.Available(ctx) {
			failed = append(failed, interfaces.TierError{Tier: tier.Name(), Err: interfaces.ErrTierUnavailable})
			continue
		}
		if err := tier.Put(ctx, sealed); err != nil {
			metrics.TierFailures.WithLabelValues(tier.Name(), "put").Inc()
			failed = append(failed, interfaces.TierError{Tier: tier.Name(), Err: err})
			continue
		}
		succeeded++
	}

	if succeeded == 0 {
		return fmt.Errorf("write persisted nowhere for %s: %w", rec.Ref(), &interfaces.PartialFailure{FailedTiers: failed})
	}

	r.flagDirty(ctx, sealed.Ref(), !remoteOK)

	if len(failed) > 0 {
		return &interfaces.PartialFailure{FailedTiers: failed}
	}
	return nil
}

// WarmLocal fans an already-committed sealed record out to the local
// tiers only. Used when a remote change notification arrives so every
// subscribed session converges without touching the remote tier again.
func (r *TieredResolver) WarmLocal(ctx context.Context, sealed *interfaces.CredentialRecord) {
	for _, tier := range r.tiers {
		if tier.Class() == interfaces.TierRemote || tier.Class() == interfaces.TierDefault {
			continue
		}
		if !tier.Available(ctx) {
			continue
		}
		if err := tier.Put(ctx, sealed); err != nil {
			r.log.Debug("Local warm failed",
				slog.String("tier", tier.Name()),
				slog.String("ref", sealed.Ref().String()),
				"err", err)
		}
	}
}

// flagDirty records (or clears) the needs-remote-push state, when a local
// durable tier is present to carry it.
func (r *TieredResolver) flagDirty(ctx context.Context, ref interfaces.RecordRef, dirty bool) {
	if r.dirty == nil {
		return
	}
	if err := r.dirty.MarkDirty(ctx, ref, dirty); err != nil {
		r.log.Warn("Failed to update dirty flag",
			slog.String("ref", ref.String()),
			slog.Bool("dirty", dirty),
			"err", err)
	}
}

// List merges configured keys across tiers, first reachable tier wins per
// key set. The default tier is excluded: baseline settings are not
// "configured".
func (r *TieredResolver) List(ctx context.Context, ownerID, tenantID string) ([]string, error) {
	for _, tier := range r.tiers {
		if tier.Class() == interfaces.TierDefault {
			continue
		}
		if !tier.Available(ctx) {
			continue
		}
		keys, err := tier.List(ctx, ownerID, tenantID)
		if err != nil {
			metrics.TierFailures.WithLabelValues(tier.Name(), "list").Inc()
			continue
		}
		if len(keys) > 0 {
			return keys, nil
		}
	}
	return nil, nil
}
