package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dialtide/credsync-backend/interfaces"
	"github.com/dialtide/credsync-backend/metrics"
)

// DirtyStore is the durable local tier as the reconciler sees it: record
// access plus the dirty-flag surface.
type DirtyStore interface {
	interfaces.StorageTier
	interfaces.DirtyMarker
}

// Reconciler is the engine's only background task. It periodically
// retries dirty local writes against the remote tier, settling each with
// the same last-write-wins policy the coordinator applies.
type Reconciler struct {
	remote   interfaces.ConditionalTier
	local    DirtyStore
	coord    *Coordinator
	interval time.Duration
	log      *slog.Logger
}

// NewReconciler creates a reconciler. coord may be nil when no change
// propagation is wanted (tests); interval zero defaults to 30 seconds.
func NewReconciler(remote interfaces.ConditionalTier, local DirtyStore, coord *Coordinator, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		remote:   remote,
		local:    local,
		coord:    coord,
		interval: interval,
		log:      logger,
	}
}

// Run loops until ctx is cancelled, reconciling once per interval.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil {
				r.log.Warn("Reconciliation pass failed", "err", err)
			}
		}
	}
}

// ReconcileOnce pushes every dirty local record to the remote tier.
// Records the remote has since superseded are settled in the remote's
// favor locally. A remote that stays unreachable leaves the dirty flags
// for the next pass.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	refs, err := r.local.ListDirty(ctx)
	if err != nil {
		return fmt.Errorf("failed to list dirty records: %w", err)
	}
	if len(refs) == 0 {
		return nil
	}

	if !r.remote.Available(ctx) {
		r.log.Debug("Remote tier still unreachable, keeping dirty flags",
			slog.Int("pending", len(refs)))
		return nil
	}

	var firstErr error
	for _, ref := range refs {
		if err := r.reconcileRecord(ctx, ref); err != nil {
			metrics.DirtyRetries.WithLabelValues("failed").Inc()
			r.log.Warn("Failed to reconcile record",
				slog.String("ref", ref.String()),
				"err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// reconcileRecord settles one dirty record against the remote tier.
func (r *Reconciler) reconcileRecord(ctx context.Context, ref interfaces.RecordRef) error {
	local, err := r.local.Get(ctx, ref)
	if errors.Is(err, interfaces.ErrRecordNotFound) {
		// Row vanished under us; nothing left to push.
		return r.local.MarkDirty(ctx, ref, false)
	}
	if err != nil {
		return err
	}

	push := func() error {
		current, err := r.remote.Get(ctx, ref)
		var baseline uint64
		switch {
		case err == nil:
			if current.Version >= local.Version && !local.Supersedes(current) {
				// The remote moved on while we were offline and its
				// record wins; adopt it locally.
				if err := r.local.Put(ctx, current); err != nil {
					return backoff.Permanent(err)
				}
				if err := r.local.MarkDirty(ctx, ref, false); err != nil {
					return backoff.Permanent(err)
				}
				metrics.DirtyRetries.WithLabelValues("superseded").Inc()
				r.log.Info("Dirty record superseded by remote",
					slog.String("ref", ref.String()),
					slog.Uint64("local_version", local.Version),
					slog.Uint64("remote_version", current.Version))
				if r.coord != nil {
					r.coord.Publish(current)
				}
				return nil
			}
			baseline = current.Version
		case errors.Is(err, interfaces.ErrRecordNotFound):
			baseline = 0
		default:
			return err
		}

		// Rebase onto the remote lineage so the version keeps its
		// monotonic meaning across devices.
		pushed := local.Clone()
		pushed.Version = baseline + 1
		if err := r.remote.PutIfVersion(ctx, pushed, baseline); err != nil {
			return err
		}
		if err := r.local.Put(ctx, pushed); err != nil {
			return backoff.Permanent(err)
		}
		if err := r.local.MarkDirty(ctx, ref, false); err != nil {
			return backoff.Permanent(err)
		}
		metrics.DirtyRetries.WithLabelValues("pushed").Inc()
		r.log.Info("Pushed dirty record to remote",
			slog.String("ref", ref.String()),
			slog.Uint64("version", pushed.Version))
		if r.coord != nil {
			r.coord.Publish(pushed)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(push, policy)
}
