package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialtide/credsync-backend/cryptoutils"
	"github.com/dialtide/credsync-backend/interfaces"
	"github.com/dialtide/credsync-backend/storage"
)

type reconcilerFixture struct {
	reconciler *Reconciler
	coord      *Coordinator
	resolver   *storage.TieredResolver
	remote     *storage.MockRemoteTier
	local      *storage.SQLiteTier
	sealer     *cryptoutils.Sealer
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()

	sealer, err := cryptoutils.NewSealer([]byte("reconciler-test-secret"))
	require.NoError(t, err)

	remote := storage.NewMockRemoteTier()
	local, err := storage.NewSQLiteTier(filepath.Join(t.TempDir(), "cache.db"), testLog)
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	resolver, err := storage.NewTieredResolver([]interfaces.StorageTier{remote, local}, sealer, testLog)
	require.NoError(t, err)
	coord := NewCoordinator(resolver, testLog)

	return &reconcilerFixture{
		reconciler: NewReconciler(remote, local, coord, time.Second, testLog),
		coord:      coord,
		resolver:   resolver,
		remote:     remote,
		local:      local,
		sealer:     sealer,
	}
}

// commitOffline lands a write locally while the remote is unreachable,
// leaving the record dirty.
func (f *reconcilerFixture) commitOffline(t *testing.T, candidate *interfaces.CredentialRecord, baseline uint64) *interfaces.CredentialRecord {
	t.Helper()

	f.remote.SetOffline(true)
	rec, accepted, err := f.coord.CommitWrite(context.Background(), candidate, baseline)
	var partial *interfaces.PartialFailure
	require.ErrorAs(t, err, &partial)
	require.True(t, accepted)
	f.remote.SetOffline(false)
	return rec
}

func (f *reconcilerFixture) openRemote(t *testing.T, ref interfaces.RecordRef) (string, uint64) {
	t.Helper()

	rec, err := f.remote.Get(context.Background(), ref)
	require.NoError(t, err)
	plaintext, err := f.sealer.Open(string(rec.Payload))
	require.NoError(t, err)
	return string(plaintext), rec.Version
}

func TestReconcilePushesOfflineWrite(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	rec := f.commitOffline(t, candidateAt("api-secret", "abc123", "device-a", time.Now().UTC()), 0)

	dirty, err := f.local.ListDirty(ctx)
	require.NoError(t, err)
	require.Len(t, dirty, 1)

	require.NoError(t, f.reconciler.ReconcileOnce(ctx))

	value, version := f.openRemote(t, rec.Ref())
	assert.Equal(t, "abc123", value)
	assert.Equal(t, uint64(1), version)

	dirty, err = f.local.ListDirty(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestReconcileRebasesOntoRemoteLineage(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// Another device advanced the remote to version 3 while this one was
	// offline, but this device's write is newer and wins.
	remoteRec := candidateAt("api-secret", "from-other-device", "device-b", base)
	remoteRec.Version = 3
	sealed, err := f.resolver.Seal(remoteRec)
	require.NoError(t, err)
	require.NoError(t, f.remote.Put(ctx, sealed))

	local := f.commitOffline(t, candidateAt("api-secret", "from-this-device", "device-a", base.Add(time.Minute)), 0)
	assert.Equal(t, uint64(1), local.Version)

	require.NoError(t, f.reconciler.ReconcileOnce(ctx))

	value, version := f.openRemote(t, local.Ref())
	assert.Equal(t, "from-this-device", value)
	assert.Equal(t, uint64(4), version)

	// The local copy follows the rebased version.
	kept, err := f.local.Get(ctx, local.Ref())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), kept.Version)

	dirty, err := f.local.ListDirty(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestReconcileAdoptsNewerRemoteRecord(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	base := time.Now().UTC()

	local := f.commitOffline(t, candidateAt("api-secret", "stale-offline-write", "device-a", base), 0)

	// The remote moved on with a later write; its record wins.
	remoteRec := candidateAt("api-secret", "settled-elsewhere", "device-b", base.Add(time.Minute))
	remoteRec.Version = 2
	sealed, err := f.resolver.Seal(remoteRec)
	require.NoError(t, err)
	require.NoError(t, f.remote.Put(ctx, sealed))

	events, cancel := f.coord.Subscribe("U1", "T1")
	defer cancel()

	require.NoError(t, f.reconciler.ReconcileOnce(ctx))

	value, version := f.openRemote(t, local.Ref())
	assert.Equal(t, "settled-elsewhere", value)
	assert.Equal(t, uint64(2), version)

	got, err := f.resolver.Read(ctx, local.Ref())
	require.NoError(t, err)
	assert.Equal(t, "settled-elsewhere", string(got.Payload))

	dirty, err := f.local.ListDirty(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)

	// Settling the conflict still notifies subscribers.
	select {
	case event := <-events:
		assert.Equal(t, uint64(2), event.Version)
		assert.Nil(t, event.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected a change event for the adopted record")
	}
}

func TestReconcileKeepsDirtyWhileRemoteOffline(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	f.commitOffline(t, candidateAt("api-secret", "abc123", "device-a", time.Now().UTC()), 0)

	f.remote.SetOffline(true)
	require.NoError(t, f.reconciler.ReconcileOnce(ctx))

	dirty, err := f.local.ListDirty(ctx)
	require.NoError(t, err)
	assert.Len(t, dirty, 1)
}

func TestReconcileRunStopsOnContextCancel(t *testing.T) {
	f := newReconcilerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.reconciler.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop on cancellation")
	}
}
