package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialtide/credsync-backend/cryptoutils"
	"github.com/dialtide/credsync-backend/interfaces"
	"github.com/dialtide/credsync-backend/storage"
	"github.com/dialtide/credsync-backend/syncer"
	"github.com/dialtide/credsync-backend/tenant"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type engineFixture struct {
	engine     *Engine
	reconciler *syncer.Reconciler
	coord      *syncer.Coordinator
	resolver   *storage.TieredResolver
	remote     *storage.MockRemoteTier
	local      *storage.SQLiteTier
}

// newEngineFixture wires a full tier chain: remote, durable local cache,
// session cache, process memory and compiled-in defaults. Tenant T1
// delegates api-secret to U-owner.
func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	sealer, err := cryptoutils.NewSealer([]byte("engine-test-secret"))
	require.NoError(t, err)

	owners, err := tenant.NewResolver(&tenant.Config{
		Tenants: map[string]tenant.DelegationRule{
			"T1": {PrimaryUserID: "U-owner", Keys: []string{"api-secret"}},
		},
	})
	require.NoError(t, err)

	remote := storage.NewMockRemoteTier()
	local, err := storage.NewSQLiteTier(filepath.Join(t.TempDir(), "cache.db"), testLog)
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	resolver, err := storage.NewTieredResolver([]interfaces.StorageTier{
		remote,
		local,
		storage.NewSessionTier(time.Minute, testLog),
		storage.NewMemoryTier(),
		storage.NewDefaultTier(map[string][]byte{"greeting-message": []byte("Thank you for calling")}),
	}, sealer, testLog)
	require.NoError(t, err)

	coord := syncer.NewCoordinator(resolver, testLog)
	return &engineFixture{
		engine:     New(owners, resolver, coord, "test-process", testLog),
		reconciler: syncer.NewReconciler(remote, local, coord, time.Second, testLog),
		coord:      coord,
		resolver:   resolver,
		remote:     remote,
		local:      local,
	}
}

func identity(userID, tenantID string) interfaces.Identity {
	return interfaces.Identity{
		UserID:    userID,
		TenantID:  tenantID,
		SessionID: "session-" + userID,
		DeviceID:  "device-" + userID,
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	id := identity("U1", "T1")

	rec, accepted, err := f.engine.SetCredential(ctx, id, "voicemail-pin", []byte("4831"))
	require.NoError(t, err)
	require.True(t, accepted)
	assert.Equal(t, uint64(1), rec.Version)

	got, err := f.engine.GetCredential(ctx, id, "voicemail-pin")
	require.NoError(t, err)
	assert.Equal(t, "4831", string(got.Payload))
	assert.Equal(t, uint64(1), got.Version)

	_, err = f.engine.GetCredential(ctx, id, "never-configured")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
}

func TestUpdateAdvancesVersion(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	id := identity("U1", "T1")

	_, _, err := f.engine.SetCredential(ctx, id, "voicemail-pin", []byte("4831"))
	require.NoError(t, err)

	rec, accepted, err := f.engine.SetCredential(ctx, id, "voicemail-pin", []byte("9000"))
	require.NoError(t, err)
	require.True(t, accepted)
	assert.Equal(t, uint64(2), rec.Version)

	got, err := f.engine.GetCredential(ctx, id, "voicemail-pin")
	require.NoError(t, err)
	assert.Equal(t, "9000", string(got.Payload))
}

func TestTenantIsolation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, _, err := f.engine.SetCredential(ctx, identity("U1", "T1"), "voicemail-pin", []byte("4831"))
	require.NoError(t, err)

	// The same user in another tenant sees nothing.
	_, err = f.engine.GetCredential(ctx, identity("U1", "T2"), "voicemail-pin")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)

	// Another user in the same tenant sees nothing either; the key is
	// not delegated.
	_, err = f.engine.GetCredential(ctx, identity("U2", "T1"), "voicemail-pin")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
}

func TestDelegatedKeyConvergesAcrossUsers(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// U1 writes the delegated key; the record lands under the tenant's
	// primary owner.
	rec, accepted, err := f.engine.SetCredential(ctx, identity("U1", "T1"), "api-secret", []byte("abc123"))
	require.NoError(t, err)
	require.True(t, accepted)
	assert.Equal(t, "U-owner", rec.OwnerID)

	// Every user in the tenant reads the same record.
	for _, user := range []string{"U1", "U2", "U-owner"} {
		got, err := f.engine.GetCredential(ctx, identity(user, "T1"), "api-secret")
		require.NoError(t, err)
		assert.Equal(t, "abc123", string(got.Payload))
		assert.Equal(t, "U-owner", got.OwnerID)
	}

	// A later write by another user supersedes it on the same record.
	rec2, accepted, err := f.engine.SetCredential(ctx, identity("U2", "T1"), "api-secret", []byte("rotated"))
	require.NoError(t, err)
	require.True(t, accepted)
	assert.Equal(t, uint64(2), rec2.Version)

	// Delegation stops at the tenant boundary.
	_, err = f.engine.GetCredential(ctx, identity("U1", "T2"), "api-secret")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
}

func TestDeleteTombstones(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	id := identity("U1", "T1")

	_, _, err := f.engine.SetCredential(ctx, id, "voicemail-pin", []byte("4831"))
	require.NoError(t, err)

	rec, accepted, err := f.engine.DeleteCredential(ctx, id, "voicemail-pin")
	require.NoError(t, err)
	require.True(t, accepted)
	assert.True(t, rec.Deleted)
	assert.Equal(t, uint64(2), rec.Version)

	_, err = f.engine.GetCredential(ctx, id, "voicemail-pin")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
}

func TestDefaultBaselineUntilConfigured(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	id := identity("U1", "T1")

	got, err := f.engine.GetCredential(ctx, id, "greeting-message")
	require.NoError(t, err)
	assert.Equal(t, "Thank you for calling", string(got.Payload))
	assert.Equal(t, uint64(0), got.Version)

	rec, accepted, err := f.engine.SetCredential(ctx, id, "greeting-message", []byte("You have reached Dialtide"))
	require.NoError(t, err)
	require.True(t, accepted)
	assert.Equal(t, uint64(1), rec.Version)

	got, err = f.engine.GetCredential(ctx, id, "greeting-message")
	require.NoError(t, err)
	assert.Equal(t, "You have reached Dialtide", string(got.Payload))
}

func TestOfflineWriteThenReconcile(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	id := identity("U1", "T1")

	f.remote.SetOffline(true)
	rec, accepted, err := f.engine.SetCredential(ctx, id, "voicemail-pin", []byte("4831"))
	assert.True(t, accepted)
	var partial *interfaces.PartialFailure
	require.ErrorAs(t, err, &partial)

	// Offline the engine still serves the write back.
	got, err := f.engine.GetCredential(ctx, id, "voicemail-pin")
	require.NoError(t, err)
	assert.Equal(t, "4831", string(got.Payload))

	f.remote.SetOffline(false)
	require.NoError(t, f.reconciler.ReconcileOnce(ctx))

	pushed, err := f.remote.Get(ctx, rec.Ref())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pushed.Version)

	dirty, err := f.local.ListDirty(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestListKeysIncludesDelegated(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, _, err := f.engine.SetCredential(ctx, identity("U1", "T1"), "voicemail-pin", []byte("4831"))
	require.NoError(t, err)
	_, _, err = f.engine.SetCredential(ctx, identity("U2", "T1"), "api-secret", []byte("abc123"))
	require.NoError(t, err)

	keys, err := f.engine.ListKeys(ctx, identity("U1", "T1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"api-secret", "voicemail-pin"}, keys)

	// U2 configured the delegated key but owns no records of its own.
	keys, err = f.engine.ListKeys(ctx, identity("U2", "T1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"api-secret"}, keys)

	keys, err = f.engine.ListKeys(ctx, identity("U1", "T2"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSubscribeDeliversFilteredEvents(t *testing.T) {
	f := newEngineFixture(t)
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	id := identity("U1", "T1")

	events, cancel, err := f.engine.Subscribe(ctx, id, "voicemail-pin")
	require.NoError(t, err)
	defer cancel()

	// A write to a different key is filtered out.
	_, _, err = f.engine.SetCredential(ctx, id, "caller-id-name", []byte("Dialtide Support"))
	require.NoError(t, err)

	rec, _, err := f.engine.SetCredential(ctx, id, "voicemail-pin", []byte("4831"))
	require.NoError(t, err)

	select {
	case event := <-events:
		assert.Equal(t, "voicemail-pin", event.Key)
		assert.Equal(t, rec.Version, event.Version)
		assert.Nil(t, event.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected a change event")
	}
}

func TestSubscribeWarmsLocalTiersFromRemote(t *testing.T) {
	f := newEngineFixture(t)
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	id := identity("U1", "T1")

	events, cancel, err := f.engine.Subscribe(ctx, id, "voicemail-pin")
	require.NoError(t, err)
	defer cancel()

	// Another process settles a write with the remote tier and announces
	// it; this process has no local copy yet.
	settled := &interfaces.CredentialRecord{
		OwnerID:        "U1",
		TenantID:       "T1",
		Key:            "voicemail-pin",
		Payload:        []byte("4831"),
		Version:        1,
		UpdatedAt:      time.Now().UTC(),
		OriginDeviceID: "device-elsewhere",
	}
	sealed, err := f.resolver.Seal(settled)
	require.NoError(t, err)
	require.NoError(t, f.remote.Put(ctx, sealed))
	f.coord.Publish(settled)

	select {
	case event := <-events:
		assert.Equal(t, uint64(1), event.Version)
	case <-time.After(time.Second):
		t.Fatal("expected a change event")
	}

	// The event warmed the local tiers, so the value survives the
	// remote going away before the follow-up read.
	f.remote.SetOffline(true)
	got, err := f.engine.GetCredential(ctx, id, "voicemail-pin")
	require.NoError(t, err)
	assert.Equal(t, "4831", string(got.Payload))
}

func TestIdentityValidation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.GetCredential(ctx, interfaces.Identity{TenantID: "T1"}, "voicemail-pin")
	assert.Error(t, err)

	_, _, err = f.engine.SetCredential(ctx, interfaces.Identity{UserID: "U1"}, "voicemail-pin", []byte("4831"))
	assert.Error(t, err)

	_, err = f.engine.ListKeys(ctx, interfaces.Identity{})
	assert.Error(t, err)
}
