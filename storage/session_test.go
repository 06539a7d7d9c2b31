package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialtide/credsync-backend/interfaces"
)

func TestSessionTierScopedBySessionID(t *testing.T) {
	tier := NewSessionTier(time.Minute, testLog)

	ctxA := WithSessionID(context.Background(), "session-a")
	ctxB := WithSessionID(context.Background(), "session-b")

	rec := &interfaces.CredentialRecord{
		OwnerID: "U1", TenantID: "T1", Key: "api-secret",
		Payload: []byte("cs1:sealed"), Version: 1, UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, tier.Put(ctxA, rec))

	got, err := tier.Get(ctxA, rec.Ref())
	require.NoError(t, err)
	assert.Equal(t, rec.Payload, got.Payload)

	_, err = tier.Get(ctxB, rec.Ref())
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
}

func TestSessionTierRequiresSessionID(t *testing.T) {
	tier := NewSessionTier(time.Minute, testLog)
	ctx := context.Background()

	assert.False(t, tier.Available(ctx))
	assert.True(t, tier.Available(WithSessionID(ctx, "session-a")))

	rec := &interfaces.CredentialRecord{
		OwnerID: "U1", TenantID: "T1", Key: "api-secret",
		Payload: []byte("cs1:sealed"), Version: 1, UpdatedAt: time.Now().UTC(),
	}
	assert.ErrorIs(t, tier.Put(ctx, rec), interfaces.ErrTierUnavailable)

	_, err := tier.Get(ctx, rec.Ref())
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
}

func TestSessionTierEntriesExpire(t *testing.T) {
	tier := NewSessionTier(10*time.Millisecond, testLog)
	ctx := WithSessionID(context.Background(), "session-a")

	rec := &interfaces.CredentialRecord{
		OwnerID: "U1", TenantID: "T1", Key: "api-secret",
		Payload: []byte("cs1:sealed"), Version: 1, UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, tier.Put(ctx, rec))

	_, err := tier.Get(ctx, rec.Ref())
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	_, err = tier.Get(ctx, rec.Ref())
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)

	keys, err := tier.List(ctx, "U1", "T1")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSessionTierList(t *testing.T) {
	tier := NewSessionTier(time.Minute, testLog)
	ctx := WithSessionID(context.Background(), "session-a")

	for _, key := range []string{"voicemail-pin", "api-secret"} {
		rec := &interfaces.CredentialRecord{
			OwnerID: "U1", TenantID: "T1", Key: key,
			Payload: []byte("cs1:sealed"), Version: 1, UpdatedAt: time.Now().UTC(),
		}
		require.NoError(t, tier.Put(ctx, rec))
	}

	keys, err := tier.List(ctx, "U1", "T1")
	require.NoError(t, err)
	assert.Equal(t, []string{"api-secret", "voicemail-pin"}, keys)

	keys, err = tier.List(ctx, "U2", "T1")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
