package interfaces

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordRefValidateAndPath(t *testing.T) {
	ref := RecordRef{OwnerID: "U1", TenantID: "T1", Key: "api-secret"}
	assert.NoError(t, ref.Validate())
	assert.Equal(t, "T1/U1/api-secret", ref.Path())

	for _, bad := range []RecordRef{
		{},
		{OwnerID: "U1", TenantID: "T1"},
		{OwnerID: "U1", Key: "api-secret"},
		{TenantID: "T1", Key: "api-secret"},
	} {
		assert.Error(t, bad.Validate(), "%+v", bad)
	}
}

func TestSupersedesLastWriteWins(t *testing.T) {
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	older := &CredentialRecord{UpdatedAt: base, OriginDeviceID: "device-b"}
	newer := &CredentialRecord{UpdatedAt: base.Add(time.Millisecond), OriginDeviceID: "device-a"}

	assert.True(t, newer.Supersedes(older))
	assert.False(t, older.Supersedes(newer))

	// Millisecond tie: the lexicographically greater device wins, so the
	// outcome is identical on every device.
	tieA := &CredentialRecord{UpdatedAt: base, OriginDeviceID: "device-a"}
	tieB := &CredentialRecord{UpdatedAt: base, OriginDeviceID: "device-b"}
	assert.True(t, tieB.Supersedes(tieA))
	assert.False(t, tieA.Supersedes(tieB))
}

func TestCloneIsDeep(t *testing.T) {
	rec := &CredentialRecord{
		OwnerID:  "U1",
		TenantID: "T1",
		Key:      "api-secret",
		Payload:  []byte("abc123"),
		Version:  2,
	}

	clone := rec.Clone()
	clone.Payload[0] = 'x'
	clone.Version = 9

	assert.Equal(t, "abc123", string(rec.Payload))
	assert.Equal(t, uint64(2), rec.Version)
	assert.Equal(t, rec.Ref(), clone.Ref())
}
