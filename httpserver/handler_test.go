package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialtide/credsync-backend/cryptoutils"
	"github.com/dialtide/credsync-backend/engine"
	"github.com/dialtide/credsync-backend/interfaces"
	"github.com/dialtide/credsync-backend/storage"
	"github.com/dialtide/credsync-backend/syncer"
	"github.com/dialtide/credsync-backend/tenant"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type apiFixture struct {
	api    *httptest.Server
	remote *storage.MockRemoteTier
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	sealer, err := cryptoutils.NewSealer([]byte("api-test-secret"))
	require.NoError(t, err)

	owners, err := tenant.NewResolver(nil)
	require.NoError(t, err)

	remote := storage.NewMockRemoteTier()
	local, err := storage.NewSQLiteTier(filepath.Join(t.TempDir(), "cache.db"), testLog)
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	resolver, err := storage.NewTieredResolver([]interfaces.StorageTier{
		remote,
		local,
		storage.NewMemoryTier(),
	}, sealer, testLog)
	require.NoError(t, err)

	coord := syncer.NewCoordinator(resolver, testLog)
	eng := engine.New(owners, resolver, coord, "api-test-device", testLog)

	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "localhost:0",
		Log:                      testLog,
		DrainDuration:            10 * time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, NewHandler(eng, testLog))
	require.NoError(t, err)

	api := httptest.NewServer(srv.getRouter())
	t.Cleanup(api.Close)

	return &apiFixture{api: api, remote: remote}
}

func (f *apiFixture) request(t *testing.T, method, path string, body []byte, withIdentity bool) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, f.api.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if withIdentity {
		req.Header.Set(UserIDHeader, "U1")
		req.Header.Set(TenantIDHeader, "T1")
		req.Header.Set(SessionIDHeader, "session-1")
		req.Header.Set(DeviceIDHeader, "device-1")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeCredential(t *testing.T, resp *http.Response) credentialResponse {
	t.Helper()
	var out credentialResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAPIRequiresIdentityHeaders(t *testing.T) {
	f := newAPIFixture(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/credentials"},
		{http.MethodGet, "/api/credentials/api-secret"},
		{http.MethodPut, "/api/credentials/api-secret"},
		{http.MethodDelete, "/api/credentials/api-secret"},
	} {
		resp := f.request(t, tc.method, tc.path, []byte(`{"value":"x"}`), false)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func TestAPISetGetDeleteCredential(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodGet, "/api/credentials/api-secret", nil, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.request(t, http.MethodPut, "/api/credentials/api-secret", []byte(`{"value":"abc123"}`), true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	put := decodeCredential(t, resp)
	assert.Equal(t, uint64(1), put.Version)
	require.NotNil(t, put.Accepted)
	assert.True(t, *put.Accepted)
	assert.Empty(t, put.Value)

	resp = f.request(t, http.MethodGet, "/api/credentials/api-secret", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeCredential(t, resp)
	assert.Equal(t, "abc123", got.Value)
	assert.Equal(t, uint64(1), got.Version)

	resp = f.request(t, http.MethodDelete, "/api/credentials/api-secret", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	del := decodeCredential(t, resp)
	assert.True(t, del.Deleted)
	assert.Equal(t, uint64(2), del.Version)

	resp = f.request(t, http.MethodGet, "/api/credentials/api-secret", nil, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIRejectsBadSetRequests(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodPut, "/api/credentials/api-secret", []byte(`{"value":""}`), true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.request(t, http.MethodPut, "/api/credentials/api-secret", []byte(`not json`), true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPICorruptedIsConflictNotNotFound(t *testing.T) {
	f := newAPIFixture(t)

	// A record exists but never decrypts: the UI must be told to
	// reconfigure, not shown an empty form.
	garbled := &interfaces.CredentialRecord{
		OwnerID:   "U1",
		TenantID:  "T1",
		Key:       "api-secret",
		Payload:   []byte("cs1:Z2FyYmFnZQ==:Z2FyYmFnZQ==:Z2FyYmFnZQ==:0"),
		Version:   1,
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.remote.Put(context.Background(), garbled))

	resp := f.request(t, http.MethodGet, "/api/credentials/api-secret", nil, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPIListKeys(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodGet, "/api/credentials", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	assert.Empty(t, empty["keys"])

	f.request(t, http.MethodPut, "/api/credentials/api-secret", []byte(`{"value":"abc123"}`), true)
	f.request(t, http.MethodPut, "/api/credentials/voicemail-pin", []byte(`{"value":"4831"}`), true)

	resp = f.request(t, http.MethodGet, "/api/credentials", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	assert.Equal(t, []string{"api-secret", "voicemail-pin"}, listed["keys"])
}

func TestAPIHealthAndDrain(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodGet, "/livez", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/readyz", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/drain", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/readyz", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/undrain", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/readyz", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
