package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/dialtide/credsync-backend/interfaces"
)

// VaultTier is the remote durable tier backed by HashiCorp Vault KV v2.
// It is the authoritative store for sync purposes: KV v2 check-and-set
// provides the conditional writes the coordinator's optimistic
// concurrency depends on.
type VaultTier struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	opTimeout   time.Duration
	log         *slog.Logger
	locationURI string
}

// NewVaultTier creates a Vault-backed remote tier.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount (e.g. "secret")
//   - dataPath: path prefix within the mount (e.g. "credsync")
//   - token: Vault token; empty uses the client's ambient auth
//   - opTimeout: per-operation bound; zero uses the 3s default
func NewVaultTier(address, mountPath, dataPath, token string, opTimeout time.Duration, log *slog.Logger) (*VaultTier, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")
	if opTimeout <= 0 {
		opTimeout = 3 * time.Second
	}

	return &VaultTier{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		opTimeout:   opTimeout,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

func (t *VaultTier) secretPath(ref interfaces.RecordRef) string {
	return fmt.Sprintf("%s/data/%s/%s", t.mountPath, t.dataPath, ref.Path())
}

func (t *VaultTier) metadataPath(suffix string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", t.mountPath, t.dataPath, suffix)
}

func (t *VaultTier) boundCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.opTimeout)
}

// Get returns the current record for ref, tombstones included.
func (t *VaultTier) Get(ctx context.Context, ref interfaces.RecordRef) (*interfaces.CredentialRecord, error) {
	rec, _, err := t.read(ctx, ref)
	return rec, err
}

// read returns the record plus the KV metadata version used as the
// check-and-set guard when writing.
func (t *VaultTier) read(ctx context.Context, ref interfaces.RecordRef) (*interfaces.CredentialRecord, int, error) {
	ctx, cancel := t.boundCtx(ctx)
	defer cancel()

	path := t.secretPath(ref)
	secret, err := t.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		t.log.Error("Failed to read from Vault",
			slog.String("path", path),
			slog.String("ref", ref.String()),
			"err", err)
		return nil, 0, fmt.Errorf("%w: %v", interfaces.ErrTierUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, 0, interfaces.ErrRecordNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, 0, fmt.Errorf("invalid data format in Vault response for %s", ref)
	}

	kvVersion := 0
	if meta, ok := secret.Data["metadata"].(map[string]interface{}); ok {
		if v, ok := meta["version"].(json.Number); ok {
			if n, err := v.Int64(); err == nil {
				kvVersion = int(n)
			}
		}
	}

	rec, err := recordFromMap(ref, data)
	if err != nil {
		return nil, 0, err
	}
	return rec, kvVersion, nil
}

// Put stores rec unconditionally, replacing any current value.
func (t *VaultTier) Put(ctx context.Context, rec *interfaces.CredentialRecord) error {
	return t.write(ctx, rec, -1)
}

// PutIfVersion stores rec only if the stored record version equals
// baseline (zero meaning no record exists yet). The write itself is
// guarded by KV v2 check-and-set on the metadata version read alongside
// the baseline check, so a concurrent remote writer cannot slip between
// the read and the write.
func (t *VaultTier) PutIfVersion(ctx context.Context, rec *interfaces.CredentialRecord, baseline uint64) error {
	current, kvVersion, err := t.read(ctx, rec.Ref())
	switch {
	case err == nil:
		if current.Version != baseline {
			return fmt.Errorf("%w: baseline %d, stored %d", interfaces.ErrVersionConflict, baseline, current.Version)
		}
	case errors.Is(err, interfaces.ErrRecordNotFound):
		if baseline != 0 {
			return fmt.Errorf("%w: baseline %d but no stored record", interfaces.ErrVersionConflict, baseline)
		}
		kvVersion = 0
	default:
		return err
	}

	return t.write(ctx, rec, kvVersion)
}

// write stores rec; cas >= 0 attaches a KV v2 check-and-set option.
func (t *VaultTier) write(ctx context.Context, rec *interfaces.CredentialRecord, cas int) error {
	ctx, cancel := t.boundCtx(ctx)
	defer cancel()

	start := time.Now()
	path := t.secretPath(rec.Ref())

	payload := map[string]interface{}{
		"data": recordToMap(rec),
	}
	if cas >= 0 {
		payload["options"] = map[string]interface{}{"cas": cas}
	}

	if _, err := t.client.Logical().WriteWithContext(ctx, path, payload); err != nil {
		if strings.Contains(err.Error(), "check-and-set") {
			return fmt.Errorf("%w: %v", interfaces.ErrVersionConflict, err)
		}
		t.log.Error("Failed to write to Vault",
			slog.String("path", path),
			slog.String("ref", rec.Ref().String()),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrTierUnavailable, err)
	}

	t.log.Debug("Stored record in Vault",
		slog.String("ref", rec.Ref().String()),
		slog.Uint64("version", rec.Version),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// List returns keys with a current non-tombstone record for the owner.
func (t *VaultTier) List(ctx context.Context, ownerID, tenantID string) ([]string, error) {
	ctx, cancel := t.boundCtx(ctx)
	defer cancel()

	path := t.metadataPath(tenantID + "/" + ownerID)
	secret, err := t.client.Logical().ListWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTierUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}

	var keys []string
	for _, k := range raw {
		name, ok := k.(string)
		if !ok {
			continue
		}
		rec, err := t.Get(ctx, interfaces.RecordRef{OwnerID: ownerID, TenantID: tenantID, Key: name})
		if err != nil || rec.Deleted {
			continue
		}
		keys = append(keys, name)
	}
	return keys, nil
}

// Available checks Vault health: reachable, initialized, unsealed.
func (t *VaultTier) Available(ctx context.Context) bool {
	healthCtx, cancel := t.boundCtx(ctx)
	defer cancel()

	health, err := t.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		t.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		t.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

// Name returns the tier identifier for logs and failure reports.
func (t *VaultTier) Name() string {
	return "vault"
}

// Class returns interfaces.TierRemote.
func (t *VaultTier) Class() interfaces.TierClass {
	return interfaces.TierRemote
}

// LocationURI returns the URI identifying this tier.
func (t *VaultTier) LocationURI() string {
	return t.locationURI
}

func recordToMap(rec *interfaces.CredentialRecord) map[string]interface{} {
	return map[string]interface{}{
		"owner_id":         rec.OwnerID,
		"tenant_id":        rec.TenantID,
		"key":              rec.Key,
		"payload":          string(rec.Payload),
		"version":          rec.Version,
		"updated_at_ms":    rec.UpdatedAt.UnixMilli(),
		"origin_device_id": rec.OriginDeviceID,
		"deleted":          rec.Deleted,
	}
}

func recordFromMap(ref interfaces.RecordRef, data map[string]interface{}) (*interfaces.CredentialRecord, error) {
	rec := &interfaces.CredentialRecord{
		OwnerID:  ref.OwnerID,
		TenantID: ref.TenantID,
		Key:      ref.Key,
	}

	if s, ok := data["payload"].(string); ok {
		rec.Payload = []byte(s)
	}
	if s, ok := data["origin_device_id"].(string); ok {
		rec.OriginDeviceID = s
	}
	if b, ok := data["deleted"].(bool); ok {
		rec.Deleted = b
	}

	version, err := numberField(data, "version")
	if err != nil {
		return nil, fmt.Errorf("invalid record at %s: %w", ref, err)
	}
	rec.Version = uint64(version)

	millis, err := numberField(data, "updated_at_ms")
	if err != nil {
		return nil, fmt.Errorf("invalid record at %s: %w", ref, err)
	}
	rec.UpdatedAt = time.UnixMilli(millis).UTC()

	return rec, nil
}

// numberField handles both json.Number (Vault API decoding) and float64.
func numberField(data map[string]interface{}, field string) (int64, error) {
	switch v := data[field].(type) {
	case json.Number:
		return v.Int64()
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return 0, fmt.Errorf("field %q missing or non-numeric", field)
	}
}
