package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dialtide/credsync-backend/interfaces"
)

// Factory creates storage tiers from URI strings so the tier chain is a
// deployment configuration, not a code change.
type Factory struct {
	log *slog.Logger

	// Defaults holds the compiled-in baseline handed to default:// tiers.
	Defaults map[string][]byte
}

// NewFactory creates a tier factory.
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{log: logger}
}

// TierFor creates a single tier from a location URI.
//
// Supported schemes:
//   - vault://host:8200/mount/path?token-env=VAULT_TOKEN
//   - s3://bucket/prefix?region=us-west-2&endpoint=...
//   - sqlite:///var/lib/credsync/cache.db
//   - session://?ttl=30m
//   - mem://
//   - default://
func (f *Factory) TierFor(locationURI string) (interfaces.StorageTier, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid tier URI %q: %w", locationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "vault":
		return f.createVaultTier(u)
	case "s3":
		return f.createS3Tier(u)
	case "sqlite":
		// A relative path parses into the host portion of the URI, an
		// absolute one into the path portion.
		return NewSQLiteTier(u.Host+u.Path, f.log)
	case "session":
		ttl, err := queryDuration(u, "ttl")
		if err != nil {
			return nil, err
		}
		return NewSessionTier(ttl, f.log), nil
	case "mem":
		return NewMemoryTier(), nil
	case "default":
		return NewDefaultTier(f.Defaults), nil
	default:
		return nil, fmt.Errorf("unsupported tier scheme: %s", u.Scheme)
	}
}

// TiersFor creates the full chain from URIs listed in read-priority
// order. All URIs must resolve; a tier that cannot be constructed is a
// configuration error, not something to silently drop from the chain.
func (f *Factory) TiersFor(locationURIs []string) ([]interfaces.StorageTier, error) {
	tiers := make([]interfaces.StorageTier, 0, len(locationURIs))
	for _, uri := range locationURIs {
		tier, err := f.TierFor(uri)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

// createVaultTier builds the remote Vault tier.
// URI format: vault://vault.example.com:8200/secret/credsync?token-env=VAULT_TOKEN&scheme=https
func (f *Factory) createVaultTier(u *url.URL) (interfaces.StorageTier, error) {
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("vault URI must carry /mount/path, got %q", u.Path)
	}

	scheme := u.Query().Get("scheme")
	if scheme == "" {
		scheme = "https"
	}
	address := fmt.Sprintf("%s://%s", scheme, u.Host)

	tokenEnv := u.Query().Get("token-env")
	if tokenEnv == "" {
		tokenEnv = "VAULT_TOKEN"
	}

	timeout, err := queryDuration(u, "timeout")
	if err != nil {
		return nil, err
	}

	return NewVaultTier(address, parts[0], parts[1], os.Getenv(tokenEnv), timeout, f.log)
}

// createS3Tier builds the alternative S3 remote tier.
// URI format: s3://bucket/prefix?region=us-west-2&endpoint=http://minio:9000
func (f *Factory) createS3Tier(u *url.URL) (interfaces.StorageTier, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("s3 URI must carry a bucket name")
	}
	region := u.Query().Get("region")
	if region == "" {
		region = "us-east-1"
	}

	timeout, err := queryDuration(u, "timeout")
	if err != nil {
		return nil, err
	}

	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
	return NewS3Tier(u.Host, strings.Trim(u.Path, "/"), region, u.Query().Get("endpoint"), accessKey, secretKey, timeout, f.log)
}

func queryDuration(u *url.URL, name string) (time.Duration, error) {
	raw := u.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s in %s: %w", name, u, err)
	}
	return d, nil
}
