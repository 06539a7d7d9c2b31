// Package tenant resolves the effective owner of a credential record.
//
// By default every user owns their own records. A tenant may instead
// designate one "primary" user as the canonical owner for a set of keys
// (typically third-party API credentials); every user in that tenant then
// reads and writes the primary user's record for those keys. Resolution
// is a pure function over a small configuration table validated at load
// time, so a misconfiguration fails at startup instead of producing
// silent wrong-owner writes.
package tenant

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// OwnershipResolutionError is a tenant delegation misconfiguration. It is
// fatal: proceeding would risk writing to the wrong owner.
type OwnershipResolutionError struct {
	TenantID string
	Reason   string
}

// Error describes the misconfiguration.
func (e *OwnershipResolutionError) Error() string {
	return fmt.Sprintf("tenant %q ownership misconfigured: %s", e.TenantID, e.Reason)
}

// DelegationRule designates the canonical owner of a key set within one
// tenant.
type DelegationRule struct {
	// PrimaryUserID is the user whose records hold the delegated keys.
	PrimaryUserID string `json:"primary_user_id"`

	// Keys lists the setting names the delegation covers. All other keys
	// stay per-user.
	Keys []string `json:"keys"`
}

// Config maps tenant IDs to their delegation rule. Tenants without an
// entry use per-user ownership for every key.
type Config struct {
	Tenants map[string]DelegationRule `json:"tenants"`
}

// Validate fails fast on rules that would misroute writes.
func (c *Config) Validate() error {
	for tenantID, rule := range c.Tenants {
		if tenantID == "" {
			return &OwnershipResolutionError{TenantID: tenantID, Reason: "empty tenant ID"}
		}
		if rule.PrimaryUserID == "" {
			return &OwnershipResolutionError{TenantID: tenantID, Reason: "delegation rule missing primary user"}
		}
		if len(rule.Keys) == 0 {
			return &OwnershipResolutionError{TenantID: tenantID, Reason: "delegation rule covers no keys"}
		}
		seen := make(map[string]bool, len(rule.Keys))
		for _, key := range rule.Keys {
			if key == "" {
				return &OwnershipResolutionError{TenantID: tenantID, Reason: "delegation rule contains empty key"}
			}
			if seen[key] {
				return &OwnershipResolutionError{TenantID: tenantID, Reason: fmt.Sprintf("duplicate delegated key %q", key)}
			}
			seen[key] = true
		}
	}
	return nil
}

// Resolver answers owner lookups. It performs no I/O after construction.
type Resolver struct {
	delegated map[string]map[string]string // tenantID -> key -> primary user
}

// NewResolver validates cfg and builds the lookup table.
func NewResolver(cfg *Config) (*Resolver, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	delegated := make(map[string]map[string]string, len(cfg.Tenants))
	for tenantID, rule := range cfg.Tenants {
		keys := make(map[string]string, len(rule.Keys))
		for _, key := range rule.Keys {
			keys[key] = rule.PrimaryUserID
		}
		delegated[tenantID] = keys
	}
	return &Resolver{delegated: delegated}, nil
}

// LoadConfig reads and validates a delegation config file. An empty path
// yields the default per-user configuration.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse tenant config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolveOwner returns the effective owner for a request. The lookup is
// scoped by tenantID, so a record can never be resolved through another
// tenant's session context.
func (r *Resolver) ResolveOwner(requestingUserID, tenantID, key string) (string, error) {
	if requestingUserID == "" || tenantID == "" {
		return "", &OwnershipResolutionError{TenantID: tenantID, Reason: "request missing user or tenant ID"}
	}
	if primary, ok := r.delegated[tenantID][key]; ok {
		return primary, nil
	}
	return requestingUserID, nil
}

// DelegatedKeys returns the keys routed to a primary owner within the
// tenant, in stable order.
func (r *Resolver) DelegatedKeys(tenantID string) []string {
	keys := make([]string, 0, len(r.delegated[tenantID]))
	for key := range r.delegated[tenantID] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// IsDelegated reports whether key routes to a tenant-level primary owner.
func (r *Resolver) IsDelegated(tenantID, key string) bool {
	_, ok := r.delegated[tenantID][key]
	return ok
}
