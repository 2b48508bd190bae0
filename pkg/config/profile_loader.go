package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TenantProfile is a per-tenant policy profile loaded from YAML.
type TenantProfile struct {
	Tenant       string             `yaml:"tenant" json:"tenant"`
	Verification VerificationPolicy `yaml:"verification" json:"verification"`
	SweepRate    float64            `yaml:"sweep_rate,omitempty" json:"sweep_rate,omitempty"`
}

// VerificationPolicy overrides the default quorum and timeout for a tenant.
type VerificationPolicy struct {
	RequiredVerifiers int           `yaml:"required_verifiers" json:"required_verifiers"`
	RequiredRoleKeys  []string      `yaml:"required_role_keys,omitempty" json:"required_role_keys,omitempty"`
	Timeout           time.Duration `yaml:"-" json:"timeout,omitempty"`
}

// UnmarshalYAML parses the timeout from Go duration syntax ("72h").
func (v *VerificationPolicy) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		RequiredVerifiers int      `yaml:"required_verifiers"`
		RequiredRoleKeys  []string `yaml:"required_role_keys"`
		Timeout           string   `yaml:"timeout"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v.RequiredVerifiers = raw.RequiredVerifiers
	v.RequiredRoleKeys = raw.RequiredRoleKeys
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", raw.Timeout, err)
		}
		v.Timeout = d
	}
	return nil
}

// LoadProfiles reads every *.yaml profile in dir, keyed by tenant id.
// A missing or empty dir yields an empty map.
func LoadProfiles(dir string) (map[string]TenantProfile, error) {
	profiles := make(map[string]TenantProfile)
	if dir == "" {
		return profiles, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return profiles, nil
		}
		return nil, fmt.Errorf("config: read profile dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("config: read profile %s: %w", name, err)
		}

		var p TenantProfile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("config: parse profile %s: %w", name, err)
		}
		if p.Tenant == "" {
			return nil, fmt.Errorf("config: profile %s missing tenant", name)
		}
		if p.Verification.RequiredVerifiers < 1 {
			return nil, fmt.Errorf("config: profile %s: required_verifiers must be >= 1", name)
		}
		profiles[p.Tenant] = p
	}
	return profiles, nil
}
