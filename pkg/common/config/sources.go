package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Credential kinds a source may present.
const (
	CredentialHeader = "header"
	CredentialBearer = "bearer"
	CredentialBasic  = "basic"
)

// SourceBinding ties one webhook source to its tenant and credential policy.
type SourceBinding struct {
	Name             string   `yaml:"name" json:"name"`
	Tenant           string   `yaml:"tenant" json:"tenant"`
	MultiTenant      bool     `yaml:"multi_tenant" json:"multi_tenant"`
	ExpectedTenantID string   `yaml:"expected_tenant_id" json:"expected_tenant_id"`
	Credentials      []string `yaml:"credentials" json:"credentials"`
	SecretEnv        string   `yaml:"secret_env" json:"secret_env"`
	BasicUsername    string   `yaml:"basic_username" json:"basic_username"`

	// Secret is resolved from SecretEnv at load time and never read from the file.
	Secret string `yaml:"-" json:"-"`
}

type SourcesConfig struct {
	Sources []SourceBinding `yaml:"sources" json:"sources"`
}

// Binding returns the binding for a source name.
func (c SourcesConfig) Binding(name string) (SourceBinding, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	for _, b := range c.Sources {
		if b.Name == key {
			return b, true
		}
	}
	return SourceBinding{}, false
}

// Accepts reports whether the binding accepts the credential kind.
func (b SourceBinding) Accepts(kind string) bool {
	for _, k := range b.Credentials {
		if k == kind {
			return true
		}
	}
	return false
}

func LoadSources(path string) (SourcesConfig, error) {
	if path == "" {
		return resolveSecrets(DefaultSources()), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return SourcesConfig{}, err
	}

	var cfg SourcesConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return SourcesConfig{}, err
	}
	if len(cfg.Sources) == 0 {
		return SourcesConfig{}, errors.New("no webhook sources configured")
	}
	if err := cfg.validate(); err != nil {
		return SourcesConfig{}, err
	}
	return resolveSecrets(cfg), nil
}

func (c *SourcesConfig) validate() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for i := range c.Sources {
		b := &c.Sources[i]
		b.Name = strings.ToLower(strings.TrimSpace(b.Name))
		if b.Name == "" {
			return fmt.Errorf("source %d: name required", i)
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("source %s: declared twice", b.Name)
		}
		seen[b.Name] = struct{}{}
		if !b.MultiTenant && b.Tenant == "" {
			return fmt.Errorf("source %s: tenant required unless multi_tenant", b.Name)
		}
		if len(b.Credentials) == 0 {
			return fmt.Errorf("source %s: at least one credential kind required", b.Name)
		}
		for _, kind := range b.Credentials {
			switch kind {
			case CredentialHeader, CredentialBearer, CredentialBasic:
			default:
				return fmt.Errorf("source %s: unknown credential kind %q", b.Name, kind)
			}
		}
	}
	return nil
}

func resolveSecrets(cfg SourcesConfig) SourcesConfig {
	out := SourcesConfig{Sources: make([]SourceBinding, len(cfg.Sources))}
	for i, b := range cfg.Sources {
		if b.SecretEnv != "" {
			b.Secret = os.Getenv(b.SecretEnv)
		}
		out.Sources[i] = b
	}
	return out
}

func DefaultSources() SourcesConfig {
	return SourcesConfig{Sources: []SourceBinding{
		{Name: "formsort", Tenant: getEnv("FORMSORT_TENANT", "main"), Credentials: []string{CredentialHeader, CredentialBearer}, SecretEnv: "FORMSORT_WEBHOOK_SECRET"},
		{Name: "typeform", MultiTenant: true, Credentials: []string{CredentialBearer, CredentialBasic}, SecretEnv: "TYPEFORM_WEBHOOK_SECRET"},
		{Name: "jotform", Tenant: getEnv("JOTFORM_TENANT", "main"), Credentials: []string{CredentialBasic}},
		{Name: "generic", MultiTenant: true, Credentials: []string{CredentialHeader, CredentialBearer, CredentialBasic}, SecretEnv: "GENERIC_WEBHOOK_SECRET"},
	}}
}
