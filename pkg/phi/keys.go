package phi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/synaptica-ai/intake/pkg/common/config"
)

const vaultKeyField = "master_key"

// LoadMasterKey reads the PHI master key from the configured source.
func LoadMasterKey(ctx context.Context, cfg *config.Config) ([]byte, error) {
	switch strings.ToLower(cfg.PHIKeySource) {
	case "", "env":
		return decodeKey(cfg.PHIMasterKey)
	case "vault":
		return loadFromVault(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown PHI key source %q", cfg.PHIKeySource)
	}
}

func loadFromVault(ctx context.Context, cfg *config.Config) ([]byte, error) {
	vcfg := vault.DefaultConfig()
	if cfg.VaultAddress != "" {
		vcfg.Address = cfg.VaultAddress
	}
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	}
	secret, err := client.KVv2(cfg.VaultMount).Get(ctx, cfg.VaultPath)
	if err != nil {
		return nil, fmt.Errorf("reading PHI key from vault: %w", err)
	}
	value, ok := secret.Data[vaultKeyField].(string)
	if !ok {
		return nil, fmt.Errorf("vault secret %s has no %s field", cfg.VaultPath, vaultKeyField)
	}
	return decodeKey(value)
}

// decodeKey accepts base64 or raw key material.
func decodeKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("PHI master key not configured")
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil && len(decoded) >= 32 {
		return decoded, nil
	}
	if len(value) < 32 {
		return nil, ErrKeyTooShort
	}
	return []byte(value), nil
}
