// Package secrets layers a Vault KV store over environment variables. Keys
// never live in configuration files: the environment is the baseline and
// Vault, when reachable, overrides it.
package secrets

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
)

// Source resolves named secrets.
type Source interface {
	Get(ctx context.Context, name string) (string, error)
}

// EnvSource reads secrets straight from the environment.
type EnvSource struct{}

func (EnvSource) Get(ctx context.Context, name string) (string, error) {
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secret %s not set", name)
}

// VaultSource reads a KV v2 secret once and caches its fields. Environment
// values fill anything the mount does not hold.
type VaultSource struct {
	client     *api.Client
	mountPath  string
	secretPath string
	logger     zerolog.Logger

	mu     sync.RWMutex
	cache  map[string]string
	loaded bool
}

// NewVaultSource builds a source from VAULT_ADDR and VAULT_TOKEN. An empty
// address returns a nil source; callers fall back to EnvSource.
func NewVaultSource(mountPath, secretPath string, logger zerolog.Logger) (*VaultSource, error) {
	addr := os.Getenv("VAULT_ADDR")
	if addr == "" {
		return nil, nil
	}
	cfg := api.DefaultConfig()
	cfg.Address = addr

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	client.SetToken(os.Getenv("VAULT_TOKEN"))

	if mountPath == "" {
		mountPath = "secret"
	}
	if secretPath == "" {
		secretPath = "openclaw"
	}
	return &VaultSource{
		client:     client,
		mountPath:  mountPath,
		secretPath: secretPath,
		logger:     logger.With().Str("component", "vault").Logger(),
		cache:      make(map[string]string),
	}, nil
}

// Get returns one secret field, loading the mount on first use. A Vault miss
// falls through to the environment.
func (v *VaultSource) Get(ctx context.Context, name string) (string, error) {
	if err := v.loadOnce(ctx); err != nil {
		v.logger.Warn().Err(err).Msg("vault read failed, environment only")
	}

	v.mu.RLock()
	val, ok := v.cache[name]
	v.mu.RUnlock()
	if ok && val != "" {
		return val, nil
	}
	return EnvSource{}.Get(ctx, name)
}

func (v *VaultSource) loadOnce(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loaded {
		return nil
	}
	v.loaded = true

	path := fmt.Sprintf("%s/data/%s", v.mountPath, v.secretPath)
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("no secret at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected secret format at %s", path)
	}
	for k, raw := range data {
		if s, ok := raw.(string); ok {
			v.cache[k] = s
		}
	}
	v.logger.Info().Int("fields", len(v.cache)).Msg("vault secrets loaded")
	return nil
}

// Health verifies the Vault connection is usable.
func (v *VaultSource) Health(ctx context.Context) error {
	health, err := v.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// Best returns the strongest available source: Vault when configured,
// environment otherwise.
func Best(mountPath, secretPath string, logger zerolog.Logger) Source {
	vs, err := NewVaultSource(mountPath, secretPath, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("vault unavailable, environment secrets only")
		return EnvSource{}
	}
	if vs == nil {
		return EnvSource{}
	}
	return vs
}
