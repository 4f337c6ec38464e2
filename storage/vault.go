package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/ruteri/attested-vault-client/interfaces"
)

// VaultStore implements a SecretStore on HashiCorp Vault's KV v2 engine.
// Each secret key becomes a path under the configured mount and prefix;
// values are stored base64-encoded under a single "value" field.
type VaultStore struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultStore creates a Vault-backed secret store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token for authentication
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: prefix within the mount (e.g. "vault-client")
//   - log: structured logger, nil falls back to slog.Default
func NewVaultStore(address, token, mountPath, dataPath string, log *slog.Logger) (*VaultStore, error) {
	if log == nil {
		log = slog.Default()
	}

	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultStore{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		log:       log,
	}, nil
}

// dataPathFor builds the KV v2 data path for a secret key.
func (s *VaultStore) dataPathFor(key string) string {
	return fmt.Sprintf("%s/data/%s/%s", s.mountPath, s.dataPath, key)
}

// metadataPathFor builds the KV v2 metadata path, which is what deletion of
// all versions goes through.
func (s *VaultStore) metadataPathFor(key string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", s.mountPath, s.dataPath, key)
}

// Save writes the value as a new version of the key's secret.
func (s *VaultStore) Save(ctx context.Context, key string, value []byte) error {
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"value": base64.StdEncoding.EncodeToString(value),
		},
	}

	if _, err := s.client.Logical().WriteWithContext(ctx, s.dataPathFor(key), payload); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	s.log.Debug("Saved secret to Vault",
		slog.String("key", key),
		slog.Int("size", len(value)))
	return nil
}

// Load reads the latest version of the key's secret.
func (s *VaultStore) Load(ctx context.Context, key string) ([]byte, error) {
	secret, err := s.client.Logical().ReadWithContext(ctx, s.dataPathFor(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrSecretNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		// A deleted-but-not-destroyed KV v2 version reads back with nil
		// data.
		return nil, interfaces.ErrSecretNotFound
	}
	encoded, ok := data["value"].(string)
	if !ok {
		return nil, fmt.Errorf("secret %q has no value field", key)
	}

	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secret %q value is not valid base64: %w", key, err)
	}
	return value, nil
}

// Delete removes the key's secret metadata and all versions.
func (s *VaultStore) Delete(ctx context.Context, key string) error {
	if _, err := s.client.Logical().DeleteWithContext(ctx, s.metadataPathFor(key)); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}
