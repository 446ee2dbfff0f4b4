package secrets

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// VaultProvider reads secrets from a HashiCorp Vault KV v2 secret. All credential inputs live
// as fields of a single secret at the path.
type VaultProvider struct {
	client *api.Client
	path   string
}

// NewVaultProvider makes VaultProvider for the secret path, i.e. "secret/data/gft"
func NewVaultProvider(addr, path, token string) (*VaultProvider, error) {
	client, err := api.NewClient(&api.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("can't make vault client: %w", err)
	}
	client.SetToken(token)
	return &VaultProvider{client: client, path: path}, nil
}

// Get returns field of the secret
func (p *VaultProvider) Get(key string) (string, error) {
	secret, err := p.client.Logical().ReadWithContext(context.Background(), p.path)
	if err != nil {
		return "", fmt.Errorf("can't read vault secret %s: %w", p.path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s, no vault secret %s", ErrNotFound, key, p.path)
	}
	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("unexpected vault secret format at %s", p.path)
	}
	raw, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("vault value of %s is %T, not a string", key, raw)
	}
	return value, nil
}
