// Package secrets provides sources of credentials for the tables service. Supported are the
// encrypted sql store, HashiCorp Vault, AWS Secrets Manager, ansible-vault files and memory.
package secrets

import (
	"errors"
	"fmt"
)

// ErrNotFound returned by providers for unknown keys
var ErrNotFound = errors.New("secret not found")

// Provider returns secret value by key
type Provider interface {
	Get(key string) (string, error)
}

// Keys are names of the credential inputs in a provider. Empty name skips the input.
type Keys struct {
	Auth     string
	Email    string
	Password string
}

// DefaultKeys returns the names used by the command line tools
func DefaultKeys() Keys {
	return Keys{Auth: "GFT_AUTH", Email: "GFT_EMAIL", Password: "GFT_PASSWORD"}
}

// Credentials are the resolved credential inputs, missing ones are empty
type Credentials struct {
	AuthKey  string
	Email    string
	Password string
}

// Lookup resolves credential inputs with the provider. Keys not found in the provider are left empty,
// any other provider error is returned.
func Lookup(p Provider, k Keys) (Credentials, error) {
	res := Credentials{}
	for _, v := range []struct {
		key string
		dst *string
	}{{k.Auth, &res.AuthKey}, {k.Email, &res.Email}, {k.Password, &res.Password}} {
		if v.key == "" {
			continue
		}
		val, err := p.Get(v.key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Credentials{}, fmt.Errorf("can't get %s: %w", v.key, err)
		}
		*v.dst = val
	}
	return res, nil
}

// NoOpProvider has no secrets
type NoOpProvider struct{}

// Get always returns ErrNotFound
func (p *NoOpProvider) Get(key string) (string, error) {
	return "", fmt.Errorf("%w: %s, no secrets provider", ErrNotFound, key)
}
