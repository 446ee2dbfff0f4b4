package secrets

import "fmt"

// MemoryProvider keeps secrets in a map. Made for tests and for values passed on the command line.
type MemoryProvider struct {
	secrets map[string]string
}

// NewMemoryProvider makes MemoryProvider with the given secrets
func NewMemoryProvider(secrets map[string]string) *MemoryProvider {
	return &MemoryProvider{secrets: secrets}
}

// Get returns the secret for the given key
func (m *MemoryProvider) Get(key string) (string, error) {
	if val, ok := m.secrets[key]; ok {
		return val, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}
