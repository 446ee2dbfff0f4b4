package secrets

import (
	"fmt"
	"log"

	"github.com/go-pkgz/fileutils"
	vault "github.com/sosedoff/ansible-vault-go"
	yaml "gopkg.in/yaml.v3"
)

// AnsibleVaultProvider reads secrets from an ansible-vault encrypted yaml file with flat key/value map
type AnsibleVaultProvider struct {
	data map[string]any
}

// NewAnsibleVaultProvider decrypts the file and loads its values
func NewAnsibleVaultProvider(vaultPath, password string) (*AnsibleVaultProvider, error) {
	if !fileutils.IsFile(vaultPath) {
		return nil, fmt.Errorf("%s is not a file", vaultPath)
	}
	decrypted, err := vault.DecryptFile(vaultPath, password)
	if err != nil {
		return nil, fmt.Errorf("can't decrypt %s: %w", vaultPath, err)
	}
	data := map[string]any{}
	if err = yaml.Unmarshal([]byte(decrypted), &data); err != nil {
		return nil, fmt.Errorf("can't unmarshal %s: %w", vaultPath, err)
	}
	log.Printf("[INFO] ansible vault %s decrypted, %d values", vaultPath, len(data))
	return &AnsibleVaultProvider{data: data}, nil
}

// Get returns value of the key, formatted as string
func (p *AnsibleVaultProvider) Get(key string) (string, error) {
	v, ok := p.data[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Sprintf("%v", v), nil
}
