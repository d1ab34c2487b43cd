//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

func secretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"), "."), "secrets.json")
}

// SecretLocation describes where secrets set through SetKey are stored.
func SecretLocation() string {
	return secretsFilePath()
}

// secretsFile keeps provider credentials as service -> account -> value in
// a 0600 JSON file.
type secretsFile struct {
	path string
}

func newPlatformSecrets() secretStore {
	return secretsFile{path: secretsFilePath()}
}

func (f secretsFile) read() (map[string]map[string]string, error) {
	secrets := make(map[string]map[string]string)
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return secrets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	if err := json.Unmarshal(raw, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", f.path, err)
	}
	return secrets, nil
}

func (f secretsFile) Get(service, account string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", service, account, errNoSecret)
	}
	return v, nil
}

func (f secretsFile) Set(service, account, value string) error {
	secrets, err := f.read()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value
	return writeJSONFile(f.path, secrets)
}

func (f secretsFile) Delete(service, account string) error {
	secrets, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := secrets[service][account]; !ok {
		return nil
	}
	delete(secrets[service], account)
	if len(secrets[service]) == 0 {
		delete(secrets, service)
	}
	return writeJSONFile(f.path, secrets)
}
