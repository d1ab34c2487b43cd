//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// errSecItemNotFound is the exit status of security(1) for a missing item.
const errSecItemNotFound = 44

// SecretLocation describes where secrets set through SetKey are stored.
func SecretLocation() string {
	return "macOS Keychain (service: " + service + ")"
}

// keychainStore keeps provider credentials as generic passwords in the login
// keychain.
type keychainStore struct{}

func newPlatformSecrets() secretStore { return keychainStore{} }

func (keychainStore) Get(service, account string) (string, error) {
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	if err != nil {
		if notFound(err) {
			return "", fmt.Errorf("%s/%s: %w", service, account, errNoSecret)
		}
		return "", fmt.Errorf("keychain read %s/%s: %w", service, account, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainStore) Set(service, account, value string) error {
	return exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value).Run()
}

func (keychainStore) Delete(service, account string) error {
	err := exec.Command("security", "delete-generic-password", "-s", service, "-a", account).Run()
	if err != nil && notFound(err) {
		return nil
	}
	return err
}

func notFound(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == errSecItemNotFound
}
