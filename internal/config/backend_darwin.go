//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultsDomain = "com.lectern.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "lectern")
	}
	return "lectern-data"
}

// defaultsBackend keeps keys in UserDefaults through the defaults CLI. Ints
// and bools use the native plist types; durations are stored as strings.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() Backend {
	return defaultsBackend{domain: defaultsDomain}
}

func (b defaultsBackend) Get(key string, typ keyType) (any, bool, error) {
	out, err := exec.Command("defaults", "read", b.domain, key).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("defaults read %s: %w: %s", key, err, s)
	}
	return coerce(key, typ, s)
}

func (b defaultsBackend) Set(key string, v any) error {
	var args []string
	switch val := v.(type) {
	case int:
		args = []string{"-int", strconv.Itoa(val)}
	case bool:
		args = []string{"-bool", strconv.FormatBool(val)}
	case time.Duration:
		args = []string{"-string", val.String()}
	default:
		args = []string{"-string", fmt.Sprint(val)}
	}
	cmd := exec.Command("defaults", append([]string{"write", b.domain, key}, args...)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("defaults write %s: %w: %s", key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b defaultsBackend) Delete(key string) error {
	err := exec.Command("defaults", "delete", b.domain, key).Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return nil
	}
	return err
}
