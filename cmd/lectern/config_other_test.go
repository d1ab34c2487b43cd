//go:build !darwin

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigSetUnset(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_DATA_HOME", dir)

	if err := runCmd(t, "config", "set", "pregen.delay", "3s"); err != nil {
		t.Fatal(err)
	}
	if err := runCmd(t, "config", "set", "deepgram.api_key", "dg-secret"); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "lectern", "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"pregen.delay": "3s"`) || strings.Contains(string(raw), "dg-secret") {
		t.Errorf("config.json = %s", raw)
	}

	if err := runCmd(t, "config", "unset", "deepgram.api_key"); err != nil {
		t.Fatal(err)
	}
	secrets, _ := os.ReadFile(filepath.Join(dir, "lectern", "secrets.json"))
	if strings.Contains(string(secrets), "dg-secret") {
		t.Errorf("secret survived unset: %s", secrets)
	}
	if err := runCmd(t, "config", "unset", "no.such.key"); err == nil {
		t.Error("expected error for unknown key")
	}
}
