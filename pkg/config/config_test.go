package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, `
server:
  bind_host: 0.0.0.0
  bind_port: 8443
keystore:
  path: keys.yaml
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.CipherTier != "production" {
		t.Fatalf("expected default cipher tier, got %q", c.Server.CipherTier)
	}
	if c.SessionStore.Backend != "memory" {
		t.Fatalf("expected default backend memory, got %q", c.SessionStore.Backend)
	}
	if c.ServerAddr() != "0.0.0.0:8443" {
		t.Fatalf("unexpected server addr: %s", c.ServerAddr())
	}
}

func TestLoadRejectsInvalidCipherTier(t *testing.T) {
	path := writeTemp(t, `
server:
  bind_host: 0.0.0.0
  bind_port: 8443
  cipher_tier: bogus
keystore:
  path: keys.yaml
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for bad cipher_tier")
	}
}

func TestLoadRejectsPostgresWithoutDSN(t *testing.T) {
	path := writeTemp(t, `
server:
  bind_host: 0.0.0.0
  bind_port: 8443
keystore:
  path: keys.yaml
session_store:
  backend: postgres
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for postgres backend without dsn")
	}
}

func TestLoadRejectsMissingKeyStorePath(t *testing.T) {
	path := writeTemp(t, `
server:
  bind_host: 0.0.0.0
  bind_port: 8443
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing keystore path")
	}
}
