package mobilesim

import (
	"os"
	"path/filepath"
	"testing"
)

const validScenario = `
server_addr: "127.0.0.1:8443"
host: "admin.local"
identity: "SIM001"
key_hex: "000102030405060708090a0b0c0d0e0f"
cipher_tier: "production"
behavior:
  mode: "error"
  error_probability: 0.25
  injected_sws: ["6A82", "6985"]
`

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
	return path
}

func TestLoadScenarioValid(t *testing.T) {
	path := writeScenario(t, validScenario)
	sc, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if sc.Identity != "SIM001" || sc.ServerAddr != "127.0.0.1:8443" {
		t.Fatalf("unexpected scenario: %+v", sc)
	}

	cfg, err := sc.ClientConfig()
	if err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}
	if len(cfg.Key) != 16 || cfg.Behavior.Mode != BehaviorError || len(cfg.Behavior.InjectedSWs) != 2 {
		t.Fatalf("unexpected client config: %+v", cfg)
	}
	if cfg.Behavior.InjectedSWs[0] != 0x6A82 {
		t.Fatalf("expected first injected sw 6A82, got %04X", cfg.Behavior.InjectedSWs[0])
	}
}

func TestLoadScenarioMissingIdentity(t *testing.T) {
	path := writeScenario(t, `
server_addr: "127.0.0.1:8443"
key_hex: "000102030405060708090a0b0c0d0e0f"
`)
	if _, err := LoadScenario(path); err == nil {
		t.Fatalf("expected validation error for missing identity")
	}
}

func TestLoadScenarioBadKeyHex(t *testing.T) {
	path := writeScenario(t, `
server_addr: "127.0.0.1:8443"
identity: "SIM001"
key_hex: "not-hex"
`)
	if _, err := LoadScenario(path); err == nil {
		t.Fatalf("expected validation error for bad key_hex")
	}
}

func TestLoadScenarioDefaultsTierAndMode(t *testing.T) {
	path := writeScenario(t, `
server_addr: "127.0.0.1:8443"
identity: "SIM001"
key_hex: "000102030405060708090a0b0c0d0e0f"
`)
	sc, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if sc.Tier != "production" || sc.Behavior.Mode != string(BehaviorNormal) {
		t.Fatalf("expected defaults applied, got %+v", sc)
	}
}
