// Package keystore provides a read-only, concurrency-safe PSK
// identity-to-key store (spec.md §3 "Key Entry", §5 "KeyStore is
// read-only and safe for concurrent lookup"). It deliberately imports
// nothing from internal/logger: a grep for a logger import in this
// package should always come back empty, enforcing that key bytes can never
// reach a log field (testable property 6).
package keystore

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Entry mirrors spec.md §3's Key Entry tuple.
type Entry struct {
	Identity  string    `yaml:"identity"`
	KeyHex    string    `yaml:"key_hex"`
	KeyVer    int       `yaml:"key_version"`
	CreatedAt time.Time `yaml:"created_at"`
}

type file struct {
	Keys []Entry `yaml:"keys"`
}

// Store is a flat-file backed KeyStore, loaded once at startup and
// safe for concurrent Lookup thereafter. It satisfies
// pkg/psktls.KeyStore.
type Store struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// Load reads identity/key pairs from a YAML file shaped as:
//
//	keys:
//	  - identity: TEST_UICC_001
//	    key_hex: "000102030405060708090a0b0c0d0e0f"
//	    key_version: 1
//	    created_at: 2026-01-01T00:00:00Z
//
// Key bytes must be 16 or 32 bytes once hex-decoded (spec.md §6).
func Load(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: reading %s: %w", path, err)
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("keystore: parsing %s: %w", path, err)
	}
	return fromEntries(f.Keys)
}

// New builds a Store directly from entries, for tests and for
// callers that already have identities/keys in memory.
func New(entries []Entry) (*Store, error) {
	return fromEntries(entries)
}

func fromEntries(entries []Entry) (*Store, error) {
	keys := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if e.Identity == "" {
			return nil, fmt.Errorf("keystore: entry with empty identity")
		}
		if _, dup := keys[e.Identity]; dup {
			return nil, fmt.Errorf("keystore: duplicate identity %q", e.Identity)
		}
		key, err := hex.DecodeString(e.KeyHex)
		if err != nil {
			return nil, fmt.Errorf("keystore: identity %q: invalid key_hex: %w", e.Identity, err)
		}
		if len(key) != 16 && len(key) != 32 {
			return nil, fmt.Errorf("keystore: identity %q: key must be 16 or 32 bytes, got %d", e.Identity, len(key))
		}
		keys[e.Identity] = key
	}
	return &Store{keys: keys}, nil
}

// Lookup resolves identity to its key bytes. Safe for concurrent use.
func (s *Store) Lookup(identity string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[identity]
	return key, ok
}

// Count returns the number of loaded identities, for health/status
// reporting (never the identities themselves in bulk, to keep the
// surface narrow).
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
