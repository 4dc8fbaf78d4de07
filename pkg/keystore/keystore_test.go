package keystore

import "testing"

func TestLookupKnownIdentity(t *testing.T) {
	s, err := New([]Entry{{Identity: "TEST_UICC_001", KeyHex: "000102030405060708090a0b0c0d0e0f"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key, ok := s.Lookup("TEST_UICC_001")
	if !ok || len(key) != 16 {
		t.Fatalf("unexpected lookup result: key=%x ok=%v", key, ok)
	}
}

func TestLookupUnknownIdentity(t *testing.T) {
	s, _ := New(nil)
	if _, ok := s.Lookup("nope"); ok {
		t.Fatal("expected unknown identity to miss")
	}
}

func TestRejectsBadKeyLength(t *testing.T) {
	_, err := New([]Entry{{Identity: "a", KeyHex: "0011"}})
	if err == nil {
		t.Fatal("expected error for non 16/32 byte key")
	}
}

func TestRejectsDuplicateIdentity(t *testing.T) {
	entries := []Entry{
		{Identity: "a", KeyHex: "000102030405060708090a0b0c0d0e0f"},
		{Identity: "a", KeyHex: "0f0e0d0c0b0a09080706050403020100"},
	}
	if _, err := New(entries); err == nil {
		t.Fatal("expected error for duplicate identity")
	}
}

func TestRejectsInvalidHex(t *testing.T) {
	_, err := New([]Entry{{Identity: "a", KeyHex: "zz"}})
	if err == nil {
		t.Fatal("expected error for invalid hex")
	}
}
