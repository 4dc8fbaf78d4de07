package opauth

import (
	"testing"
	"time"
)

func testService(t *testing.T) *Service {
	t.Helper()
	hash, err := HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return NewService([]Operator{{Username: "op1", PasswordHash: hash}}, []byte("test-secret"), time.Minute)
}

func TestAuthenticateAndVerify(t *testing.T) {
	s := testService(t)
	token, err := s.Authenticate("op1", "correct-horse")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	sub, err := s.Verify(token)
	if err != nil || sub != "op1" {
		t.Fatalf("verify: sub=%q err=%v", sub, err)
	}
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	s := testService(t)
	if _, err := s.Authenticate("op1", "wrong"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticateRejectsUnknownUser(t *testing.T) {
	s := testService(t)
	if _, err := s.Authenticate("nobody", "x"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestVerifyRejectsGarbageToken(t *testing.T) {
	s := testService(t)
	if _, err := s.Verify("not-a-jwt"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	hash, _ := HashPassword("pw")
	s := NewService([]Operator{{Username: "op1", PasswordHash: hash}}, []byte("secret"), time.Nanosecond)
	token, err := s.Authenticate("op1", "pw")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := s.Verify(token); err != ErrInvalidToken {
		t.Fatalf("expected expired token to fail verification, got %v", err)
	}
}
