package authtoken

import (
	"testing"
	"time"
)

func TestIssueThenVerifyRoundTrip(t *testing.T) {
	issuer := New([]byte("test-signing-key"), time.Hour)
	token, err := issuer.Issue("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	userID, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("expected user-1, got %q", userID)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer := New([]byte("test-signing-key"), -time.Minute)
	token, err := issuer.Issue("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := issuer.Verify(token); err != ErrInvalid {
		t.Fatalf("expected ErrInvalid for expired token, got %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	issued := New([]byte("key-a"), time.Hour)
	token, err := issued.Issue("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	verifier := New([]byte("key-b"), time.Hour)
	if _, err := verifier.Verify(token); err != ErrInvalid {
		t.Fatalf("expected ErrInvalid for mismatched key, got %v", err)
	}
}
