package auth

import (
	"testing"
	"time"
)

const testIssuer = "pulse-auth"

func TestIssueAndValidateRoundTrip(t *testing.T) {
	manager := NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        testIssuer,
	})

	token, expiresIn, err := manager.IssueToken("user-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn <= 0 {
		t.Fatalf("expected positive lifetime, got %d", expiresIn)
	}

	subject, err := manager.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validate error: %v", err)
	}
	if subject != "user-1" {
		t.Fatalf("unexpected subject: %s", subject)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuing := NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("secret-a"),
		Issuer:        testIssuer,
	})
	validating := NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("secret-b"),
		Issuer:        testIssuer,
	})

	token, _, err := issuing.IssueToken("user-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := validating.ValidateToken(token); err == nil {
		t.Fatalf("expected validation failure for wrong secret")
	}
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	issuing := NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "someone-else",
	})
	validating := NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        testIssuer,
	})

	token, _, err := issuing.IssueToken("user-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := validating.ValidateToken(token); err == nil {
		t.Fatalf("expected validation failure for wrong issuer")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issuedAt := time.Unix(1700000000, 0).UTC()
	issuing := NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        testIssuer,
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return issuedAt },
	})
	validating := NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        testIssuer,
		Clock:         func() time.Time { return issuedAt.Add(2 * time.Minute) },
	})

	token, _, err := issuing.IssueToken("user-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := validating.ValidateToken(token); err == nil {
		t.Fatalf("expected validation failure for expired token")
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	manager := NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        testIssuer,
	})
	if _, _, err := manager.IssueToken(""); err == nil {
		t.Fatalf("expected error for empty user id")
	}
}

func TestIssueTokenRequiresSecret(t *testing.T) {
	manager := NewSessionManager(SessionManagerConfig{Issuer: testIssuer})
	if _, _, err := manager.IssueToken("user-1"); err == nil {
		t.Fatalf("expected error for missing signing secret")
	}
}
