package auth

import (
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		UserID:    7,
		Name:      "Avery",
		Role:      "host",
		SessionID: "sess_abc",
		JTI:       "jti-1",
		Exp:       time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.UserID != 7 || claims.SessionID != "sess_abc" || claims.Role != "host" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		UserID:    7,
		Name:      "Avery",
		Role:      "host",
		SessionID: "sess_abc",
		JTI:       "jti-1",
		Exp:       time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); err != ErrExpiredToken {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsTamperedPayload(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		UserID:    7,
		Name:      "Avery",
		Role:      "host",
		SessionID: "sess_abc",
		JTI:       "jti-1",
		Exp:       time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	tampered := "x" + issued
	if _, err := ParseToken(secret, tampered); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := ParseToken([]byte("other"), issued); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}
