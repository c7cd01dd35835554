package auth

import (
	"testing"
	"time"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	hash, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return NewService(Config{
		Enabled:              true,
		JWTSecret:            "test-secret",
		AccessTokenDuration:  time.Hour,
		OperatorUsername:     "operator",
		OperatorPasswordHash: hash,
	})
}

func TestLoginSucceedsWithCorrectCredentials(t *testing.T) {
	svc := newTestService(t)

	resp, err := svc.Login("operator", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("expected a non-empty access token")
	}
	if resp.TokenType != "Bearer" {
		t.Fatalf("expected token type Bearer, got %q", resp.TokenType)
	}
	if resp.ExpiresIn != 3600 {
		t.Fatalf("expected expires_in 3600, got %d", resp.ExpiresIn)
	}
}

func TestLoginFailsWithWrongUsername(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Login("someone-else", "s3cret-pass")
	if err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginFailsWithWrongPassword(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Login("operator", "wrong-pass")
	if err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginFailsWhenNoOperatorConfigured(t *testing.T) {
	svc := NewService(Config{JWTSecret: "test-secret", AccessTokenDuration: time.Hour})

	_, err := svc.Login("operator", "anything")
	if err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials when no operator is configured, got %v", err)
	}
}
