package auth

import (
	"testing"
	"time"
)

func TestGenerateAndValidateAccessTokenRoundTrip(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)

	token, err := m.GenerateAccessToken("operator")
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	claims, err := m.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.Subject != "operator" {
		t.Fatalf("expected subject 'operator', got %q", claims.Subject)
	}
}

func TestValidateAccessTokenRejectsExpired(t *testing.T) {
	m := NewJWTManager("test-secret", -time.Minute)

	token, err := m.GenerateAccessToken("operator")
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	_, err = m.ValidateAccessToken(token)
	if err != ErrTokenExpired {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestValidateAccessTokenRejectsTamperedSignature(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	token, err := m.GenerateAccessToken("operator")
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	other := NewJWTManager("different-secret", time.Hour)
	_, err = other.ValidateAccessToken(token)
	if err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for a token signed with a different secret, got %v", err)
	}
}

func TestValidateAccessTokenRejectsGarbage(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)

	_, err := m.ValidateAccessToken("not-a-jwt")
	if err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestAccessTokenDurationInSeconds(t *testing.T) {
	m := NewJWTManager("test-secret", 90*time.Minute)
	if got := m.AccessTokenDuration(); got != 5400 {
		t.Fatalf("expected 5400 seconds, got %d", got)
	}
}
