package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTManager signs and validates the operator's access token.
type JWTManager struct {
	secret              []byte
	accessTokenDuration time.Duration
}

// NewJWTManager creates a new JWT manager.
func NewJWTManager(secret string, accessDuration time.Duration) *JWTManager {
	return &JWTManager{secret: []byte(secret), accessTokenDuration: accessDuration}
}

type signedClaims struct {
	Claims
	jwt.RegisteredClaims
}

// GenerateAccessToken signs an access token for the operator.
func (m *JWTManager) GenerateAccessToken(subject string) (string, error) {
	now := time.Now()
	expiresAt := now.Add(m.accessTokenDuration)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, signedClaims{
		Claims: Claims{Subject: subject},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "recoengine",
			Audience:  []string{"recoengine-api"},
		},
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken validates an access token and returns its claims.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &signedClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*signedClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return &claims.Claims, nil
}

// AccessTokenDuration returns the configured access token lifetime in
// seconds, for the login response's expires_in field.
func (m *JWTManager) AccessTokenDuration() int64 {
	return int64(m.accessTokenDuration.Seconds())
}
