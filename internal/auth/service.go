package auth

import "fmt"

// Service issues access tokens for the single configured operator
// account. There is no user store: the operator's username and bcrypt
// password hash live in Config, loaded from config.json/env.
type Service struct {
	username     string
	passwordHash string
	jwt          *JWTManager
}

// NewService creates a Service from Config.
func NewService(cfg Config) *Service {
	return &Service{
		username:     cfg.OperatorUsername,
		passwordHash: cfg.OperatorPasswordHash,
		jwt:          NewJWTManager(cfg.JWTSecret, cfg.AccessTokenDuration),
	}
}

// Login verifies username/password against the configured operator
// account and issues an access token on success.
func (s *Service) Login(username, password string) (*LoginResponse, error) {
	if s.username == "" || username != s.username {
		return nil, ErrInvalidCredentials
	}
	if !VerifyPassword(password, s.passwordHash) {
		return nil, ErrInvalidCredentials
	}

	token, err := s.jwt.GenerateAccessToken(username)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	return &LoginResponse{
		AccessToken: token,
		ExpiresIn:   s.jwt.AccessTokenDuration(),
		TokenType:   "Bearer",
	}, nil
}

// JWTManager exposes the underlying manager for the Bearer middleware.
func (s *Service) JWTManager() *JWTManager {
	return s.jwt
}
