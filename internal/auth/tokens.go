package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const maxTokenTTL = 30 * 24 * time.Hour

type IssuedToken struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken signs a user token with the configured key. It backs the
// operator CLI and tests; production tokens come from the identity provider.
func (s *Service) IssueToken(userID, email string, scopes []string, ttl time.Duration) (IssuedToken, error) {
	var issued IssuedToken
	if strings.TrimSpace(userID) == "" {
		return issued, errors.New("missing user id")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if ttl > maxTokenTTL {
		return issued, errors.New("ttl exceeds maximum")
	}
	signingKey := []byte(s.Config.Security.TokenSigningKey)
	if len(signingKey) == 0 {
		return issued, errors.New("token signing key not configured")
	}

	now := s.Now()
	expiresAt := now.Add(ttl)
	tokenID := uuid.NewString()
	claims := jwt.MapClaims{
		"sub": userID,
		"jti": tokenID,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
	}
	if email != "" {
		claims["email"] = email
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}
	if iss := strings.TrimSpace(s.Config.Auth.Issuer); iss != "" {
		claims["iss"] = iss
	}
	if aud := strings.TrimSpace(s.Config.Auth.Audience); aud != "" {
		claims["aud"] = aud
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		return issued, err
	}
	return IssuedToken{Token: token, TokenID: tokenID, ExpiresAt: expiresAt}, nil
}
