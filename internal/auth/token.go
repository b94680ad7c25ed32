package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header empty")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

// SessionKey derives the storage key for a token's session. The gateway
// does not verify signatures (the upstream backend is the verifier), it
// only needs a stable per-user key, so claims are read unverified and an
// opaque token degrades to a hash of itself.
func SessionKey(token string) string {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if v, ok := claims["user_uuid"].(string); ok && v != "" {
			return v
		}
		if v, ok := claims["sub"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}
