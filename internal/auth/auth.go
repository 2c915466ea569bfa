// Package auth provides signed bearer tokens and password hashing, shared by
// the API middleware and the operator CLI.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Claims is the signed token payload.
type Claims struct {
	UserID    uuid.UUID `json:"uid"`
	ExpiresAt int64     `json:"exp"`
}

// MintToken issues a signed bearer token for the user, valid for ttl.
// The format is base64url(claims JSON) + "." + base64url(HMAC-SHA256).
func MintToken(secret string, userID uuid.UUID, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("mint token: empty secret")
	}
	claims := Claims{UserID: userID, ExpiresAt: time.Now().Add(ttl).Unix()}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + signPayload(secret, encoded), nil
}

// VerifyToken checks the signature and expiry and returns the subject.
func VerifyToken(secret, token string) (uuid.UUID, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return uuid.Nil, fmt.Errorf("malformed token")
	}

	if !hmac.Equal([]byte(signPayload(secret, parts[0])), []byte(parts[1])) {
		return uuid.Nil, fmt.Errorf("bad token signature")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed token payload")
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return uuid.Nil, fmt.Errorf("malformed token claims")
	}
	if time.Now().Unix() >= claims.ExpiresAt {
		return uuid.Nil, fmt.Errorf("token expired")
	}
	return claims.UserID, nil
}

func signPayload(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// HashPassword hashes a plaintext password for storage.
func HashPassword(plain string) (string, error) {
	if plain == "" {
		return "", fmt.Errorf("empty password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword verifies a plaintext password against its stored hash.
func CheckPassword(hash, plain string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)); err != nil {
		return fmt.Errorf("password mismatch")
	}
	return nil
}
