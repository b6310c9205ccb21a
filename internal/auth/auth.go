// Package auth guards the HTTP API with a single bearer token whose bcrypt hash is
// configured in API_TOKEN_HASH.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidHash  = errors.New("invalid token hash")
)

type Authenticator struct {
	hash []byte
}

// NewAuthenticator returns an authenticator for the bcrypt hash. An empty hash
// disables authentication.
func NewAuthenticator(hash string) (*Authenticator, error) {
	if hash == "" {
		return &Authenticator{}, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, errors.Join(ErrInvalidHash, err)
	}
	return &Authenticator{hash: []byte(hash)}, nil
}

func (a *Authenticator) Enabled() bool {
	return len(a.hash) > 0
}

func (a *Authenticator) Authenticate(token string) error {
	if !a.Enabled() {
		return nil
	}
	if token == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// RequireToken rejects requests without a valid bearer token.
func (a *Authenticator) RequireToken(next http.Handler) http.Handler {
	if !a.Enabled() {
		slog.Warn("API_TOKEN_HASH not set, API authentication disabled")
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Authenticate(ExtractBearerToken(r)); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="chat-relay"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"message":"unauthorized","type":"authentication_error","code":401}}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// GenerateToken returns 32 random bytes, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
