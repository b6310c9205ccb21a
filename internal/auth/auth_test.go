package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHashToken(t *testing.T) {
	token := "test-token-123"

	hash, err := HashToken(token)
	if err != nil {
		t.Fatalf("HashToken() error = %v", err)
	}

	if hash == "" || hash == token {
		t.Errorf("HashToken() = %q, want a bcrypt hash", hash)
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Errorf("HashToken() = %q, want bcrypt prefix", hash)
	}
}

func TestNewAuthenticator_InvalidHash(t *testing.T) {
	_, err := NewAuthenticator("not-a-bcrypt-hash")
	if !errors.Is(err, ErrInvalidHash) {
		t.Errorf("expected ErrInvalidHash, got %v", err)
	}
}

func TestAuthenticator_Authenticate(t *testing.T) {
	hash, _ := HashToken("secret")
	a, err := NewAuthenticator(hash)
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"valid token", "secret", false},
		{"wrong token", "guess", true},
		{"empty token", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Authenticate(tt.token)
			if (err != nil) != tt.wantErr {
				t.Errorf("Authenticate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthenticator_Disabled(t *testing.T) {
	a, _ := NewAuthenticator("")
	if a.Enabled() {
		t.Error("empty hash should disable auth")
	}
	if err := a.Authenticate(""); err != nil {
		t.Errorf("disabled auth should accept anything, got %v", err)
	}
}

func TestRequireToken(t *testing.T) {
	hash, _ := HashToken("secret")
	a, _ := NewAuthenticator(hash)

	handler := a.RequireToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid bearer", "Bearer secret", http.StatusOK},
		{"wrong bearer", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/channels", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestGenerateToken(t *testing.T) {
	token1, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	token2, _ := GenerateToken()

	if len(token1) != 64 {
		t.Errorf("GenerateToken length = %d, want 64", len(token1))
	}
	if token1 == token2 {
		t.Error("GenerateToken should produce different tokens")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid bearer", "Bearer abc123", "abc123"},
		{"no bearer prefix", "abc123", ""},
		{"empty header", "", ""},
		{"basic auth", "Basic dXNlcjpwYXNz", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			got := ExtractBearerToken(req)
			if got != tt.want {
				t.Errorf("ExtractBearerToken() = %v, want %v", got, tt.want)
			}
		})
	}
}
