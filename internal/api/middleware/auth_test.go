package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func adminEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(AdminFromContext(r.Context())))
	})
}

func TestIssueAndParseToken(t *testing.T) {
	now := time.Now()
	token, expiresAt, err := IssueToken(testSecret, "admin", now)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}
	if !expiresAt.Equal(now.Add(TokenTTL)) {
		t.Errorf("expiresAt = %v, want %v", expiresAt, now.Add(TokenTTL))
	}

	claims, err := ParseToken(testSecret, token)
	if err != nil {
		t.Fatalf("ParseToken() error: %v", err)
	}
	if claims.Subject != "admin" {
		t.Errorf("subject = %q, want admin", claims.Subject)
	}
}

func TestParseTokenRejects(t *testing.T) {
	expired, _, err := IssueToken(testSecret, "admin", time.Now().Add(-2*TokenTTL))
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}
	otherKey, _, err := IssueToken([]byte("another-secret-another-secret!!!"), "admin", time.Now())
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("signing foreign token: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"wrong key", otherKey},
		{"wrong issuer", foreign},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(testSecret, tt.token); err != ErrInvalidToken {
				t.Errorf("ParseToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	valid, _, err := IssueToken(testSecret, "admin", time.Now())
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"missing header", "", http.StatusUnauthorized, ""},
		{"basic scheme", "Basic YWRtaW46c2VjcmV0", http.StatusUnauthorized, ""},
		{"bad token", "Bearer nope", http.StatusUnauthorized, ""},
		{"valid token", "Bearer " + valid, http.StatusOK, "admin"},
		{"lowercase scheme", "bearer " + valid, http.StatusOK, "admin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			RequireAdmin(testSecret)(adminEcho()).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if tt.wantStatus != http.StatusOK {
				if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
					t.Errorf("Content-Type = %q, want application/json", ct)
				}
			}
		})
	}
}

func TestAdminFromContextEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := AdminFromContext(req.Context()); got != "" {
		t.Errorf("AdminFromContext() = %q, want empty", got)
	}
}
