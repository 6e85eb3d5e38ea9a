package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestSecurityHeaders(t *testing.T) {
	for _, tlsEnabled := range []bool{false, true} {
		rr := httptest.NewRecorder()
		SecurityHeaders(tlsEnabled)(okHandler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

		want := map[string]string{
			"X-Content-Type-Options":  "nosniff",
			"X-Frame-Options":         "DENY",
			"Referrer-Policy":         "no-referrer",
			"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
			"Cache-Control":           "no-store",
		}
		for header, value := range want {
			if got := rr.Header().Get(header); got != value {
				t.Errorf("tls=%v %s = %q, want %q", tlsEnabled, header, got, value)
			}
		}
		if hsts := rr.Header().Get("Strict-Transport-Security"); (hsts != "") != tlsEnabled {
			t.Errorf("tls=%v Strict-Transport-Security = %q", tlsEnabled, hsts)
		}
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		method      string
		origin      string
		preflight   bool
		wantStatus  int
		wantOrigin  string
		wantMethods bool
	}{
		{"listed origin", []string{"https://ops.example.com"}, http.MethodGet, "https://ops.example.com", false, 200, "https://ops.example.com", false},
		{"unlisted origin", []string{"https://ops.example.com"}, http.MethodGet, "https://evil.example.com", false, 200, "", false},
		{"no origin header", []string{"*"}, http.MethodGet, "", false, 200, "", false},
		{"wildcard", []string{"*"}, http.MethodGet, "https://any.example.com", false, 200, "*", false},
		{"cors disabled", nil, http.MethodGet, "https://ops.example.com", false, 200, "", false},
		{"preflight", []string{"https://ops.example.com"}, http.MethodOptions, "https://ops.example.com", true, 204, "https://ops.example.com", true},
		{"preflight unlisted", []string{"https://ops.example.com"}, http.MethodOptions, "https://evil.example.com", true, 200, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/calls", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rr := httptest.NewRecorder()

			CORS(tt.allowed)(okHandler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rr.Header().Get("Access-Control-Allow-Methods") != ""; got != tt.wantMethods {
				t.Errorf("Allow-Methods present = %v, want %v", got, tt.wantMethods)
			}
		})
	}
}
