package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]string{"name": "test"})

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if strings.Contains(w.Body.String(), `"error"`) {
		t.Errorf("error field not omitted: %s", w.Body.String())
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	data, ok := env.Data.(map[string]any)
	if !ok || data["name"] != "test" {
		t.Errorf("data = %v", env.Data)
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusBadRequest, "invalid input")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if env.Error != "invalid input" || env.Data != nil {
		t.Errorf("envelope = %+v", env)
	}
}

func TestReadJSON(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"ok", `{"name":"test","value":42}`, ""},
		{"empty", ``, "request body must not be empty"},
		{"malformed", `{bad`, "malformed json"},
		{"unknown field", `{"name":"x","extra":1}`, `unknown field "extra"`},
		{"wrong type", `{"value":"nope"}`, "field value has the wrong type"},
		{"two objects", `{"value":1}{"value":2}`, "request body must contain a single json object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst payload
			if got := readJSON(r, &dst); got != tt.wantErr {
				t.Errorf("readJSON() = %q, want %q", got, tt.wantErr)
			}
			if tt.wantErr == "" && (dst.Name != "test" || dst.Value != 42) {
				t.Errorf("decoded %+v", dst)
			}
		})
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
		wantErr    string
	}{
		{"", defaultLimit, 0, ""},
		{"?limit=20&offset=10", 20, 10, ""},
		{"?limit=5000", maxLimit, 0, ""},
		{"?limit=abc", 0, 0, "limit must be a positive integer"},
		{"?limit=0", 0, 0, "limit must be a positive integer"},
		{"?offset=-1", 0, 0, "offset must be a non-negative integer"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/cdrs"+tt.query, nil)
		p, errMsg := parsePagination(r)
		if errMsg != tt.wantErr {
			t.Errorf("%q: error = %q, want %q", tt.query, errMsg, tt.wantErr)
			continue
		}
		if errMsg == "" && (p.Limit != tt.wantLimit || p.Offset != tt.wantOffset) {
			t.Errorf("%q: got %+v, want limit=%d offset=%d", tt.query, p, tt.wantLimit, tt.wantOffset)
		}
	}
}
