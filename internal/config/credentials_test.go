package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const trunksYAML = `trunks:
  - host: Trunk.Example.com
    username: acct
    password: secret
  - host: other.example.com
    username: second
`

func TestParseCredentials(t *testing.T) {
	got, err := ParseCredentials([]byte(trunksYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got["trunk.example.com"].Password != "secret" {
		t.Errorf("password = %q, want secret", got["trunk.example.com"].Password)
	}
}

func TestParseCredentialsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing host", "trunks:\n  - username: a\n"},
		{"missing username", "trunks:\n  - host: a.example.com\n"},
		{"bad yaml", "trunks: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCredentials([]byte(tt.data)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestCredentialsLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunks.yaml")
	if err := os.WriteFile(path, []byte(trunksYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := LoadCredentials(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	user, pass, ok := c.Lookup("TRUNK.example.com")
	if !ok || user != "acct" || pass != "secret" {
		t.Errorf("Lookup() = %q, %q, %v", user, pass, ok)
	}
	if _, _, ok := c.Lookup("unknown.example.com"); ok {
		t.Error("Lookup(unknown) ok = true, want false")
	}
}

func TestCredentialsEmptyPath(t *testing.T) {
	c, err := LoadCredentials("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
	if err := c.Watch(context.Background()); err != nil {
		t.Errorf("Watch() = %v, want nil", err)
	}
}

func TestCredentialsWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunks.yaml")
	if err := os.WriteFile(path, []byte(trunksYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := LoadCredentials(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Watch(ctx); err != nil {
		t.Fatalf("Watch() = %v", err)
	}

	updated := "trunks:\n  - host: new.example.com\n    username: fresh\n    password: pw\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, ok := c.Lookup("new.example.com"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("credentials were not reloaded")
}
