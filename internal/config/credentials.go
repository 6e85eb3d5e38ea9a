package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// TrunkCredential is one entry of the credentials file.
type TrunkCredential struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type credentialsFile struct {
	Trunks []TrunkCredential `yaml:"trunks"`
}

// Credentials holds trunk credentials keyed by lowercased host. It is safe
// for concurrent use and can follow its file for changes.
type Credentials struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	byHost map[string]TrunkCredential
}

// LoadCredentials reads a credentials file. An empty path yields an empty
// store.
func LoadCredentials(path string, logger *slog.Logger) (*Credentials, error) {
	c := &Credentials{
		path:   path,
		logger: logger.With("subsystem", "credentials"),
		byHost: make(map[string]TrunkCredential),
	}
	if path == "" {
		return c, nil
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseCredentials decodes the YAML credentials format.
func ParseCredentials(data []byte) (map[string]TrunkCredential, error) {
	var f credentialsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}

	out := make(map[string]TrunkCredential, len(f.Trunks))
	for i, t := range f.Trunks {
		host := strings.ToLower(strings.TrimSpace(t.Host))
		if host == "" {
			return nil, fmt.Errorf("trunk %d: host is required", i)
		}
		if t.Username == "" {
			return nil, fmt.Errorf("trunk %s: username is required", host)
		}
		t.Host = host
		out[host] = t
	}
	return out, nil
}

func (c *Credentials) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("reading credentials file: %w", err)
	}
	byHost, err := ParseCredentials(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.byHost = byHost
	c.mu.Unlock()

	c.logger.Info("trunk credentials loaded", "path", c.path, "trunks", len(byHost))
	return nil
}

// Lookup returns the credentials stored for host.
func (c *Credentials) Lookup(host string) (username, password string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byHost[strings.ToLower(host)]
	return t.Username, t.Password, ok
}

// Len returns the number of trunks with credentials.
func (c *Credentials) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byHost)
}

// Watch reloads the file whenever it is written or replaced, until ctx is
// cancelled. A file that fails to parse leaves the previous credentials in
// place.
func (c *Credentials) Watch(ctx context.Context) error {
	if c.path == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating credentials watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched.
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		w.Close()
		return fmt.Errorf("watching credentials directory: %w", err)
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(c.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.reload(); err != nil {
					c.logger.Error("reloading credentials failed, keeping previous set", "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.logger.Warn("credentials watcher error", "error", err)
			}
		}
	}()
	return nil
}
