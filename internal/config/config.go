package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the proxy.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir    string
	HTTPPort   int
	SIPHost    string // advertised host for Contact and Via headers
	SIPPort    int    // UDP/TCP
	SIPTLSPort int
	SIPWSPort  int
	SIPWSSPort int
	TLSCert    string
	TLSKey     string
	LogLevel   string
	LogFormat  string // "text" or "json"
	SIPTrace   bool

	RTPEngines            string // comma-separated host:port list
	RTPEngineSRV          string // SRV name resolved for more engines
	RTPEngineTimeout      time.Duration
	RTPEnginePingInterval time.Duration

	MediaIfaceWebRTC string
	MediaIfaceSIP    string
	WebRTCCodecs     string // comma-separated

	CredentialsFile   string
	MultiRegistration bool
	Simring           bool
	InfoRelayTypes    string // comma-separated

	DatabaseURL       string        // empty selects SQLite in the data dir
	CDRRetention      time.Duration // zero keeps call records forever
	CORSOrigins       string        // comma-separated origins allowed to call the admin API
	JWTSecret         string        // hex-encoded 32-byte secret for admin tokens
	AdminPasswordHash string        // argon2id PHC string
}

// defaults
const (
	defaultDataDir               = "./data"
	defaultHTTPPort              = 8080
	defaultSIPPort               = 5060
	defaultSIPTLSPort            = 5061
	defaultSIPWSPort             = 8088
	defaultSIPWSSPort            = 8089
	defaultLogLevel              = "info"
	defaultLogFormat             = "text"
	defaultRTPEngine             = "127.0.0.1:22222"
	defaultRTPEngineTimeout      = 1 * time.Second
	defaultRTPEnginePingInterval = 10 * time.Second
)

// envPrefix is the prefix for all proxy environment variables.
const envPrefix = "WEBRTCPROXY_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("webrtcproxy", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call record database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "admin API listen port")
	fs.StringVar(&cfg.SIPHost, "sip-host", "", "host advertised in SIP headers (auto-detected if empty)")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.IntVar(&cfg.SIPTLSPort, "sip-tls-port", defaultSIPTLSPort, "SIP TLS listen port (requires tls-cert)")
	fs.IntVar(&cfg.SIPWSPort, "sip-ws-port", defaultSIPWSPort, "SIP WebSocket listen port")
	fs.IntVar(&cfg.SIPWSSPort, "sip-wss-port", defaultSIPWSSPort, "SIP secure WebSocket listen port (requires tls-cert)")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.BoolVar(&cfg.SIPTrace, "sip-trace", false, "log every SIP message sent and received")
	fs.StringVar(&cfg.RTPEngines, "rtpengine", defaultRTPEngine, "comma-separated list of rtpengine ng addresses")
	fs.StringVar(&cfg.RTPEngineSRV, "rtpengine-srv", "", "DNS SRV name listing additional rtpengine instances")
	fs.DurationVar(&cfg.RTPEngineTimeout, "rtpengine-timeout", defaultRTPEngineTimeout, "timeout for a single rtpengine command")
	fs.DurationVar(&cfg.RTPEnginePingInterval, "rtpengine-ping-interval", defaultRTPEnginePingInterval, "interval between rtpengine health pings")
	fs.StringVar(&cfg.MediaIfaceWebRTC, "media-iface-webrtc", "", "rtpengine interface facing WebRTC clients")
	fs.StringVar(&cfg.MediaIfaceSIP, "media-iface-sip", "", "rtpengine interface facing SIP endpoints")
	fs.StringVar(&cfg.WebRTCCodecs, "webrtc-codecs", "", "comma-separated codecs offered to WebRTC clients (all if empty)")
	fs.StringVar(&cfg.CredentialsFile, "credentials-file", "", "YAML file of trunk credentials keyed by host")
	fs.BoolVar(&cfg.MultiRegistration, "multi-registration", false, "keep one flow per client instance instead of one per user")
	fs.BoolVar(&cfg.Simring, "simring", false, "ring every registered flow of a user at once")
	fs.StringVar(&cfg.InfoRelayTypes, "info-relay-types", "", "comma-separated INFO content types relayed between legs")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres:// URL for call records (SQLite in data-dir if empty)")
	fs.DurationVar(&cfg.CDRRetention, "cdr-retention", 0, "delete call records older than this (0 keeps them forever)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated origins allowed to call the admin API (* for any)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for admin API tokens (auto-generated if empty)")
	fs.StringVar(&cfg.AdminPasswordHash, "admin-password-hash", "", "argon2id hash of the admin API password (API login disabled if empty)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName maps a flag name to its environment variable.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag that was not given on the command line
// from its environment variable, through the flag's own parser.
func applyEnvOverrides(fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if err := f.Value.Set(val); err != nil {
			slog.Warn("ignoring invalid environment override", "env", envName(f.Name), "error", err)
		}
	})
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	ports := []struct {
		name string
		port int
	}{
		{"http-port", c.HTTPPort},
		{"sip-port", c.SIPPort},
		{"sip-tls-port", c.SIPTLSPort},
		{"sip-ws-port", c.SIPWSPort},
		{"sip-wss-port", c.SIPWSSPort},
	}
	for _, p := range ports {
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", p.name, p.port)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	if len(c.RTPEngineAddrs()) == 0 && c.RTPEngineSRV == "" {
		return fmt.Errorf("at least one of rtpengine or rtpengine-srv is required")
	}
	for _, addr := range c.RTPEngineAddrs() {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("rtpengine address %q: %w", addr, err)
		}
	}
	if c.RTPEngineTimeout <= 0 {
		return fmt.Errorf("rtpengine-timeout must be positive, got %s", c.RTPEngineTimeout)
	}
	if c.RTPEnginePingInterval <= 0 {
		return fmt.Errorf("rtpengine-ping-interval must be positive, got %s", c.RTPEnginePingInterval)
	}

	// Interfaces are sent as a pair or not at all.
	if (c.MediaIfaceWebRTC == "") != (c.MediaIfaceSIP == "") {
		return fmt.Errorf("media-iface-webrtc and media-iface-sip must both be provided or both be omitted")
	}

	if c.DatabaseURL != "" && !strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return fmt.Errorf("database-url must be a postgres:// URL, got %q", c.DatabaseURL)
	}

	if c.CDRRetention < 0 {
		return fmt.Errorf("cdr-retention must not be negative, got %s", c.CDRRetention)
	}

	return nil
}

// TLSEnabled returns true if a certificate is configured, which enables the
// TLS and WSS listeners.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// RTPEngineAddrs returns the statically configured rtpengine addresses.
func (c *Config) RTPEngineAddrs() []string {
	return splitList(c.RTPEngines)
}

// WebRTCCodecList returns the codecs WebRTC legs are restricted to.
func (c *Config) WebRTCCodecList() []string {
	return splitList(c.WebRTCCodecs)
}

// InfoRelayTypeList returns the configured INFO content types, or nil to
// use the built-in set.
func (c *Config) InfoRelayTypeList() []string {
	return splitList(c.InfoRelayTypes)
}

// CORSOriginList returns the origins allowed to call the admin API.
func (c *Config) CORSOriginList() []string {
	return splitList(c.CORSOrigins)
}

// SQLitePath returns the database file used when no database URL is set.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "webrtcproxy.db")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// AdvertisedHost returns the host placed in Contact and Via headers. If
// SIPHost is not set it detects the machine's primary non-loopback IPv4
// address, falling back to "127.0.0.1".
func (c *Config) AdvertisedHost() string {
	if c.SIPHost != "" {
		return c.SIPHost
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SIPListenAddr returns the bind address for a SIP listener port.
func SIPListenAddr(port int) string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
}
