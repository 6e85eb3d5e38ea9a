package sip

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// floodRate and floodBurst bound how many dialog-creating requests
	// (INVITE, REGISTER, SUBSCRIBE) a single source IP may send.
	floodRate  = rate.Limit(20)
	floodBurst = 40

	// maxRejected is the number of rate-limited requests within
	// rejectWindow after which the source is blocked outright.
	maxRejected  = 50
	rejectWindow = time.Minute

	// blockDuration doubles on every repeat offence up to maxBlockDuration.
	blockDuration    = 5 * time.Minute
	maxBlockDuration = 24 * time.Hour

	// idleRecordTTL is how long an unblocked source is remembered.
	idleRecordTTL = 10 * time.Minute
)

// sourceRecord tracks per-IP request state.
type sourceRecord struct {
	limiter   *rate.Limiter
	rejected  []time.Time
	blocked   bool
	blockedAt time.Time
	until     time.Time
	nextBlock time.Duration
	lastSeen  time.Time
}

// FloodGuard rate limits new requests per source IP and blocks sources
// that keep exceeding the limit. Blocks expire on their own and repeat
// offenders are blocked for progressively longer.
type FloodGuard struct {
	mu      sync.Mutex
	records map[string]*sourceRecord
	limit   rate.Limit
	burst   int
	now     func() time.Time
	logger  *slog.Logger
}

// NewFloodGuard creates a guard with the default limits.
func NewFloodGuard(logger *slog.Logger) *FloodGuard {
	return newFloodGuard(floodRate, floodBurst, logger)
}

func newFloodGuard(limit rate.Limit, burst int, logger *slog.Logger) *FloodGuard {
	return &FloodGuard{
		records: make(map[string]*sourceRecord),
		limit:   limit,
		burst:   burst,
		now:     time.Now,
		logger:  logger.With("subsystem", "floodguard"),
	}
}

// Allow reports whether a new request from source ("ip:port" or "ip") may
// be processed. Sources that cannot be parsed are always allowed.
func (g *FloodGuard) Allow(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	rec, ok := g.records[ip]
	if !ok {
		rec = &sourceRecord{
			limiter:   rate.NewLimiter(g.limit, g.burst),
			nextBlock: blockDuration,
		}
		g.records[ip] = rec
	}
	rec.lastSeen = now

	if rec.blocked {
		if !now.After(rec.until) {
			return false
		}
		rec.blocked = false
		rec.rejected = nil
	}

	if rec.limiter.AllowN(now, 1) {
		return true
	}

	rec.rejected = pruneOld(rec.rejected, now, rejectWindow)
	rec.rejected = append(rec.rejected, now)
	if len(rec.rejected) >= maxRejected {
		rec.blocked = true
		rec.blockedAt = now
		rec.until = now.Add(rec.nextBlock)
		rec.rejected = nil

		g.logger.Warn("source blocked for flooding",
			"ip", ip,
			"block_duration", rec.nextBlock.String(),
		)

		rec.nextBlock = min(rec.nextBlock*2, maxBlockDuration)
	}
	return false
}

// IsBlocked reports whether source is currently blocked.
func (g *FloodGuard) IsBlocked(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	return ok && rec.blocked && !g.now().After(rec.until)
}

// Cleanup drops expired blocks and sources that have gone quiet.
func (g *FloodGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for ip, rec := range g.records {
		if rec.blocked && now.After(rec.until) {
			rec.blocked = false
			rec.rejected = nil
		}
		if !rec.blocked && now.Sub(rec.lastSeen) > idleRecordTTL {
			delete(g.records, ip)
		}
	}
}

// BlockedIPs returns the currently blocked sources.
func (g *FloodGuard) BlockedIPs() []BlockedIPEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var entries []BlockedIPEntry
	for ip, rec := range g.records {
		if rec.blocked && !now.After(rec.until) {
			entries = append(entries, BlockedIPEntry{
				IP:        ip,
				BlockedAt: rec.blockedAt,
				ExpiresAt: rec.until,
			})
		}
	}
	return entries
}

// BlockedCount returns the number of sources currently blocked.
func (g *FloodGuard) BlockedCount() int {
	return len(g.BlockedIPs())
}

// UnblockIP lifts a block. It returns false if ip was not blocked.
func (g *FloodGuard) UnblockIP(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || !rec.blocked {
		return false
	}
	rec.blocked = false
	rec.rejected = nil
	g.logger.Info("ip manually unblocked", "ip", ip)
	return true
}

// BlockedIPEntry is a blocked source for admin display.
type BlockedIPEntry struct {
	IP        string    `json:"ip"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// extractIP parses the IP from a "host:port" string or returns the raw
// string if it's already an IP.
func extractIP(source string) string {
	if source == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		if net.ParseIP(source) != nil {
			return source
		}
		return ""
	}
	return host
}

func pruneOld(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	var pruned []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	return pruned
}
