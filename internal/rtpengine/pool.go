package rtpengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNoEngine is returned by Select when no engine is currently healthy.
var ErrNoEngine = errors.New("rtpengine: no healthy engine available")

const defaultPingInterval = 10 * time.Second

// AddrResolver discovers engine addresses at runtime.
type AddrResolver interface {
	Lookup(ctx context.Context, name string) ([]string, error)
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Addrs is the static list of engine ng addresses (host:port).
	Addrs []string

	// SRVName, when set, is resolved through Resolver on every health
	// round and replaces Addrs.
	SRVName  string
	Resolver AddrResolver

	// Timeout is the per-command response timeout for each client.
	Timeout time.Duration

	// PingInterval is how often each engine is pinged.
	PingInterval time.Duration
}

// EngineStatus is a point-in-time view of one engine's health.
type EngineStatus struct {
	Addr      string    `json:"addr"`
	Healthy   bool      `json:"healthy"`
	LastError string    `json:"last_error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

type engine struct {
	client    *Client
	healthy   bool
	lastErr   string
	lastCheck time.Time
}

// Pool rotates commands across a set of engines, skipping any that failed
// their last health check.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger

	mu      sync.RWMutex
	engines []*engine
	next    int

	dial func(addr string) (*Client, error)
}

// NewPool creates clients for every configured address. Engines start out
// healthy so calls are accepted before the first ping round completes.
func NewPool(cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	if len(cfg.Addrs) == 0 && cfg.SRVName == "" {
		return nil, errors.New("rtpengine: no engine addresses or srv name configured")
	}
	if cfg.SRVName != "" && cfg.Resolver == nil {
		return nil, errors.New("rtpengine: srv name configured without resolver")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	p := &Pool{
		cfg:    cfg,
		logger: logger.With("subsystem", "rtpengine-pool"),
	}
	p.dial = func(addr string) (*Client, error) {
		return NewClient(addr, cfg.Timeout, logger)
	}

	addrs := cfg.Addrs
	if cfg.SRVName != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		resolved, err := cfg.Resolver.Lookup(ctx, cfg.SRVName)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", cfg.SRVName, err)
		}
		addrs = resolved
	}

	if err := p.Sync(addrs); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Select returns the next healthy engine in round-robin order.
func (p *Pool) Select() (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.engines)
	for i := 0; i < n; i++ {
		e := p.engines[(p.next+i)%n]
		if e.healthy {
			p.next = (p.next + i + 1) % n
			return e.client, nil
		}
	}
	return nil, ErrNoEngine
}

// Sync makes the pool's engine set match addrs, dialing new engines and
// closing removed ones. Existing engines keep their health state.
func (p *Pool) Sync(addrs []string) error {
	want := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		want[a] = true
	}

	p.mu.Lock()
	have := make(map[string]*engine, len(p.engines))
	for _, e := range p.engines {
		have[e.client.Addr()] = e
	}
	p.mu.Unlock()

	var added []*engine
	for _, a := range addrs {
		if _, ok := have[a]; ok {
			continue
		}
		c, err := p.dial(a)
		if err != nil {
			for _, e := range added {
				e.client.Close()
			}
			return err
		}
		added = append(added, &engine{client: c, healthy: true})
		have[a] = added[len(added)-1]
		p.logger.Info("rtpengine added", "addr", a)
	}

	p.mu.Lock()
	kept := make([]*engine, 0, len(addrs))
	var removed []*engine
	for _, e := range p.engines {
		if want[e.client.Addr()] {
			kept = append(kept, e)
		} else {
			removed = append(removed, e)
		}
	}
	p.engines = append(kept, added...)
	if p.next >= len(p.engines) {
		p.next = 0
	}
	p.mu.Unlock()

	for _, e := range removed {
		p.logger.Info("rtpengine removed", "addr", e.client.Addr())
		e.client.Close()
	}
	return nil
}

// Run pings every engine at the configured interval and, when an SRV name
// is configured, re-resolves it first. It blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()

	p.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.cfg.SRVName != "" {
				p.rediscover(ctx)
			}
			p.checkAll(ctx)
		}
	}
}

func (p *Pool) rediscover(ctx context.Context) {
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	addrs, err := p.cfg.Resolver.Lookup(lookupCtx, p.cfg.SRVName)
	if err != nil {
		p.logger.Warn("rtpengine srv lookup failed, keeping current set",
			"name", p.cfg.SRVName,
			"error", err,
		)
		return
	}
	if len(addrs) == 0 {
		p.logger.Warn("rtpengine srv lookup returned no targets", "name", p.cfg.SRVName)
		return
	}
	if err := p.Sync(addrs); err != nil {
		p.logger.Error("rtpengine sync failed", "error", err)
	}
}

func (p *Pool) checkAll(ctx context.Context) {
	p.mu.RLock()
	engines := make([]*engine, len(p.engines))
	copy(engines, p.engines)
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func(e *engine) {
			defer wg.Done()
			err := e.client.Ping(ctx)
			p.markHealth(e, err)
		}(e)
	}
	wg.Wait()
}

func (p *Pool) markHealth(e *engine, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	was := e.healthy
	e.lastCheck = time.Now()
	if err != nil {
		e.healthy = false
		e.lastErr = err.Error()
		if was {
			p.logger.Warn("rtpengine unhealthy", "addr", e.client.Addr(), "error", err)
		}
		return
	}
	e.healthy = true
	e.lastErr = ""
	if !was {
		p.logger.Info("rtpengine healthy again", "addr", e.client.Addr())
	}
}

// Statuses returns the health of every engine in the pool.
func (p *Pool) Statuses() []EngineStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]EngineStatus, 0, len(p.engines))
	for _, e := range p.engines {
		out = append(out, EngineStatus{
			Addr:      e.client.Addr(),
			Healthy:   e.healthy,
			LastError: e.lastErr,
			LastCheck: e.lastCheck,
		})
	}
	return out
}

// HealthyCount returns the number of engines that passed their last check.
func (p *Pool) HealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, e := range p.engines {
		if e.healthy {
			n++
		}
	}
	return n
}

// Close closes every client in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	engines := p.engines
	p.engines = nil
	p.mu.Unlock()

	for _, e := range engines {
		e.client.Close()
	}
}
