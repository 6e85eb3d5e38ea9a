package rtpengine

import (
	"context"
	"errors"
	"testing"
	"time"
)

type staticResolver struct {
	addrs []string
	err   error
}

func (r *staticResolver) Lookup(context.Context, string) ([]string, error) {
	return r.addrs, r.err
}

func pongEngine(t *testing.T) *fakeEngine {
	return newFakeEngine(t, func(cookie string, _ map[string]any) []byte {
		return frame(cookie, map[string]any{"result": "pong"})
	})
}

func silentEngine(t *testing.T) *fakeEngine {
	return newFakeEngine(t, func(string, map[string]any) []byte { return nil })
}

func TestPool_RoundRobin(t *testing.T) {
	a, b := pongEngine(t), pongEngine(t)

	p, err := NewPool(PoolConfig{Addrs: []string{a.addr(), b.addr()}, Timeout: time.Second}, discardLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	first, _ := p.Select()
	second, _ := p.Select()
	third, _ := p.Select()
	if first.Addr() == second.Addr() {
		t.Errorf("expected rotation, got %s twice", first.Addr())
	}
	if first.Addr() != third.Addr() {
		t.Errorf("expected wrap-around to %s, got %s", first.Addr(), third.Addr())
	}
}

func TestPool_SkipsUnhealthy(t *testing.T) {
	up, down := pongEngine(t), silentEngine(t)

	p, err := NewPool(PoolConfig{Addrs: []string{down.addr(), up.addr()}, Timeout: 50 * time.Millisecond}, discardLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	p.checkAll(context.Background())

	if got := p.HealthyCount(); got != 1 {
		t.Fatalf("HealthyCount = %d, want 1", got)
	}
	for i := 0; i < 3; i++ {
		c, err := p.Select()
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if c.Addr() != up.addr() {
			t.Errorf("Select returned unhealthy engine %s", c.Addr())
		}
	}

	var downStatus EngineStatus
	for _, s := range p.Statuses() {
		if s.Addr == down.addr() {
			downStatus = s
		}
	}
	if downStatus.Healthy || downStatus.LastError == "" {
		t.Errorf("down engine status = %+v", downStatus)
	}
}

func TestPool_NoHealthyEngine(t *testing.T) {
	down := silentEngine(t)

	p, err := NewPool(PoolConfig{Addrs: []string{down.addr()}, Timeout: 30 * time.Millisecond}, discardLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	p.checkAll(context.Background())

	if _, err := p.Select(); !errors.Is(err, ErrNoEngine) {
		t.Errorf("Select error = %v, want ErrNoEngine", err)
	}
}

func TestPool_SyncFromSRV(t *testing.T) {
	a, b := pongEngine(t), pongEngine(t)
	res := &staticResolver{addrs: []string{a.addr()}}

	p, err := NewPool(PoolConfig{SRVName: "_ng._udp.media.test", Resolver: res, Timeout: time.Second}, discardLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	if got := len(p.Statuses()); got != 1 {
		t.Fatalf("engines = %d, want 1", got)
	}

	res.addrs = []string{b.addr()}
	p.rediscover(context.Background())

	st := p.Statuses()
	if len(st) != 1 || st[0].Addr != b.addr() {
		t.Errorf("after rediscover statuses = %+v, want only %s", st, b.addr())
	}

	res.err = errors.New("servfail")
	p.rediscover(context.Background())
	if got := len(p.Statuses()); got != 1 {
		t.Errorf("failed lookup changed engine set: %d engines", got)
	}
}

func TestNewPool_RequiresAddresses(t *testing.T) {
	if _, err := NewPool(PoolConfig{}, discardLogger()); err == nil {
		t.Error("expected error with no addresses")
	}
	if _, err := NewPool(PoolConfig{SRVName: "x"}, discardLogger()); err == nil {
		t.Error("expected error for srv name without resolver")
	}
}
