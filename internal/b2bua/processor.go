package b2bua

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/webrtcproxy/internal/registrar"
	"github.com/flowpbx/webrtcproxy/internal/rtpengine"
)

// DefaultInfoRelayTypes are the INFO content types relayed to the peer leg.
var DefaultInfoRelayTypes = []string{
	"application/media_control+xml",
	"application/dtmf-relay",
	"application/dtmf",
}

// CallRecord is the summary of one call attempt written when it ends.
type CallRecord struct {
	ID          string
	CallID      string
	Direction   Direction
	From        string
	To          string
	User        string
	StartedAt   time.Time
	AnsweredAt  *time.Time
	EndedAt     time.Time
	Duration    int
	BillableDur int
	Disposition string
	HangupCause string
	MediaEngine string
}

// CDRRecorder persists call records.
type CDRRecorder interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}

// ProcessorConfig wires the collaborators of a Processor.
type ProcessorConfig struct {
	Engine     Engine
	Directory  *registrar.Directory
	Resolver   *Resolver
	Registry   *CallRegistry
	Media      MediaSource
	Profile    MediaProfile
	CDR        CDRRecorder
	InfoRelay  []string
	Advertised AdvertisedAddr
}

// AdvertisedAddr is the host and port the proxy puts in Contact headers it
// originates.
type AdvertisedAddr struct {
	Host string
	Port int
}

// Stats are cumulative counters for metrics.
type Stats struct {
	CallsTotal       int64 `json:"calls_total"`
	CallsFailed      int64 `json:"calls_failed"`
	CallsUnroutable  int64 `json:"calls_unroutable"`
	NoMediaEngine    int64 `json:"no_media_engine"`
	RegistersTotal   int64 `json:"registers_total"`
	SubscribesTotal  int64 `json:"subscribes_total"`
	ActiveCalls      int   `json:"active_calls"`
	ActiveSubscribes int   `json:"active_subscribes"`
}

type counters struct {
	total      atomic.Int64
	failed     atomic.Int64
	unroutable atomic.Int64
	noEngine   atomic.Int64
	registers  atomic.Int64
	subscribes atomic.Int64
	activeSubs atomic.Int64
}

// Processor handles new INVITE, REGISTER and SUBSCRIBE requests handed over
// by the signaling engine.
type Processor struct {
	engine     Engine
	directory  *registrar.Directory
	resolver   *Resolver
	registry   *CallRegistry
	media      MediaSource
	profile    MediaProfile
	cdr        CDRRecorder
	infoRelay  map[string]bool
	advertised AdvertisedAddr
	logger     *slog.Logger

	sessions *SessionTable
	stats    counters

	ctxMu sync.RWMutex
	ctx   context.Context
}

// NewProcessor creates a processor.
func NewProcessor(cfg ProcessorConfig, logger *slog.Logger) *Processor {
	relay := cfg.InfoRelay
	if len(relay) == 0 {
		relay = DefaultInfoRelayTypes
	}
	infoRelay := make(map[string]bool, len(relay))
	for _, ct := range relay {
		infoRelay[strings.ToLower(strings.TrimSpace(ct))] = true
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewCallRegistry()
	}

	return &Processor{
		engine:     cfg.Engine,
		directory:  cfg.Directory,
		resolver:   cfg.Resolver,
		registry:   registry,
		media:      cfg.Media,
		profile:    cfg.Profile,
		cdr:        cfg.CDR,
		infoRelay:  infoRelay,
		advertised: cfg.Advertised,
		logger:     logger.With("subsystem", "b2bua"),
		sessions:   newSessionTable(),
		ctx:        context.Background(),
	}
}

// SetEngine attaches the signaling engine. The engine and the processor
// reference each other, so one of them is wired after construction.
func (p *Processor) SetEngine(e Engine) {
	p.engine = e
}

// Start sets the context call event loops run under. Cancelling it ends
// every loop.
func (p *Processor) Start(ctx context.Context) {
	p.ctxMu.Lock()
	p.ctx = ctx
	p.ctxMu.Unlock()
}

func (p *Processor) baseContext() context.Context {
	p.ctxMu.RLock()
	defer p.ctxMu.RUnlock()
	return p.ctx
}

// Registry returns the call registry.
func (p *Processor) Registry() *CallRegistry { return p.registry }

// Sessions returns the active call table.
func (p *Processor) Sessions() *SessionTable { return p.sessions }

// Stats returns a snapshot of the processor counters.
func (p *Processor) Stats() Stats {
	return Stats{
		CallsTotal:       p.stats.total.Load(),
		CallsFailed:      p.stats.failed.Load(),
		CallsUnroutable:  p.stats.unroutable.Load(),
		NoMediaEngine:    p.stats.noEngine.Load(),
		RegistersTotal:   p.stats.registers.Load(),
		SubscribesTotal:  p.stats.subscribes.Load(),
		ActiveCalls:      p.sessions.Len(),
		ActiveSubscribes: int(p.stats.activeSubs.Load()),
	}
}

// ErrCallNotFound is returned when no active call has the given session ID.
var ErrCallNotFound = errors.New("b2bua: call not found")

// ActiveCalls returns snapshots of every active call.
func (p *Processor) ActiveCalls() []SessionInfo { return p.sessions.List() }

// Hangup ends the active call with the given session ID.
func (p *Processor) Hangup(ctx context.Context, id string) error {
	s, ok := p.sessions.Get(id)
	if !ok {
		return ErrCallNotFound
	}
	return s.Hangup(ctx)
}

// ApplyMediaAction runs a media side-channel command on an active call.
func (p *Processor) ApplyMediaAction(ctx context.Context, id string, action MediaAction) error {
	s, ok := p.sessions.Get(id)
	if !ok {
		return ErrCallNotFound
	}
	return s.ApplyMediaAction(ctx, action)
}

// HandleInvite processes an initial INVITE. transport is the lowercased
// transport it arrived on. It returns once the call is established or has
// failed; the caller always receives a final response.
func (p *Processor) HandleInvite(ctx context.Context, req *sip.Request, tx Responder, transport string) {
	p.stats.total.Add(1)
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	route, err := p.resolver.Resolve(req, transport)
	if err != nil {
		if errors.Is(err, ErrUnroutable) {
			p.stats.unroutable.Add(1)
			p.logger.Info("rejecting call to unknown user",
				"call_id", callID,
				"target", req.Recipient.String(),
				"transport", transport,
			)
			p.reject(req, tx, 404)
			return
		}
		p.stats.failed.Add(1)
		p.logger.Error("resolving call target failed", "call_id", callID, "error", err)
		p.reject(req, tx, 500)
		return
	}

	media, err := p.media()
	if err != nil {
		p.stats.noEngine.Add(1)
		p.stats.failed.Add(1)
		p.logger.Error("no media engine for call", "call_id", callID, "error", err)
		code := 503
		if errors.Is(err, rtpengine.ErrNoEngine) {
			code = 480
		}
		p.reject(req, tx, code)
		return
	}

	s := newSession(p, req, route, media)
	s.logger.Info("new call",
		"from", s.from,
		"to", s.to,
		"targets", len(route.Targets),
		"trunk_auth", route.Auth != nil,
	)
	s.setup(ctx, req, tx, route)
}

func (p *Processor) reject(req *sip.Request, tx Responder, code int) {
	if err := respond(tx, req, code); err != nil {
		p.logger.Error("failed to send response", "status", code, "error", err)
	}
}

// relaysInfo reports whether an INFO body type is relayed to the peer.
func (p *Processor) relaysInfo(req *sip.Request) bool {
	ct := req.ContentType()
	if ct == nil {
		return false
	}
	mime, _, _ := strings.Cut(ct.Value(), ";")
	return p.infoRelay[strings.ToLower(strings.TrimSpace(mime))]
}

// recordCall writes the CDR for s. Failures are logged.
func (p *Processor) recordCall(ctx context.Context, s *Session) {
	if p.cdr == nil {
		return
	}

	rec := s.record()
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := p.cdr.RecordCall(rctx, rec); err != nil {
		p.logger.Error("failed to write call record", "call_id", s.callID, "error", err)
	}
}

// SessionInfo is a point-in-time view of an active call.
type SessionInfo struct {
	ID          string     `json:"id"`
	CallID      string     `json:"call_id"`
	Direction   Direction  `json:"direction"`
	From        string     `json:"from"`
	To          string     `json:"to"`
	User        string     `json:"user,omitempty"`
	State       string     `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	AnsweredAt  *time.Time `json:"answered_at,omitempty"`
	MediaEngine string     `json:"media_engine"`
	DTMFEvents  int        `json:"dtmf_events"`
	LastDigit   string     `json:"last_digit,omitempty"`
}

// Info returns a snapshot of the call.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ID:          s.id,
		CallID:      s.callID,
		Direction:   s.direction,
		From:        s.from,
		To:          s.to,
		User:        s.user,
		State:       s.fsm.Current(),
		StartedAt:   s.startedAt,
		MediaEngine: s.media.Addr(),
		DTMFEvents:  s.dtmfEvents,
		LastDigit:   s.lastDigit,
	}
	if !s.answeredAt.IsZero() {
		t := s.answeredAt
		info.AnsweredAt = &t
	}
	return info
}

func (s *Session) record() CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := CallRecord{
		ID:          s.id,
		CallID:      s.callID,
		Direction:   s.direction,
		From:        s.from,
		To:          s.to,
		User:        s.user,
		StartedAt:   s.startedAt,
		EndedAt:     s.endedAt,
		Duration:    int(s.endedAt.Sub(s.startedAt).Seconds()),
		HangupCause: s.cause,
		MediaEngine: s.media.Addr(),
		Disposition: "failed",
	}
	if !s.answeredAt.IsZero() {
		t := s.answeredAt
		rec.AnsweredAt = &t
		rec.BillableDur = int(s.endedAt.Sub(s.answeredAt).Seconds())
		rec.Disposition = "answered"
	} else if s.cause == CauseCancelled {
		rec.Disposition = "cancelled"
	}
	return rec
}

// SessionTable indexes active calls by session ID.
type SessionTable struct {
	mu   sync.RWMutex
	byID map[string]*Session
}

func newSessionTable() *SessionTable {
	return &SessionTable{byID: make(map[string]*Session)}
}

func (t *SessionTable) add(s *Session) {
	t.mu.Lock()
	t.byID[s.id] = s
	t.mu.Unlock()
}

func (t *SessionTable) remove(s *Session) {
	t.mu.Lock()
	delete(t.byID, s.id)
	t.mu.Unlock()
}

// Get returns the active call with the given session ID.
func (t *SessionTable) Get(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byID[id]
	return s, ok
}

// Len returns the number of active calls.
func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// List returns snapshots of every active call, oldest first.
func (t *SessionTable) List() []SessionInfo {
	t.mu.RLock()
	sessions := make([]*Session, 0, len(t.byID))
	for _, s := range t.byID {
		sessions = append(sessions, s)
	}
	t.mu.RUnlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
