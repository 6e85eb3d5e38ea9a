package b2bua

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/flowpbx/webrtcproxy/internal/registrar"
	"github.com/flowpbx/webrtcproxy/internal/rtpengine"
)

// Call states.
const (
	StateNew          = "new"
	StateOffering     = "offering"
	StateEstablishing = "establishing_b_leg"
	StateEstablished  = "established"
	StateReinviting   = "reinviting"
	StateTerminated   = "terminated"
)

const (
	evOffer        = "offer"
	evCreateBLeg   = "create_b_leg"
	evEstablished  = "established"
	evReinvite     = "reinvite"
	evReinviteDone = "reinvite_done"
	evTerminate    = "terminate"
)

const (
	// handlerTimeout bounds one in-dialog exchange, roughly SIP timer B.
	handlerTimeout = 32 * time.Second

	releaseTimeout = 5 * time.Second
	eventQueueSize = 32
)

// ErrSessionEnded is returned by admin actions on a call that has ended.
var ErrSessionEnded = errors.New("b2bua: call has ended")

// Hangup causes recorded on the call.
const (
	CauseNormal       = "normal_clearing"
	CauseAdminHangup  = "admin_hangup"
	CauseSetupFailed  = "setup_failed"
	CauseCancelled    = "cancelled"
	CauseChallenged   = "auth_challenge"
	CauseMediaFailure = "media_failure"
	CauseShutdown     = "shutdown"
)

// errSetupCancelled ends a setup the caller cancelled. sipgo has already
// answered the INVITE with 487.
var errSetupCancelled = &SipError{Status: 487, Reason: "Request Terminated"}

// Session is one bridged call: a pair of linked dialogs and one rtpengine
// session. After setup, everything that touches the call runs on its event
// loop goroutine.
type Session struct {
	id        string
	callID    string
	direction Direction
	user      string
	from      string
	to        string
	startedAt time.Time

	p      *Processor
	media  MediaControl
	opts   *mediaOptions
	fsm    *fsm.FSM
	logger *slog.Logger

	// Set by setup before the event loop starts.
	uas Dialog
	uac Dialog

	mu         sync.Mutex
	answeredAt time.Time
	endedAt    time.Time
	cause      string
	dtmfEvents int
	lastDigit  string

	// Owned by the event loop.
	pendingAck *pendingAck

	// Guards the request sent towards the far side, written by the
	// engine while setup waits.
	sentMu sync.Mutex
	sent   *sip.Request

	events      chan Event
	actions     chan sessionAction
	done        chan struct{}
	doneOnce    sync.Once
	releaseOnce sync.Once
}

type sessionAction struct {
	fn     func(ctx context.Context) error
	result chan error
}

func newSession(p *Processor, req *sip.Request, route *Route, media MediaControl) *Session {
	callID := req.CallID().Value()
	fromTag := ""
	from := ""
	if h := req.From(); h != nil {
		fromTag, _ = h.Params.Get("tag")
		from = h.Address.String()
	}

	s := &Session{
		id:        uuid.NewString(),
		callID:    callID,
		direction: route.Direction,
		user:      route.User,
		from:      from,
		to:        req.Recipient.String(),
		startedAt: time.Now(),
		p:         p,
		media:     media,
		opts:      newMediaOptions(callID, fromTag, route.Direction, p.profile),
		events:    make(chan Event, eventQueueSize),
		actions:   make(chan sessionAction),
		done:      make(chan struct{}),
	}
	s.logger = p.logger.With(
		"call_id", callID,
		"direction", string(route.Direction),
	)

	s.fsm = fsm.NewFSM(
		StateNew,
		fsm.Events{
			{Name: evOffer, Src: []string{StateNew}, Dst: StateOffering},
			{Name: evCreateBLeg, Src: []string{StateOffering}, Dst: StateEstablishing},
			{Name: evEstablished, Src: []string{StateEstablishing}, Dst: StateEstablished},
			{Name: evReinvite, Src: []string{StateEstablished}, Dst: StateReinviting},
			{Name: evReinviteDone, Src: []string{StateReinviting}, Dst: StateEstablished},
			{Name: evTerminate, Src: []string{
				StateNew, StateOffering, StateEstablishing, StateEstablished, StateReinviting,
			}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("call state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// CallID returns the caller's Call-ID.
func (s *Session) CallID() string { return s.callID }

// State returns the current call state.
func (s *Session) State() string { return s.fsm.Current() }

// Done is closed once the call has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) transition(ctx context.Context, event string) {
	if err := s.fsm.Event(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("invalid call state transition",
			"event", event,
			"state", s.fsm.Current(),
			"error", err,
		)
	}
}

// setup runs offer, far-side dialog creation and answer for the initial
// INVITE. It always leaves the caller with a final response, unless the
// signaling engine already sent one. Cancelling ctx aborts setup.
func (s *Session) setup(ctx context.Context, req *sip.Request, tx Responder, route *Route) {
	if ctx.Err() != nil {
		s.logger.Info("call cancelled before media setup")
		s.p.stats.failed.Add(1)
		s.transition(ctx, evTerminate)
		s.finish(ctx, CauseCancelled)
		return
	}
	s.transition(ctx, evOffer)

	offer, err := s.media.Offer(ctx, s.opts.initialOffer(req.Body()))
	if ctx.Err() != nil {
		s.failSetup(ctx, req, tx, nil, "", errSetupCancelled)
		return
	}
	if err != nil {
		s.logger.Error("rtpengine offer failed", "error", err)
		s.failSetup(ctx, req, tx, nil, CauseMediaFailure, err)
		return
	}

	sdpB := []byte(offer.SDP())
	if isSIPFacing(s.opts.uac.media) {
		if sdpB, err = StripWebRTCAttributes(sdpB); err != nil {
			s.logger.Error("stripping offer sdp failed", "error", err)
			s.failSetup(ctx, req, tx, nil, CauseMediaFailure, err)
			return
		}
	}

	s.media.SubscribeDTMF(s.callID, s.onDTMF)

	opts := B2BUAOptions{
		Method:               sip.INVITE,
		Targets:              route.Targets,
		LocalSDPB:            sdpB,
		LocalSDPA:            s.localSDPA,
		ProxyRequestHeaders:  inviteRequestHeaders,
		ProxyResponseHeaders: inviteResponseHeaders,
		Auth:                 route.Auth,
		OnRequestSent:        s.recordSent,
	}
	opts.CSeq = 1
	if callID, cseq, ok := s.p.directory.GetNextCallIDAndCSeq(s.callID); ok {
		s.p.directory.RemoveTransaction(s.callID)
		if n, valid := registrar.CSeqNumber(cseq); valid {
			opts.CallID = callID
			opts.CSeq = n
			s.logger.Debug("continuing challenged transaction", "b_call_id", callID, "b_cseq", cseq)
		}
	}

	if route.Direction == DirectionInbound && s.p.resolver.Simring() {
		late := make(chan Target, eventQueueSize)
		id := s.p.directory.AddListener(route.User, func(_ string, f registrar.Flow) {
			t, err := flowTarget(f)
			if err != nil {
				s.logger.Warn("ignoring new flow", "error", err)
				return
			}
			select {
			case late <- t:
				s.logger.Info("adding new registration to ringing call", "target", t.String())
			default:
			}
		})
		defer s.p.directory.RemoveListener(route.User, id)
		opts.LateTargets = late
	}

	s.transition(ctx, evCreateBLeg)

	tracked := newTrackingResponder(tx)
	uas, uac, err := s.p.engine.CreateB2BUA(ctx, req, tracked, opts)
	if err != nil {
		s.failSetup(ctx, req, tracked, tracked, "", err)
		return
	}

	s.uas, s.uac = uas, uac
	uas.SetOther(uac)
	uac.SetOther(uas)
	s.opts.uac.tag = uac.Info().RemoteTag

	s.mu.Lock()
	s.answeredAt = time.Now()
	s.mu.Unlock()

	s.p.registry.Add(uasReplacesKey(uas.Info()), uacReplacesKey(uac.Info()))
	s.p.sessions.add(s)
	s.transition(ctx, evEstablished)

	s.logger.Info("call established",
		"session_id", s.id,
		"b_call_id", uac.Info().CallID,
		"rtpengine", s.media.Addr(),
	)

	go s.run(s.p.baseContext())
	uas.Listen(s.enqueue)
	uac.Listen(s.enqueue)
}

// localSDPA answers the far side's SDP and produces the caller's body.
func (s *Session) localSDPA(ctx context.Context, remoteSDP []byte, res *sip.Response) ([]byte, error) {
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			s.opts.uac.tag = tag
		}
	}

	answer, err := s.media.Answer(ctx, s.opts.initialAnswer(remoteSDP))
	if err != nil {
		return nil, err
	}
	sdp := []byte(answer.SDP())
	if isSIPFacing(s.opts.uas.media) {
		return StripWebRTCAttributes(sdp)
	}
	return sdp, nil
}

func (s *Session) recordSent(req *sip.Request) {
	s.sentMu.Lock()
	s.sent = req
	s.sentMu.Unlock()
}

func (s *Session) lastSent() *sip.Request {
	s.sentMu.Lock()
	defer s.sentMu.Unlock()
	return s.sent
}

// failSetup releases media and maps the failure to a caller response.
// tracked is nil when the signaling engine was never involved.
func (s *Session) failSetup(ctx context.Context, req *sip.Request, tx Responder, tracked *trackingResponder, cause string, err error) {
	s.release(ctx)

	var sipErr *SipError
	switch {
	case errors.As(err, &sipErr) && (sipErr.Status == 401 || sipErr.Status == 407):
		cause = CauseChallenged
		if sent := s.lastSent(); sent != nil {
			s.p.directory.AddTransaction(transactionFromRequest(s.callID, sent))
		}
		s.logger.Info("far side challenged call", "status", sipErr.Status)

	case errors.As(err, &sipErr) && sipErr.Status == 487:
		cause = CauseCancelled
		s.logger.Info("call cancelled during setup")

	default:
		if cause == "" {
			cause = CauseSetupFailed
		}
		if errors.As(err, &sipErr) {
			s.logger.Info("call setup rejected", "status", sipErr.Status, "reason", sipErr.Reason)
		} else {
			s.logger.Error("call setup failed", "error", err)
		}
		if tracked == nil || !tracked.finalSent() {
			if rerr := respond(tx, req, 503); rerr != nil {
				s.logger.Error("failed to send 503 to caller", "error", rerr)
			}
		}
	}

	s.p.stats.failed.Add(1)
	s.transition(ctx, evTerminate)
	s.finish(ctx, cause)
}

// release deletes the rtpengine session. Only the first call has effect.
func (s *Session) release(ctx context.Context) {
	s.releaseOnce.Do(func() {
		s.media.UnsubscribeDTMF(s.callID)

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if _, err := s.media.Delete(rctx, s.opts.tagged()); err != nil {
			s.logger.Warn("rtpengine delete failed", "error", err)
			return
		}
		s.logger.Debug("rtpengine session released")
	})
}

// finish records the call and marks the session done.
func (s *Session) finish(ctx context.Context, cause string) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.endedAt = time.Now()
		s.cause = cause
		s.mu.Unlock()

		s.p.sessions.remove(s)
		s.p.recordCall(ctx, s)
		close(s.done)
	})
}

func (s *Session) onDTMF(ev rtpengine.DTMFEvent) {
	s.mu.Lock()
	s.dtmfEvents++
	s.lastDigit = strconv.Itoa(ev.Event)
	s.mu.Unlock()

	s.logger.Debug("dtmf event", "event", ev.Event, "source_tag", ev.SourceTag, "duration", ev.Duration)
}

// enqueue is the dialog listener for both legs.
func (s *Session) enqueue(ev Event) {
	select {
	case <-s.done:
		s.rejectEnded(ev)
		return
	default:
	}

	select {
	case s.events <- ev:
	case <-s.done:
		s.rejectEnded(ev)
	}
}

func (s *Session) rejectEnded(ev Event) {
	if ev.Tx == nil || ev.Request == nil {
		return
	}
	if err := respond(ev.Tx, ev.Request, 481); err != nil {
		s.logger.Debug("failed to reject request on ended call", "error", err)
	}
}

// run is the call's event loop.
func (s *Session) run(ctx context.Context) {
	for {
		select {
		case ev := <-s.events:
			hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
			s.handle(hctx, ev)
			cancel()
		case a := <-s.actions:
			hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
			a.result <- a.fn(hctx)
			cancel()
		case <-ctx.Done():
			tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			s.terminate(tctx, nil, CauseShutdown)
			cancel()
			return
		case <-s.done:
			return
		}
	}
}

// do runs fn on the event loop and waits for its result.
func (s *Session) do(ctx context.Context, fn func(ctx context.Context) error) error {
	a := sessionAction{fn: fn, result: make(chan error, 1)}
	select {
	case s.actions <- a:
	case <-s.done:
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-a.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventDestroy:
		s.terminate(ctx, ev.Dialog, CauseNormal)
	case EventModify:
		s.handleModify(ctx, ev)
	case EventAck:
		s.handleAck(ctx, ev)
	case EventRefer:
		s.handleRefer(ctx, ev)
	case EventInfo:
		s.handleInfo(ctx, ev)
	case EventNotify, EventOptions, EventMessage:
		s.relay(ctx, ev)
	default:
		s.logger.Debug("ignoring dialog event", "event", ev.Kind.String())
		if ev.Tx != nil && ev.Request != nil {
			_ = respond(ev.Tx, ev.Request, 200)
		}
	}
}

// terminate tears the call down. ended is the leg that already went away,
// or nil to destroy both.
func (s *Session) terminate(ctx context.Context, ended Dialog, cause string) {
	if s.fsm.Current() == StateTerminated {
		return
	}
	s.transition(ctx, evTerminate)
	s.release(ctx)

	if s.pendingAck != nil {
		s.pendingAck.timer.Stop()
		s.pendingAck = nil
	}

	for _, d := range []Dialog{s.uas, s.uac} {
		if d == nil || d == ended {
			continue
		}
		if err := d.Destroy(ctx); err != nil {
			s.logger.Warn("destroying leg failed", "leg", string(d.Type()), "error", err)
		}
	}

	s.p.registry.Remove(uasReplacesKey(s.uas.Info()), uacReplacesKey(s.uac.Info()))

	s.uas.Listen(nil)
	s.uac.Listen(nil)
	s.uas.SetOther(nil)
	s.uac.SetOther(nil)

	s.logger.Info("call ended", "cause", cause)
	s.finish(ctx, cause)
}

// peerOf returns the leg linked to d.
func (s *Session) peerOf(d Dialog) Dialog {
	if d.Type() == DialogUAS {
		return s.uac
	}
	return s.uas
}

// tagFor returns the rtpengine tag that identifies d's side.
func (s *Session) tagFor(d Dialog) string {
	return s.opts.leg(d.Type()).tag
}

var (
	inviteRequestHeaders = []string{
		"from", "to", "proxy-authorization", "authorization", "supported",
		"allow", "content-type", "user-agent", "diversion",
	}
	inviteResponseHeaders = []string{
		"proxy-authenticate", "www-authenticate", "accept", "allow", "allow-events",
	}
)
