package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/webrtcproxy/internal/b2bua"
)

type legState int

const (
	// legPending holds events until a listener is attached.
	legPending legState = iota
	legListening
	// legDetached answers further requests with 481.
	legDetached
)

// leg is one established dialog of a bridged call.
type leg struct {
	engine *Engine
	typ    b2bua.DialogType
	info   b2bua.DialogInfo
	logger *slog.Logger

	// subscription legs end locally; there is no BYE to send.
	subscription bool

	from        *sip.FromHeader
	to          *sip.ToHeader
	destination string
	transport   string
	creds       *b2bua.Credentials

	mu        sync.Mutex
	other     b2bua.Dialog
	listener  func(b2bua.Event)
	state     legState
	queued    []b2bua.Event
	cseq      uint32
	target    sip.Uri
	routes    []sip.Uri
	destroyed bool
}

// newUASLeg builds the caller-facing leg from the caller's request and the
// tag we answered it with.
func newUASLeg(e *Engine, req *sip.Request, localTag string, subscription bool) *leg {
	reqFrom, reqTo := req.From(), req.To()

	from := &sip.FromHeader{
		DisplayName: reqTo.DisplayName,
		Address:     reqTo.Address,
		Params:      sip.NewParams(),
	}
	from.Params.Add("tag", localTag)

	to := &sip.ToHeader{
		DisplayName: reqFrom.DisplayName,
		Address:     reqFrom.Address,
		Params:      sip.NewParams(),
	}
	remoteTag := paramTag(reqFrom.Params)
	if remoteTag != "" {
		to.Params.Add("tag", remoteTag)
	}

	target := reqFrom.Address
	if c := req.Contact(); c != nil {
		target = c.Address
	}

	l := &leg{
		engine:       e,
		typ:          b2bua.DialogUAS,
		subscription: subscription,
		info: b2bua.DialogInfo{
			CallID:    req.CallID().Value(),
			LocalTag:  localTag,
			RemoteTag: remoteTag,
		},
		from:        from,
		to:          to,
		destination: req.Source(),
		transport:   req.Transport(),
		target:      target,
		routes:      recordRoutes(req),
	}
	l.logger = e.logger.With("call_id", l.info.CallID, "leg", string(l.typ))
	return l
}

// newUACLeg builds the far-side leg from the request that won and its 2xx.
func newUACLeg(e *Engine, req *sip.Request, res *sip.Response, creds *b2bua.Credentials, subscription bool) *leg {
	reqFrom := req.From()
	resTo := res.To()

	from := &sip.FromHeader{
		DisplayName: reqFrom.DisplayName,
		Address:     reqFrom.Address,
		Params:      reqFrom.Params.Clone(),
	}
	to := &sip.ToHeader{
		DisplayName: resTo.DisplayName,
		Address:     resTo.Address,
		Params:      resTo.Params.Clone(),
	}

	target := req.Recipient
	if c := res.Contact(); c != nil {
		target = c.Address
	}

	var cseq uint32
	if h := req.CSeq(); h != nil {
		cseq = h.SeqNo
	}

	l := &leg{
		engine:       e,
		typ:          b2bua.DialogUAC,
		subscription: subscription,
		info: b2bua.DialogInfo{
			CallID:    req.CallID().Value(),
			LocalTag:  paramTag(from.Params),
			RemoteTag: paramTag(to.Params),
		},
		from:        from,
		to:          to,
		destination: req.Destination(),
		transport:   req.Transport(),
		creds:       creds,
		cseq:        cseq,
		target:      target,
		routes:      reverseURIs(recordRoutes(res)),
	}
	l.logger = e.logger.With("call_id", l.info.CallID, "leg", string(l.typ))
	return l
}

func (l *leg) Type() b2bua.DialogType { return l.typ }

func (l *leg) Info() b2bua.DialogInfo { return l.info }

func (l *leg) Other() b2bua.Dialog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.other
}

func (l *leg) SetOther(d b2bua.Dialog) {
	l.mu.Lock()
	l.other = d
	l.mu.Unlock()
}

// Listen attaches fn and flushes events that arrived before it.
func (l *leg) Listen(fn func(b2bua.Event)) {
	l.mu.Lock()
	if fn == nil {
		l.listener = nil
		l.state = legDetached
		l.queued = nil
		l.mu.Unlock()
		return
	}

	l.listener = fn
	l.state = legListening
	queued := l.queued
	l.queued = nil
	l.mu.Unlock()

	for _, ev := range queued {
		fn(ev)
	}
}

// deliver hands an incoming event to the listener, queueing it while
// none is attached.
func (l *leg) deliver(ev b2bua.Event) {
	ev.Dialog = l

	l.mu.Lock()
	switch l.state {
	case legListening:
		fn := l.listener
		l.mu.Unlock()
		fn(ev)

	case legPending:
		if ev.Kind == b2bua.EventModify {
			l.mu.Unlock()
			l.reply(ev, 491)
			return
		}
		l.queued = append(l.queued, ev)
		l.mu.Unlock()

	default:
		l.mu.Unlock()
		l.reply(ev, 481)
	}
}

func (l *leg) reply(ev b2bua.Event, code int) {
	if ev.Tx == nil || ev.Request == nil {
		return
	}
	res := sip.NewResponseFromRequest(ev.Request, code, b2bua.ReasonPhrase(code), nil)
	if err := ev.Tx.Respond(res); err != nil {
		l.logger.Debug("failed to respond", "status", code, "error", err)
	}
}

// handleBye answers a BYE from the far side and reports the dialog gone.
func (l *leg) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		l.logger.Debug("failed to answer bye", "error", err)
	}

	l.mu.Lock()
	already := l.destroyed
	l.destroyed = true
	l.mu.Unlock()
	if already {
		return
	}

	l.engine.legs.remove(l)
	l.deliver(b2bua.Event{Kind: b2bua.EventDestroy})
}

// updateTarget applies a target refresh from an incoming request or a
// response to our re-INVITE.
func (l *leg) updateTarget(c *sip.ContactHeader) {
	if c == nil {
		return
	}
	l.mu.Lock()
	l.target = c.Address
	l.mu.Unlock()
}

// newRequest builds an in-dialog request with the next local CSeq.
func (l *leg) newRequest(method sip.RequestMethod, headers []sip.Header, body []byte) *sip.Request {
	l.mu.Lock()
	l.cseq++
	cseq := l.cseq
	target := l.target
	routes := l.routes
	l.mu.Unlock()

	req := sip.NewRequest(method, target)
	for _, uri := range routes {
		req.AppendHeader(&sip.RouteHeader{Address: uri})
	}
	req.AppendHeader(sip.HeaderClone(l.from))
	req.AppendHeader(sip.HeaderClone(l.to))
	callID := sip.CallIDHeader(l.info.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(l.engine.contactHeader(l.transport))

	for _, h := range headers {
		req.AppendHeader(h)
	}
	if len(body) > 0 {
		req.SetBody(body)
	}

	req.SetTransport(l.transport)
	if l.destination != "" {
		req.SetDestination(l.destination)
	}
	return req
}

// send transacts an in-dialog request, answering one digest challenge
// when the leg has credentials.
func (l *leg) send(ctx context.Context, req *sip.Request) (*sip.Request, *sip.Response, error) {
	res, err := l.engine.transact(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return req, nil, err
	}
	if !isChallenge(res) || l.creds == nil {
		return req, res, nil
	}

	authReq, err := authorizeRequest(req, res, l.creds)
	if err != nil {
		return req, res, nil
	}
	res, err = l.engine.transact(ctx, authReq, sipgo.ClientRequestIncreaseCSEQ, sipgo.ClientRequestAddVia)
	if err != nil {
		return authReq, nil, err
	}

	l.mu.Lock()
	if h := authReq.CSeq(); h != nil && h.SeqNo > l.cseq {
		l.cseq = h.SeqNo
	}
	l.mu.Unlock()
	return authReq, res, nil
}

// Request sends an in-dialog request and waits for its final response.
func (l *leg) Request(ctx context.Context, out b2bua.OutRequest) (*sip.Response, error) {
	req := l.newRequest(out.Method, out.Headers, out.Body)
	_, res, err := l.send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", out.Method, err)
	}
	return res, nil
}

// Modify sends a re-INVITE and ACKs its 2xx, or hands the ACK back to the
// caller when opts.NoAck is set.
func (l *leg) Modify(ctx context.Context, sdp []byte, opts b2bua.ModifyOptions) (*b2bua.ModifyResult, error) {
	headers := opts.Headers
	if len(sdp) > 0 {
		headers = append(headers, sip.NewHeader("Content-Type", "application/sdp"))
	}

	req := l.newRequest(sip.INVITE, headers, sdp)
	sent, res, err := l.send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sending re-invite: %w", err)
	}
	if res.StatusCode >= 300 {
		return nil, &b2bua.SipError{Status: res.StatusCode, Reason: res.Reason, Response: res}
	}
	l.updateTarget(res.Contact())

	ack := buildACKFor2xx(sent, res)
	result := &b2bua.ModifyResult{SDP: res.Body()}
	if !opts.NoAck {
		if err := l.engine.client.WriteRequest(ack); err != nil {
			return nil, fmt.Errorf("sending ack: %w", err)
		}
		return result, nil
	}

	var once sync.Once
	result.Ack = func(_ context.Context, body []byte) error {
		var err error
		once.Do(func() {
			if len(body) > 0 {
				ack.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
				ack.SetBody(body)
			}
			err = l.engine.client.WriteRequest(ack)
		})
		return err
	}
	return result, nil
}

// Destroy sends BYE once. Subscription legs are only forgotten.
func (l *leg) Destroy(ctx context.Context) error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return nil
	}
	l.destroyed = true
	l.mu.Unlock()

	l.engine.legs.remove(l)
	if l.subscription {
		return nil
	}

	_, res, err := l.send(ctx, l.newRequest(sip.BYE, nil, nil))
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	if res.StatusCode >= 300 {
		l.logger.Debug("bye rejected", "status", res.StatusCode)
	}
	return nil
}
