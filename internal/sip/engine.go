package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/flowpbx/webrtcproxy/internal/b2bua"
)

// Engine implements b2bua.Engine on top of a sipgo client. It owns the
// far-side fan-out and the table of established legs.
type Engine struct {
	client *sipgo.Client
	forker *Forker
	legs   *legTable
	host   string
	ports  map[string]int
	logger *slog.Logger
}

// NewEngine creates an engine that advertises host in its Contact headers,
// with the listening port for each lowercased transport.
func NewEngine(client *sipgo.Client, host string, ports map[string]int, logger *slog.Logger) *Engine {
	logger = logger.With("subsystem", "engine")
	return &Engine{
		client: client,
		forker: NewForker(client, logger),
		legs:   newLegTable(logger),
		host:   host,
		ports:  ports,
		logger: logger,
	}
}

// contactHeader returns our Contact for requests and responses sent over
// transport.
func (e *Engine) contactHeader(transport string) *sip.ContactHeader {
	transport = strings.ToLower(transport)
	port, ok := e.ports[transport]
	if !ok {
		port = e.ports["udp"]
	}

	raw := "sip:" + e.host
	if port > 0 {
		raw += ":" + strconv.Itoa(port)
	}
	if transport != "" && transport != "udp" {
		raw += ";transport=" + transport
	}

	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		e.logger.Error("invalid advertised contact", "contact", raw, "error", err)
	}
	return &sip.ContactHeader{Address: uri}
}

// transact sends req and waits for its final response.
func (e *Engine) transact(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (*sip.Response, error) {
	tx, err := e.client.TransactionRequest(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, errTransactionEnded
			}
			if res.StatusCode >= 200 {
				return res, nil
			}
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errTransactionEnded
		}
	}
}

// Send sends an out-of-dialog request and returns its final response.
func (e *Engine) Send(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	return e.transact(ctx, req, sipgo.ClientRequestBuild)
}

// serverTransaction unwraps r down to the sipgo transaction, if any.
func serverTransaction(r b2bua.Responder) sip.ServerTransaction {
	for r != nil {
		if stx, ok := r.(sip.ServerTransaction); ok {
			return stx
		}
		u, ok := r.(interface{ Unwrap() b2bua.Responder })
		if !ok {
			return nil
		}
		r = u.Unwrap()
	}
	return nil
}

// CreateB2BUA forks the caller's request to opts.Targets and bridges the
// caller to whichever branch answers first.
func (e *Engine) CreateB2BUA(ctx context.Context, req *sip.Request, tx b2bua.Responder, opts b2bua.B2BUAOptions) (b2bua.Dialog, b2bua.Dialog, error) {
	aCallID := req.CallID().Value()
	localTag := newTag()
	isInvite := opts.Method == sip.INVITE
	logger := e.logger.With("call_id", aCallID, "method", opts.Method.String())

	// ctx is cancelled by a CANCEL from the caller; sipgo has already
	// answered 487 by then.
	forkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if stx := serverTransaction(tx); stx != nil {
		go func() {
			select {
			case <-stx.Done():
				cancel()
			case <-forkCtx.Done():
			}
		}()
	}

	bCallID := opts.CallID
	if bCallID == "" {
		bCallID = uuid.NewString()
	}
	cseq := opts.CSeq
	if cseq == 0 {
		cseq = 1
	}
	fromTag := newTag()

	plan := forkPlan{
		callID:  aCallID,
		targets: opts.Targets,
		late:    opts.LateTargets,
		auth:    opts.Auth,
		onSent:  opts.OnRequestSent,
		build: func(t b2bua.Target) *sip.Request {
			return e.newFarRequest(req, opts, t, bCallID, cseq, fromTag)
		},
		onProvisional: func(res *sip.Response) {
			e.relayProvisional(forkCtx, req, tx, localTag, res, opts, logger)
		},
	}

	result := e.forker.Fork(forkCtx, plan)
	switch {
	case result.Answered:
	case result.Cancelled:
		return nil, nil, &b2bua.SipError{Status: 487, Reason: "Request Terminated"}
	case result.Best != nil:
		best := result.Best
		res := sip.NewResponseFromRequest(req, best.StatusCode, best.Reason, nil)
		setToTag(res, localTag)
		copyHeaders(res, best, opts.ProxyResponseHeaders)
		if err := tx.Respond(res); err != nil {
			logger.Error("failed to relay final response", "status", best.StatusCode, "error", err)
		}
		return nil, nil, &b2bua.SipError{Status: best.StatusCode, Reason: best.Reason, Response: best}
	default:
		return nil, nil, fmt.Errorf("far side unreachable: %w", result.Err)
	}

	br, res := result.Branch, result.Response
	body := res.Body()

	if isInvite {
		ack := buildACKFor2xx(br.req, res)
		if opts.LocalSDPA != nil {
			sdp, err := opts.LocalSDPA(ctx, res.Body(), res)
			if err != nil {
				e.abandon(ack, br.req, res, logger)
				return nil, nil, err
			}
			body = sdp
		}
		if err := e.client.WriteRequest(ack); err != nil {
			return nil, nil, fmt.Errorf("sending ack: %w", err)
		}
	}

	answer := sip.NewResponseFromRequest(req, res.StatusCode, res.Reason, nil)
	setToTag(answer, localTag)
	answer.AppendHeader(e.contactHeader(req.Transport()))
	copyHeaders(answer, res, opts.ProxyResponseHeaders)
	if len(body) > 0 {
		ct := "application/sdp"
		if h := res.ContentType(); h != nil && !isInvite {
			ct = h.Value()
		}
		answer.AppendHeader(sip.NewHeader("Content-Type", ct))
		answer.SetBody(body)
	}

	uas := newUASLeg(e, req, localTag, !isInvite)
	uac := newUACLeg(e, br.req, res, opts.Auth, !isInvite)
	uas.SetOther(uac)
	uac.SetOther(uas)
	e.legs.add(uas)
	e.legs.add(uac)

	if err := tx.Respond(answer); err != nil {
		logger.Error("failed to answer caller", "error", err)
		e.legs.remove(uas)
		e.legs.remove(uac)
		if isInvite {
			_ = uac.Destroy(context.Background())
		}
		return nil, nil, fmt.Errorf("answering caller: %w", err)
	}

	logger.Info("dialogs established",
		"b_call_id", uac.info.CallID,
		"target", br.target.String(),
	)
	return uas, uac, nil
}

// abandon ACKs and hangs up a far-side dialog we cannot bridge.
func (e *Engine) abandon(ack, invite *sip.Request, res *sip.Response, logger *slog.Logger) {
	if err := e.client.WriteRequest(ack); err != nil {
		logger.Warn("failed to ack abandoned answer", "error", err)
	}
	l := newUACLeg(e, invite, res, nil, false)
	if err := l.Destroy(context.Background()); err != nil {
		logger.Warn("failed to hang up abandoned answer", "error", err)
	}
}

// newFarRequest builds the request sent to one target.
func (e *Engine) newFarRequest(a *sip.Request, opts b2bua.B2BUAOptions, t b2bua.Target, callID string, cseq uint32, fromTag string) *sip.Request {
	req := sip.NewRequest(opts.Method, t.URI)

	from := &sip.FromHeader{Params: sip.NewParams()}
	if aFrom := a.From(); aFrom != nil {
		from.DisplayName = aFrom.DisplayName
		from.Address = aFrom.Address
		if !containsName(opts.ProxyRequestHeaders, "from") {
			from.Address.Host = e.host
			from.Address.Port = 0
			from.Address.UriParams = nil
		}
	}
	from.Params.Add("tag", fromTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: t.URI, Params: sip.NewParams()}
	if aTo := a.To(); aTo != nil && containsName(opts.ProxyRequestHeaders, "to") {
		to.DisplayName = aTo.DisplayName
		to.Address = aTo.Address
	}
	req.AppendHeader(to)

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: opts.Method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	transport := t.Transport
	if transport == "" {
		transport = "udp"
	}
	req.AppendHeader(e.contactHeader(transport))
	copyHeaders(req, a, opts.ProxyRequestHeaders)

	switch {
	case len(opts.LocalSDPB) > 0:
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		req.SetBody(opts.LocalSDPB)
	case len(a.Body()) > 0 && opts.Method != sip.INVITE:
		if ct := a.ContentType(); ct != nil {
			req.AppendHeader(sip.NewHeader("Content-Type", ct.Value()))
		}
		req.SetBody(a.Body())
	}

	req.SetTransport(strings.ToUpper(transport))
	if t.Destination != "" {
		req.SetDestination(t.Destination)
	}
	return req
}

// relayProvisional forwards a ringing or progress response to the caller.
// Early media is answered with our own SDP when opts.LocalSDPA is set.
func (e *Engine) relayProvisional(ctx context.Context, a *sip.Request, tx b2bua.Responder, localTag string, res *sip.Response, opts b2bua.B2BUAOptions, logger *slog.Logger) {
	out := sip.NewResponseFromRequest(a, res.StatusCode, res.Reason, nil)
	setToTag(out, localTag)
	out.AppendHeader(e.contactHeader(a.Transport()))

	if body := res.Body(); len(body) > 0 && opts.Method == sip.INVITE {
		if opts.LocalSDPA != nil {
			sdp, err := opts.LocalSDPA(ctx, body, res)
			if err != nil {
				logger.Warn("dropping early media", "status", res.StatusCode, "error", err)
				sdp = nil
			}
			body = sdp
		}
		if len(body) > 0 {
			out.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
			out.SetBody(body)
		}
	}

	if err := tx.Respond(out); err != nil {
		logger.Error("failed to relay provisional response", "status", res.StatusCode, "error", err)
		return
	}
	logger.Debug("relayed provisional response", "status", res.StatusCode)
}
