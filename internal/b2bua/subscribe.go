package b2bua

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/webrtcproxy/internal/registrar"
)

var (
	subscribeRequestHeaders  = []string{"event", "expires", "allow", "authorization", "accept"}
	subscribeResponseHeaders = []string{"subscription-state", "expires", "allow-events", "www-authenticate"}
)

// HandleSubscribe proxies a SUBSCRIBE from a registered user to its
// Request-URI and relays the resulting subscription until it ends.
func (p *Processor) HandleSubscribe(ctx context.Context, req *sip.Request, tx Responder) {
	p.stats.subscribes.Add(1)

	aCallID := req.CallID().Value()
	logger := p.logger.With("call_id", aCallID, "method", "SUBSCRIBE")

	from := req.From()
	if from == nil || !p.directory.HasUser(from.Address.User) {
		logger.Info("rejecting subscribe from unregistered user")
		p.reject(req, tx, 503)
		return
	}

	var (
		sentMu sync.Mutex
		sent   *sip.Request
	)
	opts := B2BUAOptions{
		Method:               sip.SUBSCRIBE,
		Targets:              []Target{{URI: *req.Recipient.Clone()}},
		ProxyRequestHeaders:  subscribeRequestHeaders,
		ProxyResponseHeaders: subscribeResponseHeaders,
		OnRequestSent: func(r *sip.Request) {
			sentMu.Lock()
			sent = r
			sentMu.Unlock()
		},
	}
	opts.CSeq = 1
	if callID, cseq, ok := p.directory.GetNextCallIDAndCSeq(aCallID); ok {
		p.directory.RemoveTransaction(aCallID)
		if n, valid := registrar.CSeqNumber(cseq); valid {
			opts.CallID = callID
			opts.CSeq = n
		}
	}

	tracked := newTrackingResponder(tx)
	uas, uac, err := p.engine.CreateB2BUA(ctx, req, tracked, opts)
	if err != nil {
		var sipErr *SipError
		if errors.As(err, &sipErr) && (sipErr.Status == 401 || sipErr.Status == 407) {
			sentMu.Lock()
			last := sent
			sentMu.Unlock()
			if last != nil {
				p.directory.AddTransaction(transactionFromRequest(aCallID, last))
			}
			logger.Debug("subscribe challenged", "status", sipErr.Status)
			return
		}
		logger.Info("subscribe failed", "error", err)
		if !tracked.finalSent() {
			p.reject(req, tx, 503)
		}
		return
	}

	uas.SetOther(uac)
	uac.SetOther(uas)

	sub := &subscription{
		uas:    uas,
		uac:    uac,
		logger: logger,
		events: make(chan Event, eventQueueSize),
		done:   make(chan struct{}),
	}
	p.stats.activeSubs.Add(1)
	go func() {
		defer p.stats.activeSubs.Add(-1)
		sub.run(p.baseContext())
	}()
	uas.Listen(sub.enqueue)
	uac.Listen(sub.enqueue)

	logger.Info("subscription established", "event", headerValue(req, "Event"))
}

// subscription relays in-dialog SUBSCRIBE and NOTIFY between two legs.
type subscription struct {
	uas    Dialog
	uac    Dialog
	logger *slog.Logger

	events   chan Event
	done     chan struct{}
	doneOnce sync.Once
}

func (s *subscription) enqueue(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
		if ev.Tx != nil && ev.Request != nil {
			_ = respond(ev.Tx, ev.Request, 481)
		}
	}
}

func (s *subscription) peerOf(d Dialog) Dialog {
	if d.Type() == DialogUAS {
		return s.uac
	}
	return s.uas
}

func (s *subscription) run(ctx context.Context) {
	for {
		select {
		case ev := <-s.events:
			hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
			s.handle(hctx, ev)
			cancel()
		case <-s.done:
			return
		case <-ctx.Done():
			s.end(context.Background(), nil)
			return
		}
	}
}

func (s *subscription) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventDestroy:
		s.end(ctx, ev.Dialog)
	case EventSubscribe, EventNotify:
		relayRequest(ctx, s.logger, ev, s.peerOf(ev.Dialog))
		if ev.Kind == EventNotify && subscriptionTerminated(ev.Request) {
			s.logger.Info("subscription terminated by notifier")
			s.end(ctx, nil)
		}
	default:
		if ev.Tx != nil && ev.Request != nil {
			_ = respond(ev.Tx, ev.Request, 200)
		}
	}
}

// end destroys every leg except ended and stops the relay.
func (s *subscription) end(ctx context.Context, ended Dialog) {
	s.doneOnce.Do(func() {
		for _, d := range []Dialog{s.uas, s.uac} {
			if d == ended {
				continue
			}
			if err := d.Destroy(ctx); err != nil {
				s.logger.Debug("destroying subscription leg failed", "error", err)
			}
		}
		s.uas.Listen(nil)
		s.uac.Listen(nil)
		s.uas.SetOther(nil)
		s.uac.SetOther(nil)
		close(s.done)
	})
}

func subscriptionTerminated(req *sip.Request) bool {
	state := strings.ToLower(headerValue(req, "Subscription-State"))
	return strings.HasPrefix(strings.TrimSpace(state), "terminated")
}

func headerValue(req *sip.Request, name string) string {
	if h := req.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}
