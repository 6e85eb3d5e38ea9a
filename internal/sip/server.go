package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/webrtcproxy/internal/b2bua"
	"github.com/flowpbx/webrtcproxy/internal/config"
)

const (
	allowedMethods       = "INVITE, ACK, CANCEL, BYE, REGISTER, OPTIONS, INFO, REFER, NOTIFY, SUBSCRIBE, MESSAGE"
	guardCleanupInterval = time.Minute
)

// Server wraps the sipgo stack and feeds requests to the call processor.
type Server struct {
	cfg    *config.Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	engine *Engine
	proc   *b2bua.Processor
	guard  *FloodGuard
	tracer *MessageTracer

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewServer creates the SIP stack, attaches its engine to proc and
// registers every request handler.
func NewServer(cfg *config.Config, proc *b2bua.Processor, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "sip")
	host := cfg.AdvertisedHost()

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("webrtcproxy"),
		sipgo.WithUserAgentHostname(host),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger.With("subsystem", "client")),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	ports := map[string]int{
		"udp": cfg.SIPPort,
		"tcp": cfg.SIPPort,
		"ws":  cfg.SIPWSPort,
	}
	if cfg.TLSEnabled() {
		ports["tls"] = cfg.SIPTLSPort
		ports["wss"] = cfg.SIPWSSPort
	}

	verbosity := SIPLogOff
	if cfg.SIPTrace {
		verbosity = SIPLogFull
	}
	// The tracer stays installed so verbosity can be raised at runtime.
	tracer := NewMessageTracer(logger, verbosity)
	sip.SIPDebug = true
	sip.SIPDebugTracer(tracer)

	s := &Server{
		cfg:    cfg,
		ua:     ua,
		srv:    srv,
		client: client,
		engine: NewEngine(client, host, ports, logger),
		proc:   proc,
		guard:  NewFloodGuard(logger),
		tracer: tracer,
		ctx:    context.Background(),
		logger: logger,
	}
	proc.SetEngine(s.engine)

	s.registerHandlers()
	return s, nil
}

// Engine returns the signaling engine.
func (s *Server) Engine() *Engine { return s.engine }

// Guard returns the per-source flood guard.
func (s *Server) Guard() *FloodGuard { return s.guard }

// Tracer returns the SIP message tracer.
func (s *Server) Tracer() *MessageTracer { return s.tracer }

func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.handleInvite)
	s.srv.OnAck(s.handleACK)
	s.srv.OnBye(s.handleBye)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnRegister(s.handleRegister)
	s.srv.OnSubscribe(s.handleSubscribe)
	s.srv.OnOptions(s.handleOptions)
	s.srv.OnRefer(s.inDialog(b2bua.EventRefer))
	s.srv.OnInfo(s.inDialog(b2bua.EventInfo))
	s.srv.OnNotify(s.inDialog(b2bua.EventNotify))
	s.srv.OnMessage(s.inDialog(b2bua.EventMessage))
}

func (s *Server) baseContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// Start begins listening on every configured transport.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx, s.cancel = ctx, cancel
	s.mu.Unlock()

	sipAddr := config.SIPListenAddr(s.cfg.SIPPort)
	s.listen(ctx, "udp", sipAddr, nil)
	s.listen(ctx, "tcp", sipAddr, nil)
	s.listen(ctx, "ws", config.SIPListenAddr(s.cfg.SIPWSPort), nil)

	if s.cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			cancel()
			return fmt.Errorf("loading tls certificate: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		s.listen(ctx, "tls", config.SIPListenAddr(s.cfg.SIPTLSPort), tlsCfg)
		s.listen(ctx, "wss", config.SIPListenAddr(s.cfg.SIPWSSPort), tlsCfg)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runGuardCleanup(ctx)
	}()

	return nil
}

func (s *Server) listen(ctx context.Context, network, addr string, tlsCfg *tls.Config) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip listener starting", "transport", network, "addr", addr)

		var err error
		if tlsCfg != nil {
			err = s.srv.ListenAndServeTLS(ctx, network, addr, tlsCfg)
		} else {
			err = s.srv.ListenAndServe(ctx, network, addr)
		}
		if err != nil && ctx.Err() == nil {
			s.logger.Error("sip listener stopped", "transport", network, "error", err)
		}
	}()
}

func (s *Server) runGuardCleanup(ctx context.Context) {
	ticker := time.NewTicker(guardCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.guard.Cleanup()
		}
	}
}

// Stop shuts down the listeners and waits for them to exit.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.client.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

func (s *Server) respond(req *sip.Request, tx sip.ServerTransaction, code int) {
	res := sip.NewResponseFromRequest(req, code, b2bua.ReasonPhrase(code), nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to send response",
			"method", req.Method.String(),
			"status", code,
			"error", err,
		)
	}
}

// admit applies the flood guard to a dialog-creating request.
func (s *Server) admit(req *sip.Request, tx sip.ServerTransaction) bool {
	if s.guard.Allow(req.Source()) {
		return true
	}
	s.logger.Debug("request from flooding source dropped",
		"method", req.Method.String(),
		"source", req.Source(),
	)
	s.respond(req, tx, 503)
	return false
}

func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	if hasToTag(req) {
		l := s.engine.legs.lookup(req)
		if l == nil {
			s.respond(req, tx, 481)
			return
		}
		l.updateTarget(req.Contact())
		l.deliver(b2bua.Event{Kind: b2bua.EventModify, Request: req, Tx: tx})
		return
	}

	if !s.admit(req, tx) {
		return
	}
	s.respond(req, tx, 100)

	ctx, cancel := setupContext(s.baseContext(), tx)
	defer cancel()
	s.proc.HandleInvite(ctx, req, tx, transportOf(req))
}

// setupContext returns a context that ends when the caller cancels tx.
// sipgo answers a matched CANCEL itself and only reports it through the
// transaction's cancel hook.
func setupContext(parent context.Context, tx sip.ServerTransaction) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if !tx.OnCancel(func(*sip.Request) { cancel() }) {
		cancel()
	}
	return ctx, cancel
}

func (s *Server) handleACK(req *sip.Request, _ sip.ServerTransaction) {
	l := s.engine.legs.lookup(req)
	if l == nil {
		s.logger.Debug("ack for unknown dialog", "source", req.Source())
		return
	}
	l.deliver(b2bua.Event{Kind: b2bua.EventAck, Request: req})
}

func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	l := s.engine.legs.lookup(req)
	if l == nil {
		s.respond(req, tx, 481)
		return
	}
	l.handleBye(req, tx)
}

// handleCancel only sees a CANCEL that matched no INVITE transaction.
func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("cancel for unknown transaction", "source", req.Source())
	s.respond(req, tx, 481)
}

func (s *Server) handleRegister(req *sip.Request, tx sip.ServerTransaction) {
	if !s.admit(req, tx) {
		return
	}
	s.proc.HandleRegister(s.baseContext(), req, tx, req.Source(), transportOf(req))
}

func (s *Server) handleSubscribe(req *sip.Request, tx sip.ServerTransaction) {
	if hasToTag(req) {
		s.inDialog(b2bua.EventSubscribe)(req, tx)
		return
	}
	if !s.admit(req, tx) {
		return
	}
	s.proc.HandleSubscribe(s.baseContext(), req, tx)
}

// handleOptions relays in-dialog OPTIONS and answers keepalives itself.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	if hasToTag(req) {
		s.inDialog(b2bua.EventOptions)(req, tx)
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

// inDialog routes a request to the leg it belongs to.
func (s *Server) inDialog(kind b2bua.EventKind) func(*sip.Request, sip.ServerTransaction) {
	return func(req *sip.Request, tx sip.ServerTransaction) {
		l := s.engine.legs.lookup(req)
		if l == nil {
			s.respond(req, tx, 481)
			return
		}
		l.deliver(b2bua.Event{Kind: kind, Request: req, Tx: tx})
	}
}
