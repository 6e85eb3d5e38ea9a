package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/webrtcproxy/internal/api/middleware"
	"github.com/flowpbx/webrtcproxy/internal/b2bua"
	"github.com/flowpbx/webrtcproxy/internal/config"
	"github.com/flowpbx/webrtcproxy/internal/database"
	"github.com/flowpbx/webrtcproxy/internal/registrar"
	"github.com/flowpbx/webrtcproxy/internal/rtpengine"
	"github.com/flowpbx/webrtcproxy/internal/sip"
)

// CallManager exposes active calls to the API.
type CallManager interface {
	Stats() b2bua.Stats
	ActiveCalls() []b2bua.SessionInfo
	Hangup(ctx context.Context, id string) error
	ApplyMediaAction(ctx context.Context, id string, action b2bua.MediaAction) error
}

// RegistrationDirectory exposes registered WebRTC users.
type RegistrationDirectory interface {
	Users() map[string][]registrar.Flow
	GetFlows(user string) []registrar.Flow
	Count() (users, flows int)
}

// EngineStatusProvider exposes rtpengine health.
type EngineStatusProvider interface {
	Statuses() []rtpengine.EngineStatus
	HealthyCount() int
}

// BlockList exposes the SIP flood guard.
type BlockList interface {
	BlockedIPs() []sip.BlockedIPEntry
	UnblockIP(ip string) bool
}

// TraceControl adjusts SIP message tracing at runtime.
type TraceControl interface {
	Verbosity() sip.SIPLogVerbosity
	SetVerbosity(v sip.SIPLogVerbosity)
}

// Deps are the components the API reports on and controls. CDRs and
// Metrics may be nil.
type Deps struct {
	Calls     CallManager
	Directory RegistrationDirectory
	Engines   EngineStatusProvider
	Guard     BlockList
	Tracer    TraceControl
	CDRs      database.CDRRepository
	Metrics   http.Handler
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	cfg       *config.Config
	deps      Deps
	jwtSecret []byte
	logger    *slog.Logger
	startTime time.Time
	now       func() time.Time

	apiLimiter   *middleware.IPRateLimiter
	loginLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(cfg *config.Config, deps Deps, jwtSecret []byte, logger *slog.Logger) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		cfg:          cfg,
		deps:         deps,
		jwtSecret:    jwtSecret,
		logger:       logger.With("subsystem", "api"),
		startTime:    time.Now(),
		now:          time.Now,
		apiLimiter:   middleware.NewIPRateLimiter(middleware.APIRateLimit()),
		loginLimiter: middleware.NewIPRateLimiter(middleware.LoginRateLimit()),
	}

	s.routes()
	return s
}

// Run evicts idle rate limiter entries until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	go s.loginLimiter.Run(ctx)
	s.apiLimiter.Run(ctx)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders(s.cfg.TLSEnabled()))
	r.Use(middleware.CORS(s.cfg.CORSOriginList()))

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.apiLimiter))

		r.Get("/health", s.handleHealth)
		r.With(middleware.RateLimit(s.loginLimiter)).Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin(s.jwtSecret))

			r.Get("/status", s.handleStatus)

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Post("/{id}/hangup", s.handleHangupCall)
				r.Post("/{id}/media", s.handleMediaAction)
			})

			r.Get("/registrations", s.handleListRegistrations)
			r.Get("/registrations/{user}", s.handleGetRegistration)
			r.Get("/rtpengines", s.handleListEngines)

			r.Route("/cdrs", func(r chi.Router) {
				r.Get("/", s.handleListCDRs)
				r.Get("/export", s.handleExportCDRs)
				r.Get("/{callID}", s.handleGetCDR)
			})

			r.Route("/security/blocked", func(r chi.Router) {
				r.Get("/", s.handleListBlocked)
				r.Delete("/{ip}", s.handleUnblock)
			})

			r.Get("/sip/trace", s.handleGetTrace)
			r.Put("/sip/trace", s.handleSetTrace)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}
