package api

import (
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/webrtcproxy/internal/b2bua"
	"github.com/flowpbx/webrtcproxy/internal/registrar"
	"github.com/flowpbx/webrtcproxy/internal/sip"
)

type healthResponse struct {
	Status          string `json:"status"`
	RTPEnginesUp    int    `json:"rtpengines_up"`
	RTPEnginesTotal int    `json:"rtpengines_total"`
	ActiveCalls     int    `json:"active_calls"`
	RegisteredFlows int    `json:"registered_flows"`
}

// handleHealth reports 503 when no media engine is reachable, so a load
// balancer stops sending calls here. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.deps.Engines != nil {
		resp.RTPEnginesUp = s.deps.Engines.HealthyCount()
		resp.RTPEnginesTotal = len(s.deps.Engines.Statuses())
	}
	if s.deps.Calls != nil {
		resp.ActiveCalls = s.deps.Calls.Stats().ActiveCalls
	}
	if s.deps.Directory != nil {
		_, resp.RegisteredFlows = s.deps.Directory.Count()
	}

	status := http.StatusOK
	if s.deps.Engines != nil && resp.RTPEnginesUp == 0 {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type statusResponse struct {
	SIP    sipStatusResponse `json:"sip"`
	Stats  b2bua.Stats       `json:"stats"`
	Users  int               `json:"registered_users"`
	Flows  int               `json:"registered_flows"`
	Uptime uptimeResponse    `json:"uptime"`
}

type sipStatusResponse struct {
	Host       string `json:"host"`
	UDPPort    int    `json:"udp_port"`
	TCPPort    int    `json:"tcp_port"`
	WSPort     int    `json:"ws_port"`
	TLSPort    int    `json:"tls_port,omitempty"`
	WSSPort    int    `json:"wss_port,omitempty"`
	TLSEnabled bool   `json:"tls_enabled"`
	Trace      string `json:"trace"`
}

type uptimeResponse struct {
	StartedAt  string `json:"started_at"`
	UptimeSec  int64  `json:"uptime_sec"`
	UptimeText string `json:"uptime_text"`
}

// handleStatus returns listener configuration, call counters and uptime.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sipStatus := sipStatusResponse{
		Host:       s.cfg.AdvertisedHost(),
		UDPPort:    s.cfg.SIPPort,
		TCPPort:    s.cfg.SIPPort,
		WSPort:     s.cfg.SIPWSPort,
		TLSEnabled: s.cfg.TLSEnabled(),
		Trace:      sip.SIPLogOff.String(),
	}
	if s.cfg.TLSEnabled() {
		sipStatus.TLSPort = s.cfg.SIPTLSPort
		sipStatus.WSSPort = s.cfg.SIPWSSPort
	}
	if s.deps.Tracer != nil {
		sipStatus.Trace = s.deps.Tracer.Verbosity().String()
	}

	resp := statusResponse{SIP: sipStatus, Stats: s.deps.Calls.Stats()}
	resp.Users, resp.Flows = s.deps.Directory.Count()

	uptime := s.now().Sub(s.startTime)
	resp.Uptime = uptimeResponse{
		StartedAt:  s.startTime.UTC().Format(time.RFC3339),
		UptimeSec:  int64(uptime.Seconds()),
		UptimeText: formatUptime(uptime),
	}
	writeJSON(w, http.StatusOK, resp)
}

type registrationResponse struct {
	User  string           `json:"user"`
	Flows []registrar.Flow `json:"flows"`
}

// handleListRegistrations lists every registered user and their flows,
// sorted by user.
func (s *Server) handleListRegistrations(w http.ResponseWriter, r *http.Request) {
	users := s.deps.Directory.Users()
	out := make([]registrationResponse, 0, len(users))
	for user, flows := range users {
		out = append(out, registrationResponse{User: user, Flows: flows})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRegistration(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	flows := s.deps.Directory.GetFlows(user)
	if len(flows) == 0 {
		writeError(w, http.StatusNotFound, "user not registered")
		return
	}
	writeJSON(w, http.StatusOK, registrationResponse{User: user, Flows: flows})
}

func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Engines.Statuses())
}

type blockedResponse struct {
	IP        string `json:"ip"`
	BlockedAt string `json:"blocked_at"`
	ExpiresAt string `json:"expires_at"`
}

// handleListBlocked lists source IPs the SIP flood guard is rejecting.
func (s *Server) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Guard.BlockedIPs()
	sort.Slice(entries, func(i, j int) bool { return entries[i].IP < entries[j].IP })

	out := make([]blockedResponse, len(entries))
	for i, e := range entries {
		out[i] = blockedResponse{
			IP:        e.IP,
			BlockedAt: e.BlockedAt.UTC().Format(time.RFC3339),
			ExpiresAt: e.ExpiresAt.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if net.ParseIP(ip) == nil {
		writeError(w, http.StatusBadRequest, "ip is not a valid IP address")
		return
	}
	if !s.deps.Guard.UnblockIP(ip) {
		writeError(w, http.StatusNotFound, "ip is not blocked")
		return
	}
	s.logger.Info("source unblocked by admin", "ip", ip)
	writeJSON(w, http.StatusOK, map[string]string{"ip": ip, "status": "unblocked"})
}

type traceRequest struct {
	Verbosity string `json:"verbosity"`
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, traceRequest{Verbosity: s.deps.Tracer.Verbosity().String()})
}

// handleSetTrace changes SIP message tracing without a restart.
func (s *Server) handleSetTrace(w http.ResponseWriter, r *http.Request) {
	var req traceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	switch strings.ToLower(strings.TrimSpace(req.Verbosity)) {
	case "off", "headers", "full":
	default:
		writeError(w, http.StatusBadRequest, "verbosity must be one of off, headers, full")
		return
	}

	v := sip.ParseSIPLogVerbosity(req.Verbosity)
	s.deps.Tracer.SetVerbosity(v)
	writeJSON(w, http.StatusOK, traceRequest{Verbosity: v.String()})
}

// formatUptime returns a human-readable uptime string like "2d 5h 30m 12s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
