package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/flowpbx/webrtcproxy/internal/api/middleware"
)

// adminUsername is the only account the admin API knows.
const adminUsername = "admin"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// handleLogin exchanges the admin password for a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminPasswordHash == "" {
		writeError(w, http.StatusServiceUnavailable, "admin login is disabled")
		return
	}

	var req loginRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	ok, err := verifyPassword(req.Password, s.cfg.AdminPasswordHash)
	if err != nil {
		s.logger.Error("login: admin password hash unusable", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(adminUsername)) == 1
	if !ok || !userOK {
		s.logger.Warn("login failed", "username", req.Username, "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	token, expiresAt, err := middleware.IssueToken(s.jwtSecret, adminUsername, s.now())
	if err != nil {
		s.logger.Error("login: failed to sign token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("admin logged in", "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}
