package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/webrtcproxy/internal/b2bua"
)

var mediaActions = map[b2bua.MediaAction]bool{
	b2bua.ActionBlockMedia:   true,
	b2bua.ActionUnblockMedia: true,
	b2bua.ActionBlockDTMF:    true,
	b2bua.ActionUnblockDTMF:  true,
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Calls.ActiveCalls())
}

// handleHangupCall tears down both legs of an active call.
func (s *Server) handleHangupCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Calls.Hangup(r.Context(), id); err != nil {
		s.writeCallError(w, "hangup", id, err)
		return
	}
	s.logger.Info("call hung up by admin", "session_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "hangup"})
}

type mediaActionRequest struct {
	Action string `json:"action"`
}

// handleMediaAction runs a block/unblock command on a call's media session.
func (s *Server) handleMediaAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req mediaActionRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	action := b2bua.MediaAction(req.Action)
	if !mediaActions[action] {
		writeError(w, http.StatusBadRequest, "action must be one of block-media, unblock-media, block-dtmf, unblock-dtmf")
		return
	}

	if err := s.deps.Calls.ApplyMediaAction(r.Context(), id, action); err != nil {
		s.writeCallError(w, req.Action, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "action": req.Action})
}

func (s *Server) writeCallError(w http.ResponseWriter, op, id string, err error) {
	switch {
	case errors.Is(err, b2bua.ErrCallNotFound), errors.Is(err, b2bua.ErrSessionEnded):
		writeError(w, http.StatusNotFound, "call not found")
	case errors.Is(err, b2bua.ErrUnknownAction):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("call action failed", "op", op, "session_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "media engine command failed")
	}
}
