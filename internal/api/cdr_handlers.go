package api

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/webrtcproxy/internal/database"
)

// maxExportRows caps a CSV export.
const maxExportRows = 10000

// cdrFilter builds a list filter from query params: direction, user,
// search, since and until (RFC 3339).
func cdrFilter(r *http.Request) (database.CDRListFilter, string) {
	q := r.URL.Query()
	f := database.CDRListFilter{
		Direction: q.Get("direction"),
		User:      q.Get("user"),
		Search:    q.Get("search"),
	}
	if f.Direction != "" && f.Direction != "inbound" && f.Direction != "outbound" {
		return f, `direction must be "inbound" or "outbound"`
	}

	for _, p := range []struct {
		name string
		dst  *time.Time
	}{
		{"since", &f.Since},
		{"until", &f.Until},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, p.name + " must be an RFC 3339 timestamp"
		}
		*p.dst = t
	}
	return f, ""
}

func (s *Server) cdrsEnabled(w http.ResponseWriter) bool {
	if s.deps.CDRs == nil {
		writeError(w, http.StatusServiceUnavailable, "call records are not enabled")
		return false
	}
	return true
}

// handleListCDRs returns call records newest first with pagination.
func (s *Server) handleListCDRs(w http.ResponseWriter, r *http.Request) {
	if !s.cdrsEnabled(w) {
		return
	}
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter, errMsg := cdrFilter(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter.Limit, filter.Offset = pg.Limit, pg.Offset

	cdrs, total, err := s.deps.CDRs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list cdrs: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cdrs == nil {
		cdrs = []database.CDR{}
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  cdrs,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetCDR returns the latest record for a caller-side Call-ID.
func (s *Server) handleGetCDR(w http.ResponseWriter, r *http.Request) {
	if !s.cdrsEnabled(w) {
		return
	}
	callID := chi.URLParam(r, "callID")

	cdr, err := s.deps.CDRs.GetByCallID(r.Context(), callID)
	if err != nil {
		s.logger.Error("get cdr: failed to query", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cdr == nil {
		writeError(w, http.StatusNotFound, "cdr not found")
		return
	}
	writeJSON(w, http.StatusOK, cdr)
}

// handleExportCDRs streams matching records as CSV.
func (s *Server) handleExportCDRs(w http.ResponseWriter, r *http.Request) {
	if !s.cdrsEnabled(w) {
		return
	}
	filter, errMsg := cdrFilter(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter.Limit = maxExportRows

	cdrs, _, err := s.deps.CDRs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("export cdrs: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=cdrs.csv")

	cw := csv.NewWriter(w)
	cw.Write([]string{ //nolint:errcheck
		"Record ID", "Call-ID", "Direction", "From", "To", "User",
		"Start Time", "Answer Time", "End Time", "Duration", "Billable Duration",
		"Disposition", "Hangup Cause", "Media Engine",
	})
	for _, c := range cdrs {
		answer := ""
		if c.AnswerTime != nil {
			answer = c.AnswerTime.UTC().Format(time.RFC3339)
		}
		cw.Write([]string{ //nolint:errcheck
			c.RecordID, c.CallID, c.Direction, c.From, c.To, c.User,
			c.StartTime.UTC().Format(time.RFC3339), answer, c.EndTime.UTC().Format(time.RFC3339),
			strconv.Itoa(c.Duration), strconv.Itoa(c.BillableDur),
			c.Disposition, c.HangupCause, c.MediaEngine,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Error("export cdrs: csv write error", "error", err)
	}
}
