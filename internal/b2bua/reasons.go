package b2bua

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

var reasonPhrases = map[int]string{
	200: "OK",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	491: "Request Pending",
	500: "Server Internal Error",
	503: "Service Unavailable",
}

// ReasonPhrase returns the standard reason phrase for a status code.
func ReasonPhrase(code int) string {
	if r, ok := reasonPhrases[code]; ok {
		return r
	}
	return ""
}

// respond sends a bodiless response.
func respond(tx Responder, req *sip.Request, code int) error {
	res := sip.NewResponseFromRequest(req, code, ReasonPhrase(code), nil)
	return tx.Respond(res)
}

// respondSDP sends a 200 OK carrying body as application/sdp.
func respondSDP(tx Responder, req *sip.Request, body []byte) error {
	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	return tx.Respond(res)
}

// trackingResponder remembers whether a final response went out.
type trackingResponder struct {
	Responder
	once  sync.Once
	final chan struct{}
}

func newTrackingResponder(tx Responder) *trackingResponder {
	return &trackingResponder{Responder: tx, final: make(chan struct{})}
}

func (t *trackingResponder) Respond(res *sip.Response) error {
	err := t.Responder.Respond(res)
	if err == nil && res.StatusCode >= 200 {
		t.once.Do(func() { close(t.final) })
	}
	return err
}

// Unwrap returns the underlying responder.
func (t *trackingResponder) Unwrap() Responder {
	return t.Responder
}

func (t *trackingResponder) finalSent() bool {
	select {
	case <-t.final:
		return true
	default:
		return false
	}
}
