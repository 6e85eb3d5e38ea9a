package sip

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// legTable indexes established legs by the dialog identifiers of incoming
// in-dialog requests: Call-ID plus our own tag, which the far side sends
// back in To.
type legTable struct {
	mu     sync.RWMutex
	legs   map[string]*leg
	logger *slog.Logger
}

func newLegTable(logger *slog.Logger) *legTable {
	return &legTable{
		legs:   make(map[string]*leg),
		logger: logger.With("subsystem", "legs"),
	}
}

func legKey(callID, localTag string) string {
	return callID + "\x00" + localTag
}

func (t *legTable) add(l *leg) {
	info := l.Info()
	t.mu.Lock()
	t.legs[legKey(info.CallID, info.LocalTag)] = l
	t.mu.Unlock()

	t.logger.Debug("leg added",
		"call_id", info.CallID,
		"local_tag", info.LocalTag,
		"type", l.Type(),
	)
}

func (t *legTable) remove(l *leg) {
	info := l.Info()
	key := legKey(info.CallID, info.LocalTag)

	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.legs[key]; ok && cur == l {
		delete(t.legs, key)
	}
}

// lookup finds the leg an in-dialog request belongs to.
func (t *legTable) lookup(req *sip.Request) *leg {
	cid := req.CallID()
	to := req.To()
	if cid == nil || to == nil {
		return nil
	}
	tag := paramTag(to.Params)
	if tag == "" {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.legs[legKey(cid.Value(), tag)]
}

func (t *legTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.legs)
}

// newTag returns a fresh dialog tag.
func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func paramTag(params sip.HeaderParams) string {
	if params == nil {
		return ""
	}
	tag, _ := params.Get("tag")
	return tag
}

// hasToTag reports whether req is sent within a dialog.
func hasToTag(req *sip.Request) bool {
	to := req.To()
	return to != nil && paramTag(to.Params) != ""
}

// setToTag adds our tag to a response's To header unless it has one.
func setToTag(res *sip.Response, tag string) {
	to := res.To()
	if to == nil || tag == "" {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	if _, ok := to.Params.Get("tag"); !ok {
		to.Params.Add("tag", tag)
	}
}

// transportOf returns the lowercased transport a request arrived on.
func transportOf(req *sip.Request) string {
	return strings.ToLower(req.Transport())
}

type headerGetter interface {
	GetHeaders(name string) []sip.Header
}

// recordRoutes returns the Record-Route URIs of msg in header order.
func recordRoutes(msg headerGetter) []sip.Uri {
	var out []sip.Uri
	for _, h := range msg.GetHeaders("Record-Route") {
		if rr, ok := h.(*sip.RecordRouteHeader); ok {
			out = append(out, rr.Address)
			continue
		}
		for _, v := range strings.Split(h.Value(), ",") {
			if uri, ok := parseNameAddr(v); ok {
				out = append(out, uri)
			}
		}
	}
	return out
}

func reverseURIs(uris []sip.Uri) []sip.Uri {
	out := make([]sip.Uri, len(uris))
	for i, u := range uris {
		out[len(uris)-1-i] = u
	}
	return out
}

// parseNameAddr parses "<sip:...>;params" or a bare URI.
func parseNameAddr(v string) (sip.Uri, bool) {
	v = strings.TrimSpace(v)
	if i := strings.Index(v, "<"); i >= 0 {
		if j := strings.Index(v[i:], ">"); j > 0 {
			v = v[i+1 : i+j]
		}
	}
	var uri sip.Uri
	if err := sip.ParseUri(v, &uri); err != nil {
		return sip.Uri{}, false
	}
	return uri, true
}

// buildACKFor2xx creates the ACK for a 2xx to an INVITE. The
// Request-URI is the response's Contact, falling back to the INVITE's
// Request-URI. An initial INVITE takes its route set from the response's
// Record-Route.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, recipient)
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	} else {
		for _, uri := range reverseURIs(recordRoutes(inviteResp)) {
			ack.AppendHeader(&sip.RouteHeader{Address: uri})
		}
	}

	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	if dest := inviteReq.Destination(); dest != "" {
		ack.SetDestination(dest)
	}
	return ack
}

// copyHeaders appends every header of req named in names (lowercased) to
// dst, skipping names the dialog layer sets itself.
func copyHeaders(dst interface{ AppendHeader(sip.Header) }, src headerGetter, names []string) {
	for _, name := range names {
		switch name {
		case "from", "to", "call-id", "cseq", "via", "contact", "content-type", "content-length", "max-forwards":
			continue
		}
		for _, h := range src.GetHeaders(name) {
			dst.AppendHeader(sip.NewHeader(h.Name(), h.Value()))
		}
	}
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
