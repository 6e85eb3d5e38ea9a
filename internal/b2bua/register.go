package b2bua

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/flowpbx/webrtcproxy/internal/registrar"
)

const defaultRegisterExpires = 3600

// ErrInvalidRegister is returned for a REGISTER the proxy will not forward.
var ErrInvalidRegister = errors.New("b2bua: invalid register")

var transportParam = regexp.MustCompile(`(?i);transport=[^;>?]*`)

// validateRegister requires exactly one non-wildcard Contact and a From user.
func validateRegister(req *sip.Request) error {
	contacts := req.GetHeaders("Contact")
	if len(contacts) != 1 {
		return ErrInvalidRegister
	}
	if strings.TrimSpace(contacts[0].Value()) == "*" {
		return ErrInvalidRegister
	}
	if req.Contact() == nil {
		return ErrInvalidRegister
	}
	if from := req.From(); from == nil || from.Address.User == "" {
		return ErrInvalidRegister
	}
	return nil
}

// requestedExpires reads the expiry from the Contact, then the Expires
// header, defaulting to an hour.
func requestedExpires(req *sip.Request) int {
	if c := req.Contact(); c != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && n >= 0 {
			return n
		}
	}
	return defaultRegisterExpires
}

// grantedExpires reads the expiry the registrar granted, falling back to
// what was asked for.
func grantedExpires(res *sip.Response, requested int) int {
	if c := res.Contact(); c != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
	}
	if h := res.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && n >= 0 {
			return n
		}
	}
	return requested
}

// HandleRegister proxies a client REGISTER to the registrar named by its
// Request-URI and keeps the directory in step with the result. source is
// the client's host:port and transport the lowercased transport.
func (p *Processor) HandleRegister(ctx context.Context, req *sip.Request, tx Responder, source, transport string) {
	p.stats.registers.Add(1)

	if err := validateRegister(req); err != nil {
		p.logger.Info("rejecting register", "source", source, "error", err)
		p.reject(req, tx, 503)
		return
	}

	aCallID := req.CallID().Value()
	user := req.From().Address.User
	contact := req.Contact()
	expires := requestedExpires(req)
	logger := p.logger.With("call_id", aCallID, "user", user)

	up := p.upstreamRegister(req, aCallID, user, expires)

	res, err := p.engine.Send(ctx, up)
	if err != nil {
		logger.Error("forwarding register failed", "error", err)
		p.reject(req, tx, 503)
		return
	}

	granted := grantedExpires(res, expires)
	out := sip.NewResponseFromRequest(req, res.StatusCode, res.Reason, nil)
	for _, name := range []string{"WWW-Authenticate", "Proxy-Authenticate"} {
		if h := res.GetHeader(name); h != nil {
			out.AppendHeader(sip.NewHeader(name, h.Value()))
		}
	}
	if res.StatusCode == 200 {
		c := contact.Clone()
		if c.Params == nil {
			c.Params = sip.NewParams()
		}
		c.Params.Add("expires", strconv.Itoa(granted))
		out.AppendHeader(c)
	}
	if err := tx.Respond(out); err != nil {
		logger.Error("failed to relay register response", "error", err)
	}

	switch {
	case res.StatusCode == 200 && granted > 0:
		flow := registrar.Flow{
			URI:       transportParam.ReplaceAllString(contact.Address.String(), ""),
			Transport: viaTransport(req, transport),
			Expires:   granted,
			ExpiresAt: time.Now().Add(time.Duration(granted) * time.Second),
			AOR:       addressOfRecord(req),
		}
		flow.InstanceID, _ = contact.Params.Get("+sip.instance")
		flow.RegID, _ = contact.Params.Get("reg-id")
		if host, port, err := net.SplitHostPort(source); err == nil {
			flow.SourceAddress = host
			flow.SourcePort, _ = strconv.Atoi(port)
		}
		p.directory.AddFlow(user, flow)

		if !p.directory.HasTransaction(aCallID) {
			p.directory.AddTransaction(transactionFromRequest(aCallID, up))
		}
		logger.Info("registered", "expires", granted, "transport", flow.Transport)

	case res.StatusCode == 200:
		instance, _ := contact.Params.Get("+sip.instance")
		if instance == "" {
			p.directory.RemoveUser(user)
		} else {
			regID, _ := contact.Params.Get("reg-id")
			p.directory.RemoveFlow(user, registrar.FlowKey{InstanceID: instance, RegID: regID})
		}
		p.directory.RemoveTransaction(aCallID)
		logger.Info("unregistered")

	case res.StatusCode == 401 || res.StatusCode == 407:
		p.directory.AddTransaction(transactionFromRequest(aCallID, up))
		logger.Debug("register challenged", "status", res.StatusCode)

	default:
		logger.Info("register rejected by registrar", "status", res.StatusCode)
	}
}

// upstreamRegister builds the REGISTER sent to the registrar.
func (p *Processor) upstreamRegister(req *sip.Request, aCallID, user string, expires int) *sip.Request {
	up := sip.NewRequest(sip.REGISTER, *req.Recipient.Clone())

	callID, seq := uuid.NewString(), uint32(1)
	if next, cseq, ok := p.directory.GetNextCallIDAndCSeq(aCallID); ok {
		if n, valid := registrar.CSeqNumber(cseq); valid {
			callID, seq = next, n
		}
	}
	callIDHdr := sip.CallIDHeader(callID)
	up.AppendHeader(&callIDHdr)
	up.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.REGISTER})

	if h := req.From(); h != nil {
		up.AppendHeader(sip.HeaderClone(h))
	}
	if h := req.To(); h != nil {
		up.AppendHeader(sip.HeaderClone(h))
	}
	for _, name := range []string{"Authorization", "Supported", "Allow", "User-Agent"} {
		if h := req.GetHeader(name); h != nil {
			up.AppendHeader(sip.NewHeader(name, h.Value()))
		}
	}

	contact := "<sip:" + user + "@" + net.JoinHostPort(p.advertised.Host, strconv.Itoa(p.advertised.Port)) + ">;expires=" + strconv.Itoa(expires)
	up.AppendHeader(sip.NewHeader("Contact", contact))
	return up
}

func transactionFromRequest(aCallID string, req *sip.Request) registrar.Transaction {
	tx := registrar.Transaction{ACallID: aCallID}
	if h := req.CallID(); h != nil {
		tx.BCallID = h.Value()
	}
	if h := req.CSeq(); h != nil {
		tx.BCSeq = strconv.FormatUint(uint64(h.SeqNo), 10) + " " + string(h.MethodName)
	}
	return tx
}

// viaTransport returns the lowercased transport of the topmost Via, or
// fallback when there is none.
func viaTransport(req *sip.Request, fallback string) string {
	if via := req.Via(); via != nil && via.Transport != "" {
		return strings.ToLower(via.Transport)
	}
	return strings.ToLower(fallback)
}

func addressOfRecord(req *sip.Request) string {
	to := req.To()
	if to == nil {
		return ""
	}
	return "sip:" + to.Address.User + "@" + to.Address.Host
}
