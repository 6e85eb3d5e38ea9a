package b2bua

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/webrtcproxy/internal/rtpengine"
)

// pendingAck is a late-offer re-INVITE waiting for the sender's ACK.
type pendingAck struct {
	dialog Dialog
	peer   Dialog
	ack    func(ctx context.Context, sdp []byte) error
	timer  *time.Timer
}

// lateOfferAckTimeout bounds the wait for the ACK of a late-offer
// re-INVITE, SIP timer H.
var lateOfferAckTimeout = sip.Timer_H

var replacesPattern = regexp.MustCompile(`Replaces=([^&>]*)`)

// Headers never copied onto a relayed in-dialog request.
var immutableHeaders = map[string]bool{
	"via":            true,
	"from":           true,
	"to":             true,
	"call-id":        true,
	"cseq":           true,
	"max-forwards":   true,
	"content-length": true,
	"contact":        true,
	"route":          true,
	"record-route":   true,
}

// handleModify processes a re-INVITE from ev.Dialog.
func (s *Session) handleModify(ctx context.Context, ev Event) {
	if !s.fsm.Can(evReinvite) {
		s.logger.Info("re-invite while another is in progress", "state", s.fsm.Current())
		if err := respond(ev.Tx, ev.Request, 491); err != nil {
			s.logger.Error("failed to send 491", "error", err)
		}
		return
	}
	s.transition(ctx, evReinvite)

	if len(ev.Request.Body()) == 0 {
		s.lateOffer(ctx, ev)
		return
	}

	dlg := ev.Dialog
	peer := s.peerOf(dlg)
	own := s.opts.leg(dlg.Type()).media
	peerMedia := s.opts.leg(peer.Type()).media
	fromTag, toTag := s.tagFor(dlg), s.tagFor(peer)

	fail := func(msg string, err error) {
		s.logger.Error(msg, "leg", string(dlg.Type()), "error", err)
		if rerr := respond(ev.Tx, ev.Request, 488); rerr != nil {
			s.logger.Error("failed to send 488", "error", rerr)
		}
		s.transition(ctx, evReinviteDone)
	}

	offer, err := s.media.Offer(ctx, s.opts.negotiate(peerMedia, fromTag, toTag, ev.Request.Body()))
	if err != nil {
		fail("re-invite offer failed", err)
		return
	}
	sdp, err := s.shapeFor(peerMedia, offer)
	if err != nil {
		fail("re-invite offer sdp invalid", err)
		return
	}

	res, err := peer.Modify(ctx, sdp, ModifyOptions{})
	if err != nil {
		fail("re-invite towards peer failed", err)
		return
	}

	answer, err := s.media.Answer(ctx, s.opts.negotiate(own, fromTag, toTag, res.SDP))
	if err != nil {
		fail("re-invite answer failed", err)
		return
	}
	sdp, err = s.shapeFor(own, answer)
	if err != nil {
		fail("re-invite answer sdp invalid", err)
		return
	}

	if err := respondSDP(ev.Tx, ev.Request, sdp); err != nil {
		s.logger.Error("failed to answer re-invite", "error", err)
	}
	s.transition(ctx, evReinviteDone)
	s.logger.Info("re-invite completed", "leg", string(dlg.Type()))
}

// lateOffer handles a re-INVITE without a body: the peer is asked for an
// offer, its ACK is withheld, and the exchange completes on the sender's ACK.
func (s *Session) lateOffer(ctx context.Context, ev Event) {
	dlg := ev.Dialog
	peer := s.peerOf(dlg)
	own := s.opts.leg(dlg.Type()).media

	res, err := peer.Modify(ctx, nil, ModifyOptions{NoAck: true})
	if err != nil {
		s.logger.Error("late-offer re-invite towards peer failed", "error", err)
		_ = respond(ev.Tx, ev.Request, 488)
		s.transition(ctx, evReinviteDone)
		return
	}

	abort := func(msg string, err error) {
		s.logger.Error(msg, "error", err)
		if res.Ack != nil {
			if aerr := res.Ack(ctx, nil); aerr != nil {
				s.logger.Warn("failed to ack peer after late-offer failure", "error", aerr)
			}
		}
		_ = respond(ev.Tx, ev.Request, 488)
		s.transition(ctx, evReinviteDone)
	}

	offer, err := s.media.Offer(ctx, s.opts.negotiate(own, s.tagFor(peer), s.tagFor(dlg), res.SDP))
	if err != nil {
		abort("late-offer offer failed", err)
		return
	}
	sdp, err := s.shapeFor(own, offer)
	if err != nil {
		abort("late-offer offer sdp invalid", err)
		return
	}

	if err := respondSDP(ev.Tx, ev.Request, sdp); err != nil {
		abort("failed to answer late-offer re-invite", err)
		return
	}

	pa := &pendingAck{dialog: dlg, peer: peer, ack: res.Ack}
	pa.timer = time.AfterFunc(lateOfferAckTimeout, func() { s.expireAck(pa) })
	s.pendingAck = pa
	s.logger.Debug("late-offer re-invite awaiting ack", "leg", string(dlg.Type()))
}

// expireAck gives up on a late-offer ACK that never arrived. The peer is
// acked without SDP so later re-INVITEs are accepted again.
func (s *Session) expireAck(pa *pendingAck) {
	err := s.do(s.p.baseContext(), func(ctx context.Context) error {
		if s.pendingAck != pa {
			return nil
		}
		s.pendingAck = nil
		s.logger.Warn("late-offer ack timed out", "leg", string(pa.dialog.Type()))
		if err := pa.ack(ctx, nil); err != nil {
			s.logger.Error("failed to release peer ack", "error", err)
		}
		s.transition(ctx, evReinviteDone)
		return nil
	})
	if err != nil && !errors.Is(err, ErrSessionEnded) {
		s.logger.Debug("late-offer ack expiry skipped", "error", err)
	}
}

// handleAck completes a pending late-offer exchange.
func (s *Session) handleAck(ctx context.Context, ev Event) {
	pa := s.pendingAck
	if pa == nil || pa.dialog != ev.Dialog {
		return
	}
	s.pendingAck = nil
	pa.timer.Stop()
	defer s.transition(ctx, evReinviteDone)

	peerMedia := s.opts.leg(pa.peer.Type()).media
	var ackSDP []byte
	if ev.Request != nil {
		ackSDP = ev.Request.Body()
	}
	if len(ackSDP) == 0 {
		s.logger.Warn("late-offer ack carried no sdp")
		if err := pa.ack(ctx, nil); err != nil {
			s.logger.Error("failed to release peer ack", "error", err)
		}
		return
	}

	params := s.opts.negotiate(peerMedia, s.tagFor(pa.peer), s.tagFor(pa.dialog), ackSDP)
	if pa.dialog.Type() == DialogUAS && isWebRTCFacing(peerMedia) {
		params["DTLS"] = "passive"
	}

	var sdp []byte
	answer, err := s.media.Answer(ctx, params)
	if err == nil {
		sdp, err = s.shapeFor(peerMedia, answer)
	}
	if err != nil {
		s.logger.Error("late-offer answer failed", "error", err)
		sdp = nil
	}

	if err := pa.ack(ctx, sdp); err != nil {
		s.logger.Error("failed to release peer ack", "error", err)
		return
	}
	s.logger.Info("late-offer re-invite completed", "leg", string(pa.dialog.Type()))
}

// shapeFor returns the SDP of res, stripped of WebRTC attributes when media
// faces a SIP endpoint.
func (s *Session) shapeFor(media rtpengine.Params, res rtpengine.Response) ([]byte, error) {
	sdp := []byte(res.SDP())
	if isSIPFacing(media) {
		return StripWebRTCAttributes(sdp)
	}
	return sdp, nil
}

// handleRefer forwards a transfer to the peer, rewriting Replaces so it
// names the peer's own dialog.
func (s *Session) handleRefer(ctx context.Context, ev Event) {
	req := ev.Request
	referTo := req.GetHeader("Refer-To")
	if referTo == nil {
		_ = respond(ev.Tx, req, 400)
		return
	}

	value := referTo.Value()
	if m := replacesPattern.FindStringSubmatchIndex(value); m != nil {
		key := value[m[2]:m[3]]
		if peerKey, ok := s.p.registry.Lookup(key); ok {
			value = value[:m[2]] + peerKey + value[m[3]:]
			s.logger.Debug("rewrote replaces for transfer")
		} else {
			s.logger.Warn("transfer names an unknown dialog", "replaces", key)
		}
	}

	headers := []sip.Header{sip.NewHeader("Refer-To", value)}
	for _, name := range []string{"Referred-By", "Authorization"} {
		if h := req.GetHeader(name); h != nil {
			headers = append(headers, sip.NewHeader(name, h.Value()))
		}
	}

	peer := s.peerOf(ev.Dialog)
	res, err := peer.Request(ctx, OutRequest{Method: sip.REFER, Headers: headers})
	if err != nil {
		s.logger.Error("forwarding refer failed", "error", err)
		_ = respond(ev.Tx, req, 500)
		return
	}

	out := sip.NewResponseFromRequest(req, res.StatusCode, res.Reason, nil)
	if res.StatusCode == 401 {
		if h := res.GetHeader("WWW-Authenticate"); h != nil {
			out.AppendHeader(sip.NewHeader("WWW-Authenticate", h.Value()))
		}
	}
	if err := ev.Tx.Respond(out); err != nil {
		s.logger.Error("failed to relay refer response", "error", err)
	}
	s.logger.Info("transfer forwarded", "status", res.StatusCode)
}

// handleInfo relays INFO bodies of the configured content types and
// answers everything else locally.
func (s *Session) handleInfo(ctx context.Context, ev Event) {
	if !s.p.relaysInfo(ev.Request) {
		if err := respond(ev.Tx, ev.Request, 200); err != nil {
			s.logger.Error("failed to answer info", "error", err)
		}
		return
	}
	s.relay(ctx, ev)
}

// relay forwards an in-dialog request to the peer and mirrors the answer.
func (s *Session) relay(ctx context.Context, ev Event) {
	relayRequest(ctx, s.logger, ev, s.peerOf(ev.Dialog))
}

// relayRequest sends ev's request on peer, copying every header a dialog
// does not own, and answers ev with the peer's status, Content-Type and body.
func relayRequest(ctx context.Context, logger *slog.Logger, ev Event, peer Dialog) {
	req := ev.Request
	var headers []sip.Header
	for _, h := range req.Headers() {
		if immutableHeaders[strings.ToLower(h.Name())] {
			continue
		}
		headers = append(headers, sip.HeaderClone(h))
	}

	res, err := peer.Request(ctx, OutRequest{Method: req.Method, Headers: headers, Body: req.Body()})
	if err != nil {
		logger.Warn("relaying in-dialog request failed", "method", string(req.Method), "error", err)
		_ = respond(ev.Tx, req, 500)
		return
	}

	out := sip.NewResponseFromRequest(req, res.StatusCode, res.Reason, res.Body())
	if ct := res.ContentType(); ct != nil && len(res.Body()) > 0 {
		out.AppendHeader(sip.NewHeader("Content-Type", ct.Value()))
	}
	if err := ev.Tx.Respond(out); err != nil {
		logger.Error("failed to relay response", "method", string(req.Method), "error", err)
	}
}

// Hangup ends the call from the admin API.
func (s *Session) Hangup(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		s.terminate(ctx, nil, CauseAdminHangup)
		return nil
	})
}

// MediaAction is a side-channel rtpengine command run against a call.
type MediaAction string

const (
	ActionBlockMedia   MediaAction = "block-media"
	ActionUnblockMedia MediaAction = "unblock-media"
	ActionBlockDTMF    MediaAction = "block-dtmf"
	ActionUnblockDTMF  MediaAction = "unblock-dtmf"
)

// ErrUnknownAction is returned for an unrecognised MediaAction.
var ErrUnknownAction = errors.New("b2bua: unknown media action")

// ApplyMediaAction runs action against the call's rtpengine session.
func (s *Session) ApplyMediaAction(ctx context.Context, action MediaAction) error {
	var cmd func(context.Context, rtpengine.Params) (rtpengine.Response, error)
	switch action {
	case ActionBlockMedia:
		cmd = s.media.BlockMedia
	case ActionUnblockMedia:
		cmd = s.media.UnblockMedia
	case ActionBlockDTMF:
		cmd = s.media.BlockDTMF
	case ActionUnblockDTMF:
		cmd = s.media.UnblockDTMF
	default:
		return ErrUnknownAction
	}

	return s.do(ctx, func(ctx context.Context) error {
		_, err := cmd(ctx, s.opts.tagged())
		if err != nil {
			return err
		}
		s.logger.Info("media action applied", "action", string(action))
		return nil
	})
}
