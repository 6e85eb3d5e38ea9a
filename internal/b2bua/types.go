// Package b2bua implements the call-control core of the proxy: it classifies
// each new INVITE, drives the rtpengine offer/answer exchange for both legs,
// asks the signaling engine to create the linked far-side dialog, and then
// keeps the two dialogs and the media session consistent until the call
// ends. The SIP transport itself lives behind the Engine and Dialog
// interfaces.
package b2bua

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// Direction classifies a call relative to the WebRTC clients.
type Direction string

const (
	// DirectionInbound is a call towards a registered WebRTC user.
	DirectionInbound Direction = "inbound"

	// DirectionOutbound is a call from a WebRTC user towards the SIP side.
	DirectionOutbound Direction = "outbound"
)

// DialogType is the role a dialog plays in the B2BUA.
type DialogType string

const (
	DialogUAS DialogType = "uas"
	DialogUAC DialogType = "uac"
)

// DialogInfo identifies a dialog from our side.
type DialogInfo struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// EventKind enumerates what a dialog can report to its listener.
type EventKind int

const (
	EventDestroy EventKind = iota
	EventModify
	EventAck
	EventRefer
	EventInfo
	EventNotify
	EventOptions
	EventMessage
	EventSubscribe
)

var eventKindNames = map[EventKind]string{
	EventDestroy:   "destroy",
	EventModify:    "modify",
	EventAck:       "ack",
	EventRefer:     "refer",
	EventInfo:      "info",
	EventNotify:    "notify",
	EventOptions:   "options",
	EventMessage:   "message",
	EventSubscribe: "subscribe",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is delivered to a dialog's listener. Request and Tx are nil for
// EventDestroy; Tx is nil for EventAck.
type Event struct {
	Kind    EventKind
	Dialog  Dialog
	Request *sip.Request
	Tx      Responder
}

// Responder answers a server transaction. sip.ServerTransaction satisfies it.
type Responder interface {
	Respond(res *sip.Response) error
}

// OutRequest describes an in-dialog request to send on a Dialog. The
// dialog fills in the dialog-forming headers itself.
type OutRequest struct {
	Method  sip.RequestMethod
	Headers []sip.Header
	Body    []byte
}

// ModifyOptions controls a re-INVITE issued with Dialog.Modify.
type ModifyOptions struct {
	// NoAck withholds the ACK for the 2xx; the caller must invoke
	// ModifyResult.Ack exactly once.
	NoAck bool

	// Headers are extra headers added to the re-INVITE.
	Headers []sip.Header
}

// ModifyResult is the outcome of a successful re-INVITE.
type ModifyResult struct {
	// SDP is the body of the 2xx response.
	SDP []byte

	// Ack sends the withheld ACK, carrying sdp when non-empty. Nil unless
	// ModifyOptions.NoAck was set.
	Ack func(ctx context.Context, sdp []byte) error
}

// Dialog is one leg of a bridged call.
type Dialog interface {
	Type() DialogType
	Info() DialogInfo

	// Other returns the linked peer leg, or nil once unlinked.
	Other() Dialog
	SetOther(Dialog)

	// Listen attaches the event sink. Events that arrive before a sink is
	// attached are held and delivered on attach; a re-INVITE arriving
	// without a sink is rejected with 491. Listen(nil) detaches.
	Listen(fn func(Event))

	// Request sends an in-dialog request and returns its final response.
	Request(ctx context.Context, req OutRequest) (*sip.Response, error)

	// Modify sends a re-INVITE carrying sdp (empty for a late offer).
	Modify(ctx context.Context, sdp []byte, opts ModifyOptions) (*ModifyResult, error)

	// Destroy ends the dialog. It is safe to call more than once.
	Destroy(ctx context.Context) error
}

// Target is one destination for the far-side request.
type Target struct {
	URI sip.Uri

	// Destination overrides the address the request is sent to
	// (host:port), used to reach clients over their registered flow.
	Destination string

	// Transport is the lowercased transport to use, empty for default.
	Transport string
}

func (t Target) String() string {
	if t.Destination != "" {
		return t.URI.String() + " via " + t.Destination
	}
	return t.URI.String()
}

// Credentials answer digest challenges from a trunk.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LocalSDPFunc produces the SDP to answer the original caller with, given
// the far side's SDP and the response that carried it.
type LocalSDPFunc func(ctx context.Context, remoteSDP []byte, res *sip.Response) ([]byte, error)

// B2BUAOptions configures Engine.CreateB2BUA.
type B2BUAOptions struct {
	// Method is INVITE or SUBSCRIBE.
	Method sip.RequestMethod

	// Targets are rung in parallel; the first 2xx wins.
	Targets []Target

	// LateTargets, when non-nil, delivers additional targets to add to the
	// fan-out while it is still in progress.
	LateTargets <-chan Target

	// CallID and CSeq override the far-side request's values. An empty
	// CallID generates a fresh one.
	CallID string
	CSeq   uint32

	// LocalSDPB is the body for the far-side request.
	LocalSDPB []byte

	// LocalSDPA generates the SDP returned to the caller on success.
	// Nil relays the far side's body unchanged.
	LocalSDPA LocalSDPFunc

	// ProxyRequestHeaders and ProxyResponseHeaders are lowercased header
	// names copied from the caller's request to the far side, and from the
	// far side's responses back to the caller.
	ProxyRequestHeaders  []string
	ProxyResponseHeaders []string

	// Auth, when set, answers 401/407 from the far side instead of
	// relaying them to the caller.
	Auth *Credentials

	// OnRequestSent is invoked with each far-side request as it is sent,
	// including authenticated retries.
	OnRequestSent func(req *sip.Request)
}

// Engine is the SIP signaling layer the core drives.
type Engine interface {
	// CreateB2BUA answers req through tx once a far-side dialog is
	// established. It returns a *SipError when the far side (or the
	// caller, by cancelling) ends the attempt with a SIP status; the
	// caller has then already received a final response.
	CreateB2BUA(ctx context.Context, req *sip.Request, tx Responder, opts B2BUAOptions) (uas, uac Dialog, err error)

	// Send sends an out-of-dialog request and returns its final response.
	Send(ctx context.Context, req *sip.Request) (*sip.Response, error)
}

// SipError is a failure that carries a SIP status.
type SipError struct {
	Status   int
	Reason   string
	Response *sip.Response
}

func (e *SipError) Error() string {
	return fmt.Sprintf("sip error %d %s", e.Status, e.Reason)
}
