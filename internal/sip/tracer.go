package sip

import (
	"bytes"
	"log/slog"
	"strings"
	"sync/atomic"
)

// SIPLogVerbosity controls how much of each SIP message is traced.
type SIPLogVerbosity int32

const (
	SIPLogOff SIPLogVerbosity = iota
	SIPLogHeaders
	SIPLogFull
)

// ParseSIPLogVerbosity converts "off", "headers" or "full"; anything else
// is off.
func ParseSIPLogVerbosity(s string) SIPLogVerbosity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "headers":
		return SIPLogHeaders
	case "full":
		return SIPLogFull
	default:
		return SIPLogOff
	}
}

func (v SIPLogVerbosity) String() string {
	switch v {
	case SIPLogHeaders:
		return "headers"
	case SIPLogFull:
		return "full"
	default:
		return "off"
	}
}

// MessageTracer logs raw SIP traffic for both WebRTC and SIP-side legs.
// It satisfies sipgo's SIPTracer.
type MessageTracer struct {
	logger    *slog.Logger
	verbosity atomic.Int32
}

// NewMessageTracer creates a tracer at the given verbosity.
func NewMessageTracer(logger *slog.Logger, verbosity SIPLogVerbosity) *MessageTracer {
	t := &MessageTracer{logger: logger.With("subsystem", "tracer")}
	t.verbosity.Store(int32(verbosity))
	return t
}

// SetVerbosity changes the verbosity at runtime.
func (t *MessageTracer) SetVerbosity(v SIPLogVerbosity) {
	t.verbosity.Store(int32(v))
	t.logger.Info("sip tracing verbosity changed", "verbosity", v.String())
}

func (t *MessageTracer) Verbosity() SIPLogVerbosity {
	return SIPLogVerbosity(t.verbosity.Load())
}

func (t *MessageTracer) SIPTraceRead(transport string, laddr string, raddr string, sipmsg []byte) {
	t.trace("recv", transport, laddr, raddr, sipmsg)
}

func (t *MessageTracer) SIPTraceWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	t.trace("send", transport, laddr, raddr, sipmsg)
}

func (t *MessageTracer) trace(direction, transport, laddr, raddr string, sipmsg []byte) {
	v := t.Verbosity()
	if v == SIPLogOff {
		return
	}

	head, body := splitMessage(sipmsg)
	attrs := []any{
		"direction", direction,
		"transport", strings.ToLower(transport),
		"local_addr", laddr,
		"remote_addr", raddr,
		"start_line", startLine(head),
		"body_bytes", len(body),
	}
	msg := head
	if v == SIPLogFull {
		msg = sipmsg
	}
	attrs = append(attrs, "message", string(msg))

	t.logger.Debug("sip "+direction, attrs...)
}

// splitMessage separates the start line and headers from the body.
func splitMessage(sipmsg []byte) (head, body []byte) {
	if i := bytes.Index(sipmsg, []byte("\r\n\r\n")); i >= 0 {
		return sipmsg[:i], sipmsg[i+4:]
	}
	return sipmsg, nil
}

func startLine(head []byte) string {
	if i := bytes.IndexByte(head, '\r'); i >= 0 {
		return string(head[:i])
	}
	return string(head)
}
