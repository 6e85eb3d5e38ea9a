package b2bua

import (
	"github.com/flowpbx/webrtcproxy/internal/rtpengine"
)

// MediaProfile holds the rtpengine characteristics for the two kinds of
// peer a leg can face.
type MediaProfile struct {
	// WebRTCCodecs, when non-empty, restricts the WebRTC-facing leg to
	// these codecs.
	WebRTCCodecs []string

	// WebRTCInterface and SIPInterface name the rtpengine interfaces used
	// for each side. Both must be set for a direction to be sent.
	WebRTCInterface string
	SIPInterface    string
}

// WebRTC returns the options for a leg facing a WebRTC client.
func (p MediaProfile) WebRTC() rtpengine.Params {
	opts := rtpengine.Params{
		"transport-protocol": "UDP/TLS/RTP/SAVPF",
		"ICE":                "force",
		"rtcp-mux":           []string{"require"},
	}
	if len(p.WebRTCCodecs) > 0 {
		opts["codec"] = map[string]any{
			"strip":  []string{"all"},
			"except": append([]string(nil), p.WebRTCCodecs...),
		}
	}
	return opts
}

// SIP returns the options for a leg facing a plain RTP endpoint.
func (p MediaProfile) SIP() rtpengine.Params {
	return rtpengine.Params{
		"transport-protocol": "RTP/AVP",
		"DTLS":               "off",
		"SDES":               "off",
		"ICE":                "remove",
		"rtcp-mux":           []string{"demux"},
	}
}

// Direction returns the rtpengine interface pair for a call, or nil when
// the interfaces are not configured.
func (p MediaProfile) Direction(dir Direction) []string {
	if p.WebRTCInterface == "" || p.SIPInterface == "" {
		return nil
	}
	if dir == DirectionOutbound {
		return []string{p.WebRTCInterface, p.SIPInterface}
	}
	return []string{p.SIPInterface, p.WebRTCInterface}
}

// legMedia is one leg's tag plus the characteristics of the peer it faces.
type legMedia struct {
	tag   string
	media rtpengine.Params
}

// mediaOptions tracks everything needed to address a call's rtpengine
// session from either leg.
type mediaOptions struct {
	common    rtpengine.Params
	direction []string
	uas       legMedia
	uac       legMedia
}

func newMediaOptions(callID, fromTag string, dir Direction, profile MediaProfile) *mediaOptions {
	m := &mediaOptions{
		common: rtpengine.Params{
			"call-id": callID,
			"replace": []string{"origin", "session-connection"},
		},
		direction: profile.Direction(dir),
	}
	m.uas.tag = fromTag

	// The UAS leg faces the caller: a WebRTC client for outbound calls.
	if dir == DirectionOutbound {
		m.uas.media = profile.WebRTC()
		m.uac.media = profile.SIP()
	} else {
		m.uas.media = profile.SIP()
		m.uac.media = profile.WebRTC()
	}
	return m
}

// initialOffer builds the offer for the caller's SDP, shaped for the far side.
func (m *mediaOptions) initialOffer(sdp []byte) rtpengine.Params {
	p := m.common.Clone().Merge(m.uac.media)
	p["from-tag"] = m.uas.tag
	p["sdp"] = string(sdp)
	if m.direction != nil {
		p["direction"] = append([]string(nil), m.direction...)
	}
	return p
}

// initialAnswer builds the answer for the far side's SDP, shaped for the caller.
func (m *mediaOptions) initialAnswer(sdp []byte) rtpengine.Params {
	p := m.common.Clone().Merge(m.uas.media)
	p["from-tag"] = m.uas.tag
	p["to-tag"] = m.uac.tag
	p["sdp"] = string(sdp)
	return p
}

// tagged returns the common options addressed by the caller's tag, used for
// delete and the side-channel commands.
func (m *mediaOptions) tagged() rtpengine.Params {
	p := rtpengine.Params{"call-id": m.common["call-id"]}
	if m.uas.tag != "" {
		p["from-tag"] = m.uas.tag
	}
	return p
}

// negotiate builds an offer or answer for sdp with explicit tags, shaped by
// media.
func (m *mediaOptions) negotiate(media rtpengine.Params, fromTag, toTag string, sdp []byte) rtpengine.Params {
	p := m.common.Clone().Merge(media)
	p["from-tag"] = fromTag
	p["to-tag"] = toTag
	p["sdp"] = string(sdp)
	return p
}

func (m *mediaOptions) leg(t DialogType) *legMedia {
	if t == DialogUAS {
		return &m.uas
	}
	return &m.uac
}

func isSIPFacing(media rtpengine.Params) bool {
	ice, _ := media["ICE"].(string)
	return ice == "remove"
}

func isWebRTCFacing(media rtpengine.Params) bool {
	ice, _ := media["ICE"].(string)
	return ice == "force"
}
