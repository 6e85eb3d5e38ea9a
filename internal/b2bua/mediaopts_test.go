package b2bua

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaProfile_Direction(t *testing.T) {
	p := MediaProfile{WebRTCInterface: "pub", SIPInterface: "priv"}
	assert.Equal(t, []string{"pub", "priv"}, p.Direction(DirectionOutbound))
	assert.Equal(t, []string{"priv", "pub"}, p.Direction(DirectionInbound))
	assert.Nil(t, MediaProfile{WebRTCInterface: "pub"}.Direction(DirectionInbound))
}

func TestMediaProfile_WebRTCCodecs(t *testing.T) {
	opts := MediaProfile{WebRTCCodecs: []string{"opus", "PCMU"}}.WebRTC()
	codec, ok := opts["codec"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"all"}, codec["strip"])
	assert.Equal(t, []string{"opus", "PCMU"}, codec["except"])

	_, ok = MediaProfile{}.WebRTC()["codec"]
	assert.False(t, ok)
}

func TestMediaOptions_LegShaping(t *testing.T) {
	tests := []struct {
		name      string
		dir       Direction
		uasWebRTC bool
	}{
		{"outbound caller is webrtc", DirectionOutbound, true},
		{"inbound caller is sip", DirectionInbound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMediaOptions("call", "from", tt.dir, MediaProfile{})
			assert.Equal(t, tt.uasWebRTC, isWebRTCFacing(m.uas.media))
			assert.Equal(t, !tt.uasWebRTC, isSIPFacing(m.uas.media))
			assert.Equal(t, tt.uasWebRTC, isSIPFacing(m.uac.media))
			assert.Same(t, &m.uas, m.leg(DialogUAS))
			assert.Same(t, &m.uac, m.leg(DialogUAC))
		})
	}
}

func TestMediaOptions_Commands(t *testing.T) {
	m := newMediaOptions("call", "from", DirectionOutbound, MediaProfile{WebRTCInterface: "pub", SIPInterface: "priv"})
	m.uac.tag = "to"

	offer := m.initialOffer([]byte("v=0"))
	assert.Equal(t, "call", offer["call-id"])
	assert.Equal(t, "from", offer["from-tag"])
	assert.Equal(t, "RTP/AVP", offer["transport-protocol"])
	assert.Equal(t, []string{"pub", "priv"}, offer["direction"])
	assert.Equal(t, []string{"origin", "session-connection"}, offer["replace"])

	answer := m.initialAnswer([]byte("v=0"))
	assert.Equal(t, "to", answer["to-tag"])
	assert.Equal(t, "UDP/TLS/RTP/SAVPF", answer["transport-protocol"])
	_, hasDirection := answer["direction"]
	assert.False(t, hasDirection)

	// Shared maps are never mutated by building a command.
	_, leaked := m.common["sdp"]
	assert.False(t, leaked)

	tagged := m.tagged()
	assert.Len(t, tagged, 2)
	assert.Equal(t, "from", tagged["from-tag"])
}
