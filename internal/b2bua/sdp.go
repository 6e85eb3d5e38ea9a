package b2bua

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// webrtcOnlyAttributes are dropped from SDP sent to plain SIP endpoints.
var webrtcOnlyAttributes = map[string]bool{
	"ssrc":          true,
	"ssrc-group":    true,
	"msid":          true,
	"msid-semantic": true,
}

// StripWebRTCAttributes removes ssrc, ssrc-group and msid attributes at
// both session and media level. An empty body is returned unchanged.
func StripWebRTCAttributes(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}

	desc.Attributes = filterAttributes(desc.Attributes)
	for _, md := range desc.MediaDescriptions {
		md.Attributes = filterAttributes(md.Attributes)
	}

	out, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encoding sdp: %w", err)
	}
	return out, nil
}

func filterAttributes(attrs []sdp.Attribute) []sdp.Attribute {
	kept := attrs[:0]
	for _, a := range attrs {
		if webrtcOnlyAttributes[a.Key] {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}
