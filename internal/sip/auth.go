package sip

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/flowpbx/webrtcproxy/internal/b2bua"
)

// isChallenge reports whether res asks for digest credentials.
func isChallenge(res *sip.Response) bool {
	return res.StatusCode == 401 || res.StatusCode == 407
}

// authorizeRequest answers the digest challenge in res and returns a copy
// of req carrying the credentials. The copy has no Via; send it with
// ClientRequestAddVia and ClientRequestIncreaseCSEQ.
func authorizeRequest(req *sip.Request, res *sip.Response, creds *b2bua.Credentials) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	hdr := res.GetHeader(authHeader)
	if hdr == nil {
		return nil, fmt.Errorf("%d without %s header", res.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.RemoveHeader(authzHeader)
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	authReq.SetTransport(req.Transport())
	if dest := req.Destination(); dest != "" {
		authReq.SetDestination(dest)
	}
	return authReq, nil
}
