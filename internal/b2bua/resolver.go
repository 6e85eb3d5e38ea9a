package b2bua

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/webrtcproxy/internal/registrar"
)

// ErrUnroutable is returned for a call to an unknown user that arrived on
// a transport we do not forward from.
var ErrUnroutable = errors.New("b2bua: no registered user and source transport not trusted")

// CredentialStore finds trunk credentials by trunk host.
type CredentialStore interface {
	Lookup(host string) (username, password string, ok bool)
}

// Route is the outcome of classifying an initial INVITE.
type Route struct {
	Direction Direction
	Targets   []Target

	// User is the registered user an inbound call is for.
	User string

	// Auth is set when the destination trunk has stored credentials.
	Auth *Credentials
}

// Resolver classifies calls as inbound or outbound and finds where to send
// them.
type Resolver struct {
	directory   *registrar.Directory
	credentials CredentialStore
	simring     bool
}

// NewResolver creates a resolver. credentials may be nil.
func NewResolver(directory *registrar.Directory, credentials CredentialStore, simring bool) *Resolver {
	return &Resolver{directory: directory, credentials: credentials, simring: simring}
}

// Simring reports whether inbound calls ring every flow.
func (r *Resolver) Simring() bool {
	return r.simring
}

// Resolve classifies req. transport is the lowercased transport the request
// arrived on.
func (r *Resolver) Resolve(req *sip.Request, transport string) (*Route, error) {
	user := req.Recipient.User
	host := req.Recipient.Host

	if user != "" && r.directory.HasUser(user) {
		flows := r.directory.GetFlows(user)
		if !r.simring && len(flows) > 1 {
			flows = []registrar.Flow{latestFlow(flows)}
		}

		route := &Route{Direction: DirectionInbound, User: user}
		for _, f := range flows {
			t, err := flowTarget(f)
			if err != nil {
				return nil, fmt.Errorf("flow for %s: %w", user, err)
			}
			route.Targets = append(route.Targets, t)
		}
		if len(route.Targets) == 0 {
			return nil, ErrUnroutable
		}
		return route, nil
	}

	if strings.EqualFold(transport, "udp") {
		return nil, ErrUnroutable
	}

	route := &Route{
		Direction: DirectionOutbound,
		Targets:   []Target{{URI: *req.Recipient.Clone()}},
	}
	if r.credentials != nil {
		if username, password, ok := r.credentials.Lookup(host); ok {
			route.Auth = &Credentials{Username: username, Password: password}
		}
	}
	return route, nil
}

// flowTarget turns a registered flow into a target that reuses the
// client's connection.
func flowTarget(f registrar.Flow) (Target, error) {
	var uri sip.Uri
	if err := sip.ParseUri(f.URI, &uri); err != nil {
		return Target{}, fmt.Errorf("parsing contact %q: %w", f.URI, err)
	}
	t := Target{URI: uri, Transport: f.Transport}
	if f.SourceAddress != "" && f.SourcePort > 0 {
		t.Destination = net.JoinHostPort(f.SourceAddress, strconv.Itoa(f.SourcePort))
	}
	return t, nil
}

// latestFlow returns the most recently registered or refreshed flow. Ties go
// to the later entry.
func latestFlow(flows []registrar.Flow) registrar.Flow {
	latest := flows[0]
	for _, f := range flows[1:] {
		if !f.RegisteredAt.Before(latest.RegisteredAt) {
			latest = f
		}
	}
	return latest
}
