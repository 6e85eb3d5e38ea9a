package sip

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/webrtcproxy/internal/b2bua"
)

const (
	farSDP         = "v=0\r\no=- 5 5 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 7004 RTP/AVP 0\r\n"
	trunkChallenge = `Digest realm="trunk.invalid", nonce="5f2a9c0d", algorithm=MD5`
	trunkUser      = "trunkuser"
	trunkPassword  = "s3cret"
)

// farEnd is a scripted SIP endpoint on the loopback interface.
type farEnd struct {
	addr string
	acks chan *sip.Request
}

func startFarEnd(t *testing.T, onInvite sipgo.RequestHandler) *farEnd {
	t.Helper()
	ua, err := sipgo.NewUA(sipgo.WithUserAgent("far-end"), sipgo.WithUserAgentHostname("127.0.0.1"))
	require.NoError(t, err)
	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(testLogger()))
	require.NoError(t, err)

	fe := &farEnd{acks: make(chan *sip.Request, 8)}
	srv.OnInvite(onInvite)
	srv.OnAck(func(req *sip.Request, _ sip.ServerTransaction) {
		fe.acks <- req
	})
	srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	})

	fe.addr = listenLoopback(t, srv, ua)
	return fe
}

func (fe *farEnd) target(t *testing.T) b2bua.Target {
	return b2bua.Target{
		URI:         mustURI(t, "sip:bob@"+fe.addr),
		Destination: fe.addr,
		Transport:   "udp",
	}
}

// waitAck returns the next ACK the endpoint received.
func (fe *farEnd) waitAck(t *testing.T) *sip.Request {
	t.Helper()
	select {
	case ack := <-fe.acks:
		return ack
	case <-time.After(3 * time.Second):
		t.Fatal("no ACK received")
		return nil
	}
}

// listenLoopback serves srv on an ephemeral UDP port and returns its
// address.
func listenLoopback(t *testing.T, srv *sipgo.Server, ua *sipgo.UserAgent) string {
	t.Helper()
	ready := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, sipgo.ListenReadyCtxKey, sipgo.ListenReadyFuncCtxValue(func(_ string, addr string) {
		ready <- addr
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ListenAndServe(ctx, "udp", "127.0.0.1:0")
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		ua.Close()
	})

	select {
	case addr := <-ready:
		return addr
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not start")
		return ""
	}
}

// newLoopbackEngine returns an engine whose client sends from a loopback
// listener, as the proxy does in production.
func newLoopbackEngine(t *testing.T) *Engine {
	t.Helper()
	ua, err := sipgo.NewUA(sipgo.WithUserAgent("webrtcproxy"), sipgo.WithUserAgentHostname("127.0.0.1"))
	require.NoError(t, err)
	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(testLogger()))
	require.NoError(t, err)
	addr := listenLoopback(t, srv, ua)

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(testLogger()),
		sipgo.WithClientHostname(host),
		sipgo.WithClientPort(port),
	)
	require.NoError(t, err)
	return NewEngine(client, host, map[string]int{"udp": port}, testLogger())
}

func farAnswer(req *sip.Request) *sip.Response {
	res := sip.NewResponseFromRequest(req, 200, "OK", []byte(farSDP))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	return res
}

// ringUntilCancelled answers 180 and holds the INVITE open. rang is closed
// once the 180 is out, cancelled when the CANCEL arrives.
func ringUntilCancelled(rang, cancelled chan struct{}) sipgo.RequestHandler {
	return func(req *sip.Request, tx sip.ServerTransaction) {
		tx.OnCancel(func(*sip.Request) { close(cancelled) })
		_ = tx.Respond(sip.NewResponseFromRequest(req, 180, "Ringing", nil))
		close(rang)
		select {
		case <-tx.Done():
		case <-time.After(5 * time.Second):
		}
	}
}

func inviteOptions(targets ...b2bua.Target) b2bua.B2BUAOptions {
	return b2bua.B2BUAOptions{
		Method:               sip.INVITE,
		Targets:              targets,
		LocalSDPB:            []byte(farSDP),
		ProxyResponseHeaders: []string{"www-authenticate"},
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal(what)
	}
}

func TestCreateB2BUA_AnswerCancelsRingingBranch(t *testing.T) {
	rang, cancelled := make(chan struct{}), make(chan struct{})
	ringing := startFarEnd(t, ringUntilCancelled(rang, cancelled))
	answering := startFarEnd(t, func(req *sip.Request, tx sip.ServerTransaction) {
		select {
		case <-rang:
		case <-time.After(2 * time.Second):
		}
		_ = tx.Respond(farAnswer(req))
	})

	e := newLoopbackEngine(t)
	caller := &recordingResponder{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	uas, uac, err := e.CreateB2BUA(ctx, newTestInvite(t, "fork-two"), caller, inviteOptions(ringing.target(t), answering.target(t)))
	require.NoError(t, err)
	require.NotNil(t, uas)

	assert.Equal(t, answering.addr, uac.(*leg).destination)
	statuses := caller.statuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, 200, statuses[len(statuses)-1])

	waitClosed(t, cancelled, "ringing branch was not cancelled")
	ack := answering.waitAck(t)
	assert.Equal(t, uac.Info().CallID, ack.CallID().Value())
}

func TestCreateB2BUA_LateTargetJoinsRingingCall(t *testing.T) {
	rang, cancelled := make(chan struct{}), make(chan struct{})
	ringing := startFarEnd(t, ringUntilCancelled(rang, cancelled))

	var lateInvites atomic.Int32
	lateEnd := startFarEnd(t, func(req *sip.Request, tx sip.ServerTransaction) {
		lateInvites.Add(1)
		_ = tx.Respond(farAnswer(req))
	})

	late := make(chan b2bua.Target, 1)
	lateTarget := lateEnd.target(t)
	go func() {
		select {
		case <-rang:
			late <- lateTarget
		case <-time.After(3 * time.Second):
		}
	}()

	e := newLoopbackEngine(t)
	opts := inviteOptions(ringing.target(t))
	opts.LateTargets = late
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, uac, err := e.CreateB2BUA(ctx, newTestInvite(t, "fork-late"), &recordingResponder{}, opts)
	require.NoError(t, err)

	assert.Equal(t, lateEnd.addr, uac.(*leg).destination)
	assert.Equal(t, int32(1), lateInvites.Load())
	waitClosed(t, cancelled, "first branch was not cancelled")
	lateEnd.waitAck(t)
}

// validDigest checks an Authorization value against trunkChallenge.
func validDigest(value, method string) bool {
	cred, err := digest.ParseCredentials(value)
	if err != nil || cred.Username != trunkUser {
		return false
	}
	chal, err := digest.ParseChallenge(trunkChallenge)
	if err != nil {
		return false
	}
	want, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      cred.URI,
		Username: trunkUser,
		Password: trunkPassword,
	})
	return err == nil && want.Response == cred.Response
}

// challengingTrunk answers INVITEs without valid credentials with 401.
// With acceptAuth unset it challenges every attempt.
func challengingTrunk(attempts *atomic.Int32, acceptAuth bool) sipgo.RequestHandler {
	return func(req *sip.Request, tx sip.ServerTransaction) {
		attempts.Add(1)
		if h := req.GetHeader("Authorization"); acceptAuth && h != nil && validDigest(h.Value(), "INVITE") {
			_ = tx.Respond(farAnswer(req))
			return
		}
		res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", trunkChallenge))
		_ = tx.Respond(res)
	}
}

func TestCreateB2BUA_AnswersDigestChallenge(t *testing.T) {
	var attempts atomic.Int32
	trunk := startFarEnd(t, challengingTrunk(&attempts, true))

	var sent []*sip.Request
	opts := inviteOptions(trunk.target(t))
	opts.Auth = &b2bua.Credentials{Username: trunkUser, Password: trunkPassword}
	opts.OnRequestSent = func(req *sip.Request) { sent = append(sent, req) }

	e := newLoopbackEngine(t)
	caller := &recordingResponder{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, uac, err := e.CreateB2BUA(ctx, newTestInvite(t, "fork-auth"), caller, opts)
	require.NoError(t, err)
	require.NotNil(t, uac)

	assert.Equal(t, int32(2), attempts.Load())
	assert.NotContains(t, caller.statuses(), 401)
	require.Len(t, sent, 2)
	assert.Nil(t, sent[0].GetHeader("Authorization"))
	require.NotNil(t, sent[1].GetHeader("Authorization"))
	assert.Equal(t, sent[0].CSeq().SeqNo+1, sent[1].CSeq().SeqNo)
	assert.Equal(t, sent[0].CallID().Value(), sent[1].CallID().Value())
	trunk.waitAck(t)
}

func TestCreateB2BUA_SecondChallengeIsRelayed(t *testing.T) {
	var attempts atomic.Int32
	trunk := startFarEnd(t, challengingTrunk(&attempts, false))

	opts := inviteOptions(trunk.target(t))
	opts.Auth = &b2bua.Credentials{Username: trunkUser, Password: "wrong"}

	e := newLoopbackEngine(t)
	caller := &recordingResponder{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := e.CreateB2BUA(ctx, newTestInvite(t, "fork-auth-fail"), caller, opts)
	var sipErr *b2bua.SipError
	require.True(t, errors.As(err, &sipErr))
	assert.Equal(t, 401, sipErr.Status)
	assert.Equal(t, int32(2), attempts.Load())

	require.Equal(t, []int{401}, caller.statuses())
	assert.NotNil(t, caller.responses[0].GetHeader("WWW-Authenticate"))
}

func TestLegModify_NoAckWithholdsAck(t *testing.T) {
	reinvites := make(chan *sip.Request, 1)
	callee := startFarEnd(t, func(req *sip.Request, tx sip.ServerTransaction) {
		if hasToTag(req) {
			reinvites <- req
		}
		_ = tx.Respond(farAnswer(req))
	})

	e := newLoopbackEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, uac, err := e.CreateB2BUA(ctx, newTestInvite(t, "modify-noack"), &recordingResponder{}, inviteOptions(callee.target(t)))
	require.NoError(t, err)
	callee.waitAck(t)

	res, err := uac.Modify(ctx, nil, b2bua.ModifyOptions{NoAck: true})
	require.NoError(t, err)
	require.NotNil(t, res.Ack)
	assert.Equal(t, farSDP, string(res.SDP))

	var reinvite *sip.Request
	select {
	case reinvite = <-reinvites:
	case <-time.After(time.Second):
		t.Fatal("re-INVITE not received")
	}
	assert.Empty(t, reinvite.Body())

	select {
	case <-callee.acks:
		t.Fatal("ACK sent before Ack was called")
	case <-time.After(300 * time.Millisecond):
	}

	answer := []byte(farSDP)
	require.NoError(t, res.Ack(ctx, answer))
	ack := callee.waitAck(t)
	assert.Equal(t, reinvite.CSeq().SeqNo, ack.CSeq().SeqNo)
	assert.Equal(t, sip.ACK, ack.CSeq().MethodName)
	assert.Equal(t, farSDP, string(ack.Body()))

	// Only the first call sends.
	require.NoError(t, res.Ack(ctx, answer))
	select {
	case <-callee.acks:
		t.Fatal("second ACK sent")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSetupContext_EndsWhenCallerCancels(t *testing.T) {
	setupEnded := make(chan bool, 1)
	proxy := startFarEnd(t, func(req *sip.Request, tx sip.ServerTransaction) {
		ctx, cancel := setupContext(context.Background(), tx)
		defer cancel()
		_ = tx.Respond(sip.NewResponseFromRequest(req, 180, "Ringing", nil))
		select {
		case <-ctx.Done():
			setupEnded <- true
		case <-time.After(5 * time.Second):
			setupEnded <- false
		}
	})

	e := newLoopbackEngine(t)
	caller := &recordingResponder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The caller gives up once it hears ringing.
	go func() {
		deadline := time.After(3 * time.Second)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-deadline:
				return
			case <-ticker.C:
				for _, code := range caller.statuses() {
					if code == 180 {
						cancel()
						return
					}
				}
			}
		}
	}()

	_, _, err := e.CreateB2BUA(ctx, newTestInvite(t, "setup-cancel"), caller, inviteOptions(proxy.target(t)))
	var sipErr *b2bua.SipError
	require.True(t, errors.As(err, &sipErr))
	assert.Equal(t, 487, sipErr.Status)

	select {
	case ended := <-setupEnded:
		assert.True(t, ended, "setup context outlived the CANCEL")
	case <-time.After(6 * time.Second):
		t.Fatal("INVITE handler did not finish")
	}
}
