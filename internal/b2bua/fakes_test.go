package b2bua

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/webrtcproxy/internal/registrar"
	"github.com/flowpbx/webrtcproxy/internal/rtpengine"
)

const (
	offerSDP = "v=0\r\no=- 1 1 IN IP4 192.0.2.10\r\ns=-\r\nc=IN IP4 192.0.2.10\r\nt=0 0\r\nm=audio 40000 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\na=ssrc:1 cname:x\r\n"
	answerSDP = "v=0\r\no=- 2 2 IN IP4 192.0.2.10\r\ns=-\r\nc=IN IP4 192.0.2.10\r\nt=0 0\r\nm=audio 40002 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\na=msid:stream track\r\n"
	callerSDP = "v=0\r\no=- 3 3 IN IP4 198.51.100.1\r\ns=-\r\nc=IN IP4 198.51.100.1\r\nt=0 0\r\nm=audio 5004 RTP/AVP 0\r\n"
	calleeSDP = "v=0\r\no=- 4 4 IN IP4 203.0.113.1\r\ns=-\r\nc=IN IP4 203.0.113.1\r\nt=0 0\r\nm=audio 6004 RTP/AVP 0\r\n"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMedia records every rtpengine command.
type fakeMedia struct {
	mu       sync.Mutex
	commands []string
	params   []rtpengine.Params
	offerErr error
}

func (m *fakeMedia) record(cmd string, p rtpengine.Params) {
	m.mu.Lock()
	m.commands = append(m.commands, cmd)
	m.params = append(m.params, p)
	m.mu.Unlock()
}

func (m *fakeMedia) count(cmd string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.commands {
		if c == cmd {
			n++
		}
	}
	return n
}

func (m *fakeMedia) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commands)
}

func (m *fakeMedia) last(cmd string) rtpengine.Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.commands) - 1; i >= 0; i-- {
		if m.commands[i] == cmd {
			return m.params[i]
		}
	}
	return nil
}

func (m *fakeMedia) Addr() string { return "127.0.0.1:22222" }

func (m *fakeMedia) Offer(_ context.Context, p rtpengine.Params) (rtpengine.Response, error) {
	m.record("offer", p)
	if m.offerErr != nil {
		return nil, m.offerErr
	}
	return rtpengine.Response{"result": "ok", "sdp": offerSDP}, nil
}

func (m *fakeMedia) Answer(_ context.Context, p rtpengine.Params) (rtpengine.Response, error) {
	m.record("answer", p)
	return rtpengine.Response{"result": "ok", "sdp": answerSDP}, nil
}

func (m *fakeMedia) ok(cmd string, p rtpengine.Params) (rtpengine.Response, error) {
	m.record(cmd, p)
	return rtpengine.Response{"result": "ok"}, nil
}

func (m *fakeMedia) Delete(_ context.Context, p rtpengine.Params) (rtpengine.Response, error) {
	return m.ok("delete", p)
}

func (m *fakeMedia) BlockMedia(_ context.Context, p rtpengine.Params) (rtpengine.Response, error) {
	return m.ok("block media", p)
}

func (m *fakeMedia) UnblockMedia(_ context.Context, p rtpengine.Params) (rtpengine.Response, error) {
	return m.ok("unblock media", p)
}

func (m *fakeMedia) BlockDTMF(_ context.Context, p rtpengine.Params) (rtpengine.Response, error) {
	return m.ok("block DTMF", p)
}

func (m *fakeMedia) UnblockDTMF(_ context.Context, p rtpengine.Params) (rtpengine.Response, error) {
	return m.ok("unblock DTMF", p)
}

func (m *fakeMedia) SubscribeDTMF(string, rtpengine.DTMFHandler) {}
func (m *fakeMedia) UnsubscribeDTMF(string)                      {}

// fakeResponder collects responses.
type fakeResponder struct {
	mu        sync.Mutex
	responses []*sip.Response
}

func (r *fakeResponder) Respond(res *sip.Response) error {
	r.mu.Lock()
	r.responses = append(r.responses, res)
	r.mu.Unlock()
	return nil
}

func (r *fakeResponder) statuses() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.responses))
	for _, res := range r.responses {
		out = append(out, res.StatusCode)
	}
	return out
}

func (r *fakeResponder) lastResponse() *sip.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.responses) == 0 {
		return nil
	}
	return r.responses[len(r.responses)-1]
}

// fakeDialog is a scripted leg.
type fakeDialog struct {
	typ  DialogType
	info DialogInfo

	mu        sync.Mutex
	other     Dialog
	listener  func(Event)
	requests  []OutRequest
	modifies  []ModifyOptions
	modSDPs   [][]byte
	acks      [][]byte
	destroyed int
	reply     *sip.Response
}

func (d *fakeDialog) Type() DialogType { return d.typ }
func (d *fakeDialog) Info() DialogInfo { return d.info }

func (d *fakeDialog) Other() Dialog {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.other
}

func (d *fakeDialog) SetOther(o Dialog) {
	d.mu.Lock()
	d.other = o
	d.mu.Unlock()
}

func (d *fakeDialog) Listen(fn func(Event)) {
	d.mu.Lock()
	d.listener = fn
	d.mu.Unlock()
}

func (d *fakeDialog) fire(ev Event) {
	d.mu.Lock()
	fn := d.listener
	d.mu.Unlock()
	ev.Dialog = d
	fn(ev)
}

func (d *fakeDialog) Request(_ context.Context, req OutRequest) (*sip.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if d.reply != nil {
		return d.reply, nil
	}
	return sip.NewResponse(200, "OK"), nil
}

func (d *fakeDialog) Modify(_ context.Context, sdp []byte, opts ModifyOptions) (*ModifyResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modifies = append(d.modifies, opts)
	d.modSDPs = append(d.modSDPs, sdp)
	res := &ModifyResult{SDP: []byte(calleeSDP)}
	if opts.NoAck {
		res.Ack = func(_ context.Context, sdp []byte) error {
			d.mu.Lock()
			d.acks = append(d.acks, sdp)
			d.mu.Unlock()
			return nil
		}
	}
	return res, nil
}

func (d *fakeDialog) Destroy(context.Context) error {
	d.mu.Lock()
	d.destroyed++
	d.mu.Unlock()
	return nil
}

func (d *fakeDialog) snapshot() (requests []OutRequest, modifies []ModifyOptions, acks [][]byte, destroyed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]OutRequest(nil), d.requests...),
		append([]ModifyOptions(nil), d.modifies...),
		append([][]byte(nil), d.acks...),
		d.destroyed
}

// fakeEngine answers CreateB2BUA from a script.
type fakeEngine struct {
	mu       sync.Mutex
	opts     []B2BUAOptions
	err      error
	sentReq  *sip.Request
	uas      *fakeDialog
	uac      *fakeDialog
	send     func(req *sip.Request) (*sip.Response, error)
	sendReqs []*sip.Request
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		uas: &fakeDialog{typ: DialogUAS, info: DialogInfo{CallID: "a-call", LocalTag: "uas-local", RemoteTag: "caller-tag"}},
		uac: &fakeDialog{typ: DialogUAC, info: DialogInfo{CallID: "b-call", LocalTag: "uac-local", RemoteTag: "callee-tag"}},
	}
}

func (e *fakeEngine) CreateB2BUA(ctx context.Context, req *sip.Request, tx Responder, opts B2BUAOptions) (Dialog, Dialog, error) {
	e.mu.Lock()
	e.opts = append(e.opts, opts)
	sent, failure := e.sentReq, e.err
	e.mu.Unlock()

	if sent != nil && opts.OnRequestSent != nil {
		opts.OnRequestSent(sent)
	}
	if failure != nil {
		return nil, nil, failure
	}

	remote := sip.NewResponseFromRequest(req, 200, "OK", []byte(calleeSDP))
	if to := remote.To(); to != nil {
		to.Params = sip.NewParams()
		to.Params.Add("tag", "callee-tag")
	}

	body := remote.Body()
	if opts.LocalSDPA != nil {
		var err error
		if body, err = opts.LocalSDPA(ctx, remote.Body(), remote); err != nil {
			return nil, nil, err
		}
	}
	if err := respondSDP(tx, req, body); err != nil {
		return nil, nil, err
	}
	return e.uas, e.uac, nil
}

func (e *fakeEngine) Send(_ context.Context, req *sip.Request) (*sip.Response, error) {
	e.mu.Lock()
	e.sendReqs = append(e.sendReqs, req)
	fn := e.send
	e.mu.Unlock()
	return fn(req)
}

func (e *fakeEngine) lastOpts() B2BUAOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts[len(e.opts)-1]
}

func (e *fakeEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.opts)
}

// harness wires a processor to the fakes.
type harness struct {
	proc      *Processor
	engine    *fakeEngine
	media     *fakeMedia
	directory *registrar.Directory
	cdr       *fakeCDR
}

type fakeCDR struct {
	mu      sync.Mutex
	records []CallRecord
}

func (c *fakeCDR) RecordCall(_ context.Context, rec CallRecord) error {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
	return nil
}

func (c *fakeCDR) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		engine:    newFakeEngine(),
		media:     &fakeMedia{},
		directory: registrar.NewDirectory(false, discardLogger()),
		cdr:       &fakeCDR{},
	}
	h.proc = NewProcessor(ProcessorConfig{
		Engine:     h.engine,
		Directory:  h.directory,
		Resolver:   NewResolver(h.directory, staticCredentials{}, false),
		Media:      func() (MediaControl, error) { return h.media, nil },
		CDR:        h.cdr,
		Advertised: AdvertisedAddr{Host: "proxy.invalid", Port: 5060},
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.proc.Start(ctx)
	return h
}

type staticCredentials map[string]Credentials

func (s staticCredentials) Lookup(host string) (string, string, bool) {
	c, ok := s[host]
	return c.Username, c.Password, ok
}

func mustURI(t *testing.T, s string) sip.Uri {
	t.Helper()
	var uri sip.Uri
	require.NoError(t, sip.ParseUri(s, &uri))
	return uri
}

// newInvite builds an INVITE from alice to target.
func newInvite(t *testing.T, target, callID string, body string) *sip.Request {
	t.Helper()
	req := sip.NewRequest(sip.INVITE, mustURI(t, target))

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "WSS",
		Host:            "client.invalid",
		Port:            443,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.AppendHeader(via)

	from := &sip.FromHeader{Address: mustURI(t, "sip:alice@example.com"), Params: sip.NewParams()}
	from.Params.Add("tag", "caller-tag")
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: mustURI(t, target), Params: sip.NewParams()}
	req.AppendHeader(to)

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	if body != "" {
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		req.SetBody([]byte(body))
	}
	return req
}

// inDialog builds an in-dialog request for events.
func inDialog(t *testing.T, method sip.RequestMethod, body string, headers ...sip.Header) *sip.Request {
	t.Helper()
	req := newInvite(t, "sip:bob@example.com", "a-call", "")
	req.Method = method
	req.CSeq().MethodName = method
	req.CSeq().SeqNo = 2
	for _, h := range headers {
		req.AppendHeader(h)
	}
	if body != "" {
		req.SetBody([]byte(body))
	}
	return req
}
