package b2bua

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/webrtcproxy/internal/registrar"
)

// newRegister builds a REGISTER from alice with a single contact.
func newRegister(t *testing.T, callID string, expires string) *sip.Request {
	t.Helper()
	req := sip.NewRequest(sip.REGISTER, mustURI(t, "sip:registrar.invalid"))

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

	from := &sip.FromHeader{Address: mustURI(t, "sip:alice@registrar.invalid"), Params: sip.NewParams()}
	from.Params.Add("tag", "reg-tag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: mustURI(t, "sip:alice@registrar.invalid"), Params: sip.NewParams()})

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})

	contact := &sip.ContactHeader{Address: mustURI(t, "sip:df7jal23@client.invalid;transport=ws"), Params: sip.NewParams()}
	contact.Params.Add("+sip.instance", "\"<urn:uuid:alice>\"")
	contact.Params.Add("reg-id", "1")
	if expires != "" {
		contact.Params.Add("expires", expires)
	}
	req.AppendHeader(contact)
	return req
}

func TestHandleRegister_StoresFlow(t *testing.T) {
	h := newHarness(t)
	h.engine.send = func(*sip.Request) (*sip.Response, error) {
		return sip.NewResponse(200, "OK"), nil
	}

	tx := &fakeResponder{}
	h.proc.HandleRegister(context.Background(), newRegister(t, "reg-1", "600"), tx, "203.0.113.9:40000", "wss")

	require.Equal(t, []int{200}, tx.statuses())
	contact := tx.lastResponse().Contact()
	require.NotNil(t, contact)
	granted, _ := contact.Params.Get("expires")
	assert.Equal(t, "600", granted)

	flows := h.directory.GetFlows("alice")
	require.Len(t, flows, 1)
	assert.Equal(t, "203.0.113.9", flows[0].SourceAddress)
	assert.Equal(t, 40000, flows[0].SourcePort)
	assert.Equal(t, "wss", flows[0].Transport)
	assert.Equal(t, "1", flows[0].RegID)
	assert.Equal(t, 600, flows[0].Expires)
	assert.NotContains(t, flows[0].URI, "transport")

	// The registrar sees the proxy as the contact.
	up := h.engine.sendReqs[0]
	assert.Contains(t, up.GetHeader("Contact").Value(), "@proxy.invalid:5060")
	assert.True(t, h.directory.HasTransaction("reg-1"))
}

func TestHandleRegister_RefreshReusesCallID(t *testing.T) {
	h := newHarness(t)
	h.engine.send = func(*sip.Request) (*sip.Response, error) {
		return sip.NewResponse(200, "OK"), nil
	}

	h.proc.HandleRegister(context.Background(), newRegister(t, "reg-2", "600"), &fakeResponder{}, "203.0.113.9:40000", "wss")
	h.proc.HandleRegister(context.Background(), newRegister(t, "reg-2", "600"), &fakeResponder{}, "203.0.113.9:40000", "wss")

	require.Len(t, h.engine.sendReqs, 2)
	first, second := h.engine.sendReqs[0], h.engine.sendReqs[1]
	assert.Equal(t, first.CallID().Value(), second.CallID().Value())
	assert.Equal(t, uint32(1), first.CSeq().SeqNo)
	assert.Equal(t, uint32(2), second.CSeq().SeqNo)
}

func TestHandleRegister_ChallengeRelayed(t *testing.T) {
	h := newHarness(t)
	h.engine.send = func(*sip.Request) (*sip.Response, error) {
		res := sip.NewResponse(401, "Unauthorized")
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="registrar.invalid", nonce="abc"`))
		return res, nil
	}

	tx := &fakeResponder{}
	h.proc.HandleRegister(context.Background(), newRegister(t, "reg-3", ""), tx, "203.0.113.9:40000", "wss")

	require.Equal(t, []int{401}, tx.statuses())
	auth := tx.lastResponse().GetHeader("WWW-Authenticate")
	require.NotNil(t, auth)
	assert.Contains(t, auth.Value(), `nonce="abc"`)
	assert.False(t, h.directory.HasUser("alice"))
	assert.True(t, h.directory.HasTransaction("reg-3"))
}

func TestHandleRegister_Unregister(t *testing.T) {
	h := newHarness(t)
	h.engine.send = func(*sip.Request) (*sip.Response, error) {
		return sip.NewResponse(200, "OK"), nil
	}

	h.proc.HandleRegister(context.Background(), newRegister(t, "reg-4", "600"), &fakeResponder{}, "203.0.113.9:40000", "wss")
	require.True(t, h.directory.HasUser("alice"))

	tx := &fakeResponder{}
	h.proc.HandleRegister(context.Background(), newRegister(t, "reg-4", "0"), tx, "203.0.113.9:40000", "wss")

	assert.Equal(t, []int{200}, tx.statuses())
	assert.False(t, h.directory.HasUser("alice"))
	assert.False(t, h.directory.HasTransaction("reg-4"))
}

func TestHandleRegister_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, req *sip.Request)
	}{
		{
			name: "wildcard contact",
			mutate: func(t *testing.T, req *sip.Request) {
				req.RemoveHeader("Contact")
				req.AppendHeader(sip.NewHeader("Contact", "*"))
			},
		},
		{
			name: "two contacts",
			mutate: func(t *testing.T, req *sip.Request) {
				req.AppendHeader(&sip.ContactHeader{Address: mustURI(t, "sip:other@client.invalid")})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := newRegister(t, "reg-bad", "600")
			tt.mutate(t, req)

			tx := &fakeResponder{}
			h.proc.HandleRegister(context.Background(), req, tx, "203.0.113.9:40000", "wss")

			assert.Equal(t, []int{503}, tx.statuses())
			assert.Empty(t, h.engine.sendReqs)
		})
	}
}

func TestHandleSubscribe_UnregisteredRejected(t *testing.T) {
	h := newHarness(t)

	req := newInvite(t, "sip:bob@example.com", "sub-1", "")
	req.Method = sip.SUBSCRIBE
	tx := &fakeResponder{}
	h.proc.HandleSubscribe(context.Background(), req, tx)

	assert.Equal(t, []int{503}, tx.statuses())
	assert.Equal(t, 0, h.engine.calls())
}

func TestHandleSubscribe_RelaysUntilTerminated(t *testing.T) {
	h := newHarness(t)
	h.directory.AddFlow("alice", registrar.Flow{URI: "sip:alice@client.invalid", Transport: "wss"})

	req := newInvite(t, "sip:bob@example.com", "sub-2", "")
	req.Method = sip.SUBSCRIBE
	req.AppendHeader(sip.NewHeader("Event", "presence"))
	h.proc.HandleSubscribe(context.Background(), req, &fakeResponder{})

	require.Equal(t, 1, h.engine.calls())
	assert.Equal(t, sip.SUBSCRIBE, h.engine.lastOpts().Method)
	assert.Equal(t, int64(1), h.proc.Stats().SubscribesTotal)

	notify := inDialog(t, sip.NOTIFY, "", sip.NewHeader("Subscription-State", "terminated;reason=timeout"))
	tx := &fakeResponder{}
	h.engine.uac.fire(Event{Kind: EventNotify, Request: notify, Tx: tx})

	require.Eventually(t, func() bool {
		_, _, _, destroyed := h.engine.uas.snapshot()
		return destroyed == 1
	}, 2*time.Second, 10*time.Millisecond)

	requests, _, _, _ := h.engine.uas.snapshot()
	require.Len(t, requests, 1)
	assert.Equal(t, sip.NOTIFY, requests[0].Method)
	assert.Equal(t, []int{200}, tx.statuses())

	_, _, _, uacDestroyed := h.engine.uac.snapshot()
	assert.Equal(t, 1, uacDestroyed)
}
