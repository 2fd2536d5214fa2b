package dialog

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func newTestInboundRequest(t *testing.T, callID, fromTag string) *sip.Request {
	t.Helper()
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"})

	from := &sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"}, Params: sip.NewParams()}
	from.Params.Add("tag", fromTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"}}
	req.AppendHeader(to)

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)

	return req
}

func TestNewInboundDialogInitialState(t *testing.T) {
	req := newTestInboundRequest(t, "call-1", "tagA")
	d := NewInboundDialog(req, nil)

	if got := d.GetState(); got != StateInitial {
		t.Errorf("GetState() = %v, want StateInitial", got)
	}
	if d.Direction != DirectionInbound {
		t.Errorf("Direction = %v, want DirectionInbound", d.Direction)
	}
	if d.RemoteTag != "tagA" {
		t.Errorf("RemoteTag = %q, want tagA", d.RemoteTag)
	}
	if d.CallID != "call-1" {
		t.Errorf("CallID = %q, want call-1", d.CallID)
	}
	if d.IsTerminated() {
		t.Error("freshly created dialog should not be terminated")
	}
}

func TestNewOutboundDialogSeedsCSeqFromInvite(t *testing.T) {
	invite := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"})
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 42, MethodName: sip.INVITE})
	cid := sip.CallIDHeader("call-2")
	invite.AppendHeader(&cid)

	d := NewOutboundDialog(invite, "tagB")

	if d.Direction != DirectionOutbound {
		t.Errorf("Direction = %v, want DirectionOutbound", d.Direction)
	}
	if d.LocalTag != "tagB" {
		t.Errorf("LocalTag = %q, want tagB", d.LocalTag)
	}
	if got := d.NextCSeq(); got != 43 {
		t.Errorf("NextCSeq() = %d, want 43 (seeded from invite CSeq 42)", got)
	}
}

func TestTransitionToEnforcesTable(t *testing.T) {
	req := newTestInboundRequest(t, "call-1", "tagA")
	d := NewInboundDialog(req, nil)

	if err := d.TransitionTo(StateEarly); err != nil {
		t.Fatalf("TransitionTo(Early) error = %v", err)
	}
	if err := d.TransitionTo(StateConfirmed); err == nil {
		t.Fatal("expected error transitioning Early -> Confirmed directly")
	}
	if err := d.TransitionTo(StateWaitingACK); err != nil {
		t.Fatalf("TransitionTo(WaitingACK) error = %v", err)
	}
	if err := d.TransitionTo(StateConfirmed); err != nil {
		t.Fatalf("TransitionTo(Confirmed) error = %v", err)
	}
}

func TestTryBeginReINVITEGuardsGlare(t *testing.T) {
	req := newTestInboundRequest(t, "call-1", "tagA")
	d := NewInboundDialog(req, nil)

	if !d.TryBeginReINVITE() {
		t.Fatal("first TryBeginReINVITE should succeed")
	}
	if d.TryBeginReINVITE() {
		t.Fatal("concurrent TryBeginReINVITE should fail while one is in progress")
	}
	if !d.IsReINVITEInProgress() {
		t.Error("IsReINVITEInProgress should report true while held")
	}

	d.CompleteReINVITE()

	if d.IsReINVITEInProgress() {
		t.Error("IsReINVITEInProgress should report false after CompleteReINVITE")
	}
	if !d.TryBeginReINVITE() {
		t.Fatal("TryBeginReINVITE should succeed again after completion")
	}
}

func TestBuildBYEPopulatesDialogHeaders(t *testing.T) {
	req := newTestInboundRequest(t, "call-1", "tagA")
	d := NewInboundDialog(req, nil)
	d.LocalTag = "tagLocal"

	localContact := sip.Uri{Scheme: "sip", User: "b2bua", Host: "10.0.0.1", Port: 5060}
	bye := d.BuildBYE(localContact)

	if bye.Method != sip.BYE {
		t.Errorf("Method = %v, want BYE", bye.Method)
	}
	from := bye.From()
	if from == nil || from.Params == nil {
		t.Fatal("BYE missing From header")
	}
	if tag, _ := from.Params.Get("tag"); tag != "tagLocal" {
		t.Errorf("From tag = %q, want tagLocal", tag)
	}
	to := bye.To()
	if to == nil {
		t.Fatal("BYE missing To header")
	}
	if tag, _ := to.Params.Get("tag"); tag != "tagA" {
		t.Errorf("To tag = %q, want tagA", tag)
	}
	if bye.CallID().Value() != "call-1" {
		t.Errorf("Call-ID = %q, want call-1", bye.CallID().Value())
	}
}

func TestBuildReINVITECarriesSDPBody(t *testing.T) {
	req := newTestInboundRequest(t, "call-1", "tagA")
	d := NewInboundDialog(req, nil)
	d.LocalTag = "tagLocal"

	localContact := sip.Uri{Scheme: "sip", User: "b2bua", Host: "10.0.0.1", Port: 5060}
	sdp := []byte("v=0\r\n")
	reinvite := d.BuildReINVITE(localContact, sdp)

	if reinvite.Method != sip.INVITE {
		t.Errorf("Method = %v, want INVITE", reinvite.Method)
	}
	if string(reinvite.Body()) != string(sdp) {
		t.Errorf("Body() = %q, want %q", reinvite.Body(), sdp)
	}
}

func TestBuildInDialogRequestCarriesBodyAndContentType(t *testing.T) {
	req := newTestInboundRequest(t, "call-1", "tagA")
	d := NewInboundDialog(req, nil)
	d.LocalTag = "tagLocal"

	localContact := sip.Uri{Scheme: "sip", User: "b2bua", Host: "10.0.0.1", Port: 5060}
	info := d.BuildInDialogRequest(sip.INFO, localContact, []byte("signal=1"), "application/dtmf-relay")

	if info.Method != sip.INFO {
		t.Errorf("Method = %v, want INFO", info.Method)
	}
	if string(info.Body()) != "signal=1" {
		t.Errorf("Body() = %q, want signal=1", info.Body())
	}
	ct := info.GetHeader("Content-Type")
	if ct == nil || ct.Value() != "application/dtmf-relay" {
		t.Errorf("Content-Type = %v, want application/dtmf-relay", ct)
	}
	if info.CallID().Value() != "call-1" {
		t.Errorf("Call-ID = %q, want call-1", info.CallID().Value())
	}
}

func TestBuildInDialogRequestWithoutBodyOmitsContentType(t *testing.T) {
	req := newTestInboundRequest(t, "call-1", "tagA")
	d := NewInboundDialog(req, nil)
	d.LocalTag = "tagLocal"

	localContact := sip.Uri{Scheme: "sip", User: "b2bua", Host: "10.0.0.1", Port: 5060}
	notify := d.BuildInDialogRequest(sip.NOTIFY, localContact, nil, "")

	if notify.Method != sip.NOTIFY {
		t.Errorf("Method = %v, want NOTIFY", notify.Method)
	}
	if len(notify.Body()) != 0 {
		t.Errorf("Body() = %q, want empty", notify.Body())
	}
	if ct := notify.GetHeader("Content-Type"); ct != nil {
		t.Errorf("Content-Type = %v, want none", ct)
	}
}

func TestNextCSeqIncrements(t *testing.T) {
	req := newTestInboundRequest(t, "call-1", "tagA")
	d := NewInboundDialog(req, nil)

	first := d.NextCSeq()
	second := d.NextCSeq()
	if second != first+1 {
		t.Errorf("NextCSeq() sequence = %d, %d, want consecutive", first, second)
	}
}
