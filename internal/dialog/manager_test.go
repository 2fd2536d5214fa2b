package dialog

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/nextwave-voice/b2bua/internal/store"
)

func newManagerForTest(t *testing.T) *Manager {
	t.Helper()
	return NewManager(nil, nil, 5*time.Second)
}

func TestCreateFromInviteRegistersAndDedupes(t *testing.T) {
	m := newManagerForTest(t)
	defer m.Close()

	req := newTestInboundRequest(t, "call-1", "tagA")
	d, err := m.CreateFromInvite(req, nil)
	if err != nil {
		t.Fatalf("CreateFromInvite() error = %v", err)
	}
	if d.CallID != "call-1" {
		t.Errorf("CallID = %q, want call-1", d.CallID)
	}

	again, err := m.CreateFromInvite(req, nil)
	if err != nil {
		t.Fatalf("CreateFromInvite() second call error = %v", err)
	}
	if again != d {
		t.Error("expected CreateFromInvite to return the same dialog for a retransmitted INVITE")
	}

	got, ok := m.Get("call-1")
	if !ok || got != d {
		t.Errorf("Get(call-1) = %v, %v, want %v, true", got, ok, d)
	}
}

func TestRegisterOutboundTracksUnderSharedCallID(t *testing.T) {
	m := newManagerForTest(t)
	defer m.Close()

	invite := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "trunk.example.com"})
	cid := sip.CallIDHeader("call-2")
	invite.AppendHeader(&cid)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	d := m.RegisterOutbound("call-2", invite, "b2bua-tag")

	got, ok := m.GetOutbound("call-2")
	if !ok || got != d {
		t.Errorf("GetOutbound(call-2) = %v, %v, want %v, true", got, ok, d)
	}
	if _, ok := m.Get("call-2"); ok {
		t.Error("expected no A-leg entry for an outbound-only Call-ID")
	}
}

// newInDialogRequest builds a request as the remote party of an
// established dialog would send it: its own tag in From, the local
// party's tag in To, per RFC 3261 section 12.
func newInDialogRequest(method sip.RequestMethod, callID, remoteTag, localTag string) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{Scheme: "sip", User: "b2bua", Host: "10.0.0.1"})

	from := &sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "trunk", Host: "trunk.example.com"}, Params: sip.NewParams()}
	from.Params.Add("tag", remoteTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: sip.Uri{Scheme: "sip", User: "b2bua", Host: "10.0.0.1"}, Params: sip.NewParams()}
	to.Params.Add("tag", localTag)
	req.AppendHeader(to)

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: method})
	return req
}

func TestResolveFindsBLegByToTag(t *testing.T) {
	m := newManagerForTest(t)
	defer m.Close()

	invite := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "trunk.example.com"})
	cid := sip.CallIDHeader("call-3")
	invite.AppendHeader(&cid)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	d := m.RegisterOutbound("call-3", invite, "b2bua-tag")
	d.RemoteTag = "trunk-tag"

	reinvite := newInDialogRequest(sip.INVITE, "call-3", "trunk-tag", "b2bua-tag")

	got, ok := m.Resolve(reinvite)
	if !ok {
		t.Fatal("Resolve() did not find the B-leg dialog by its To-tag")
	}
	if got != d {
		t.Error("Resolve() returned a different dialog than the registered B-leg")
	}
}

func TestResolveFindsALegByToTag(t *testing.T) {
	m := newManagerForTest(t)
	defer m.Close()

	req := newTestInboundRequest(t, "call-4", "caller-tag")
	d, err := m.CreateFromInvite(req, nil)
	if err != nil {
		t.Fatalf("CreateFromInvite() error = %v", err)
	}
	d.LocalTag = "b2bua-a-tag"

	bye := newInDialogRequest(sip.BYE, "call-4", "caller-tag", "b2bua-a-tag")

	got, ok := m.Resolve(bye)
	if !ok || got != d {
		t.Errorf("Resolve() = %v, %v, want %v, true", got, ok, d)
	}
}

func TestResolveMissesUnknownCallID(t *testing.T) {
	m := newManagerForTest(t)
	defer m.Close()

	req := newInDialogRequest(sip.BYE, "no-such-call", "tagX", "tagY")
	if _, ok := m.Resolve(req); ok {
		t.Error("Resolve() should not find a dialog for an unregistered Call-ID")
	}
}

// newWaitingACKDialog drives a freshly created A-leg dialog to
// StateWaitingACK the way SendOK would, without needing a real
// sip.ServerTransaction/sipgo.DialogServerSession in the loop.
func newWaitingACKDialog(t *testing.T, m *Manager, callID string) *Dialog {
	t.Helper()
	req := newTestInboundRequest(t, callID, "caller-tag")
	d, err := m.CreateFromInvite(req, nil)
	if err != nil {
		t.Fatalf("CreateFromInvite() error = %v", err)
	}
	if err := d.TransitionTo(StateEarly); err != nil {
		t.Fatalf("TransitionTo(Early) error = %v", err)
	}
	if err := d.TransitionTo(StateWaitingACK); err != nil {
		t.Fatalf("TransitionTo(WaitingACK) error = %v", err)
	}
	return d
}

func TestWatchACKTimeoutTerminatesDialogAfterDeadline(t *testing.T) {
	m := &Manager{ackTimeout: 10 * time.Millisecond}
	m.dialogs = store.NewTTLStoreWithEvict[string, *Dialog](cleanupInterval, nil)
	defer m.Close()

	d := newWaitingACKDialog(t, m, "call-ack-1")

	m.watchACKTimeout(d)

	if got := d.GetState(); got != StateTerminated {
		t.Errorf("GetState() = %v, want StateTerminated after ACK timeout", got)
	}
	if d.TerminateReason != ReasonTimeout {
		t.Errorf("TerminateReason = %v, want ReasonTimeout", d.TerminateReason)
	}
}

func TestWatchACKTimeoutNoopIfAlreadyConfirmed(t *testing.T) {
	m := &Manager{ackTimeout: 10 * time.Millisecond}
	m.dialogs = store.NewTTLStoreWithEvict[string, *Dialog](cleanupInterval, nil)
	defer m.Close()

	d := newWaitingACKDialog(t, m, "call-ack-2")
	if err := d.TransitionTo(StateConfirmed); err != nil {
		t.Fatalf("TransitionTo(Confirmed) error = %v", err)
	}

	m.watchACKTimeout(d)

	if got := d.GetState(); got != StateConfirmed {
		t.Errorf("GetState() = %v, want StateConfirmed (ACK timeout should be a no-op once confirmed)", got)
	}
}

func TestWatchACKTimeoutNoopIfDialogCancelled(t *testing.T) {
	m := &Manager{ackTimeout: time.Minute}
	m.dialogs = store.NewTTLStoreWithEvict[string, *Dialog](cleanupInterval, nil)
	defer m.Close()

	d := newWaitingACKDialog(t, m, "call-ack-3")
	d.Cancel()

	m.watchACKTimeout(d)

	if got := d.GetState(); got != StateWaitingACK {
		t.Errorf("GetState() = %v, want StateWaitingACK (cancellation should exit without terminating)", got)
	}
}

func TestConfirmWithACKTransitionsToConfirmed(t *testing.T) {
	m := newManagerForTest(t)
	defer m.Close()

	d := newWaitingACKDialog(t, m, "call-ack-4")

	ack := newInDialogRequest(sip.ACK, "call-ack-4", "caller-tag", d.LocalTag)
	if err := m.ConfirmWithACK(ack, nil); err != nil {
		t.Fatalf("ConfirmWithACK() error = %v", err)
	}
	if got := d.GetState(); got != StateConfirmed {
		t.Errorf("GetState() = %v, want StateConfirmed", got)
	}
}

func TestConfirmWithACKDuplicateIsNoop(t *testing.T) {
	m := newManagerForTest(t)
	defer m.Close()

	d := newWaitingACKDialog(t, m, "call-ack-5")
	ack := newInDialogRequest(sip.ACK, "call-ack-5", "caller-tag", d.LocalTag)
	if err := m.ConfirmWithACK(ack, nil); err != nil {
		t.Fatalf("first ConfirmWithACK() error = %v", err)
	}

	// A retransmitted/late ACK for an already-Confirmed leg must not error
	// or re-run the transition.
	if err := m.ConfirmWithACK(ack, nil); err != nil {
		t.Errorf("duplicate ConfirmWithACK() error = %v, want nil (no-op)", err)
	}
	if got := d.GetState(); got != StateConfirmed {
		t.Errorf("GetState() = %v, want StateConfirmed after duplicate ACK", got)
	}
}

func TestConfirmWithACKUnknownCallIsError(t *testing.T) {
	m := newManagerForTest(t)
	defer m.Close()

	ack := newInDialogRequest(sip.ACK, "no-such-call", "caller-tag", "some-tag")
	if err := m.ConfirmWithACK(ack, nil); err == nil {
		t.Error("expected ConfirmWithACK to error for an unknown Call-ID")
	}
}
