package dialog

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Direction is which side of the dialog this leg plays.
type Direction int

const (
	DirectionInbound  Direction = iota // we are UAS
	DirectionOutbound                  // we are UAC
)

// Dialog is one SIP dialog leg identified by (Call-ID, local-tag,
// remote-tag) — spec.md section 3. It does not know about the opposite
// leg; pairing two Dialogs into a bridged call is internal/b2bua's job.
type Dialog struct {
	CallID    string
	LocalTag  string
	RemoteTag string
	Direction Direction

	state atomic.Int32

	// ServerSession is set for inbound (UAS) dialogs once SendOK creates it.
	ServerSession *sipgo.DialogServerSession
	// ClientSession is set for outbound (UAC) dialogs.
	ClientSession *sipgo.DialogClientSession

	InviteRequest  *sip.Request
	InviteResponse *sip.Response
	ServerTx       sip.ServerTransaction
	ClientTx       sip.ClientTransaction

	RemoteContactURI sip.Uri
	RouteSet         []sip.Uri

	localCSeq atomic.Uint32

	reInviteInProgress atomic.Bool

	ctx             context.Context
	cancel          context.CancelFunc
	TerminateReason TerminateReason
}

// NewInboundDialog creates a Dialog for a freshly arrived INVITE (UAS
// side). State starts Initial; the caller drives it to Early via SendTrying.
func NewInboundDialog(req *sip.Request, tx sip.ServerTransaction) *Dialog {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dialog{
		CallID:        req.CallID().Value(),
		Direction:     DirectionInbound,
		InviteRequest: req,
		ServerTx:      tx,
		ctx:           ctx,
		cancel:        cancel,
	}
	if from := req.From(); from != nil && from.Params != nil {
		d.RemoteTag, _ = from.Params.Get("tag")
	}
	d.state.Store(int32(StateInitial))
	d.localCSeq.Store(1)
	return d
}

// NewOutboundDialog creates a Dialog for a B-leg INVITE this core
// originates (UAC side). State starts Confirmed only once 2xx+ACK
// complete; the manager drives the intermediate states.
func NewOutboundDialog(invite *sip.Request, localTag string) *Dialog {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dialog{
		CallID:        invite.CallID().Value(),
		Direction:     DirectionOutbound,
		LocalTag:      localTag,
		InviteRequest: invite,
		ctx:           ctx,
		cancel:        cancel,
	}
	d.state.Store(int32(StateInitial))
	d.localCSeq.Store(invite.CSeq().SeqNo)
	return d
}

func (d *Dialog) GetState() State {
	return State(d.state.Load())
}

// TransitionTo validates and applies a state transition.
func (d *Dialog) TransitionTo(next State) error {
	cur := d.GetState()
	if !cur.CanTransitionTo(next) {
		return fmt.Errorf("dialog %s: invalid transition %s -> %s", d.CallID, cur, next)
	}
	d.state.Store(int32(next))
	return nil
}

func (d *Dialog) IsTerminated() bool {
	return d.GetState().IsTerminal()
}

func (d *Dialog) Context() context.Context { return d.ctx }
func (d *Dialog) Cancel()                  { d.cancel() }

func (d *Dialog) NextCSeq() uint32 {
	return d.localCSeq.Add(1)
}

// TryBeginReINVITE CAS-guards against glare: only one re-INVITE may be in
// flight on this leg at a time (spec.md section 3 invariant iv).
func (d *Dialog) TryBeginReINVITE() bool {
	return d.reInviteInProgress.CompareAndSwap(false, true)
}

func (d *Dialog) CompleteReINVITE() {
	d.reInviteInProgress.Store(false)
}

func (d *Dialog) IsReINVITEInProgress() bool {
	return d.reInviteInProgress.Load()
}

// localURI/remoteURI pick the correct side of the original INVITE's
// From/To depending on which role this leg plays, mirroring the
// From/To swap an outbound UAC dialog needs relative to an inbound UAS one.
func (d *Dialog) localURI() sip.Uri {
	if d.Direction == DirectionInbound {
		return d.InviteRequest.To().Address
	}
	return d.InviteRequest.From().Address
}

func (d *Dialog) remoteURI() sip.Uri {
	if d.Direction == DirectionInbound {
		return d.InviteRequest.From().Address
	}
	return d.InviteRequest.To().Address
}

// BuildBYE constructs an in-dialog BYE from this leg's perspective.
func (d *Dialog) BuildBYE(localContact sip.Uri) *sip.Request {
	req := sip.NewRequest(sip.BYE, d.remoteTargetURI())
	d.populateDialogHeaders(req, localContact, sip.BYE)
	return req
}

// BuildReINVITE constructs an in-dialog re-INVITE carrying a new SDP body.
func (d *Dialog) BuildReINVITE(localContact sip.Uri, sdp []byte) *sip.Request {
	req := sip.NewRequest(sip.INVITE, d.remoteTargetURI())
	d.populateDialogHeaders(req, localContact, sip.INVITE)
	if len(sdp) > 0 {
		req.SetBody(sdp)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	return req
}

// BuildInDialogRequest constructs a generic in-dialog request (UPDATE,
// INFO, NOTIFY, MESSAGE) carrying an optional body, for mid-dialog traffic
// that isn't BYE or re-INVITE.
func (d *Dialog) BuildInDialogRequest(method sip.RequestMethod, localContact sip.Uri, body []byte, contentType string) *sip.Request {
	req := sip.NewRequest(method, d.remoteTargetURI())
	d.populateDialogHeaders(req, localContact, method)
	if len(body) > 0 {
		req.SetBody(body)
		if contentType != "" {
			req.AppendHeader(sip.NewHeader("Content-Type", contentType))
		}
	}
	return req
}

func (d *Dialog) remoteTargetURI() sip.Uri {
	if d.RemoteContactURI.Host != "" {
		return d.RemoteContactURI
	}
	return d.remoteURI()
}

func (d *Dialog) populateDialogHeaders(req *sip.Request, localContact sip.Uri, method sip.RequestMethod) {
	fromTag, toTag := d.LocalTag, d.RemoteTag
	localURI, remoteURI := d.localURI(), d.remoteURI()

	from := &sip.FromHeader{Address: localURI, Params: sip.NewParams()}
	from.Params.Add("tag", fromTag)
	to := &sip.ToHeader{Address: remoteURI, Params: sip.NewParams()}
	if toTag != "" {
		to.Params.Add("tag", toTag)
	}
	req.AppendHeader(from)
	req.AppendHeader(to)

	callID := sip.CallIDHeader(d.CallID)
	req.AppendHeader(&callID)

	cseq := &sip.CSeqHeader{SeqNo: d.NextCSeq(), MethodName: method}
	req.AppendHeader(cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.AppendHeader(&sip.ContactHeader{Address: localContact})

	for _, r := range d.RouteSet {
		req.AppendHeader(&sip.RouteHeader{Address: r})
	}
}
