package b2bua

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/nextwave-voice/b2bua/internal/dialog"
	"github.com/nextwave-voice/b2bua/internal/events"
	"github.com/nextwave-voice/b2bua/internal/logger"
	"github.com/nextwave-voice/b2bua/internal/media"
	"github.com/nextwave-voice/b2bua/internal/metrics"
	"github.com/nextwave-voice/b2bua/internal/nat"
	"github.com/nextwave-voice/b2bua/internal/sdpcodec"
)

// actionQueueDepth bounds how many pending actions a single Call's
// serializer goroutine will buffer before a caller blocks enqueueing one.
const actionQueueDepth = 16

// Call pairs an A-leg and a B-leg dialog.Dialog into one bridged session,
// per spec.md section 4.6. All state mutation happens on a single
// goroutine (run), so SIP events arriving concurrently from both legs'
// transactions never race against each other.
type Call struct {
	ID string

	legA *Leg
	legB *Leg

	state       CallState
	disposition Disposition

	createdAt time.Time

	dialogMgr  *dialog.Manager
	mediaMgr   *media.Manager
	classifier *nat.Classifier
	bus        *events.Bus
	evb        *events.Builder

	localContact func() sip.Uri
	dialTimeout  time.Duration

	actions chan func()
	done    chan struct{}
}

func newCall(callID string, dialogMgr *dialog.Manager, mediaMgr *media.Manager, classifier *nat.Classifier, bus *events.Bus, evb *events.Builder, localContact func() sip.Uri, dialTimeout time.Duration) *Call {
	c := &Call{
		ID:           callID,
		state:        StateInitiating,
		createdAt:    time.Now(),
		dialogMgr:    dialogMgr,
		mediaMgr:     mediaMgr,
		classifier:   classifier,
		bus:          bus,
		evb:          evb,
		localContact: localContact,
		dialTimeout:  dialTimeout,
		actions:      make(chan func(), actionQueueDepth),
		done:         make(chan struct{}),
	}
	go c.run()
	return c
}

// NewInboundCall creates a Call for a freshly admitted A-leg dialog and
// registers it with reg. The caller must then invoke HandleInvite to
// drive the admission sequence.
func NewInboundCall(reg *Registry, d *dialog.Dialog, dialogMgr *dialog.Manager, mediaMgr *media.Manager, classifier *nat.Classifier, bus *events.Bus, evb *events.Builder, localContact func() sip.Uri, dialTimeout time.Duration) *Call {
	c := newCall(d.CallID, dialogMgr, mediaMgr, classifier, bus, evb, localContact, dialTimeout)
	c.legA = newLeg(RoleA, d)
	if reg != nil {
		reg.Put(c)
	}
	metrics.ActiveCalls.Inc()
	return c
}

// run is the Call's serializer: every exported method funnels its work
// through here so that a re-INVITE racing a BYE, or a CANCEL racing a
// 200 OK, is resolved by ordering rather than locking.
func (c *Call) run() {
	for {
		select {
		case fn := <-c.actions:
			fn()
		case <-c.done:
			// Drain remaining actions so no caller is left blocked on a
			// full channel, then exit.
			for {
				select {
				case fn := <-c.actions:
					fn()
				default:
					return
				}
			}
		}
	}
}

// do enqueues fn to run on the Call's serializer goroutine and blocks
// until it has run.
func (c *Call) do(fn func()) {
	reply := make(chan struct{})
	select {
	case c.actions <- func() { fn(); close(reply) }:
		<-reply
	case <-c.done:
	}
}

func (c *Call) stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Call) publish(ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

// HandleInvite drives the A-leg admission sequence of spec.md section 4.6:
// NAT detect/rewrite the inbound offer, allocate the A-leg relay ports,
// resolve the target AoR, build and originate the B-leg INVITE, and relay
// provisional responses back while waiting for an answer or timeout.
func (c *Call) HandleInvite(ctx context.Context, target *sip.ContactHeader, resolveErr error) {
	var result error
	c.do(func() {
		result = c.handleInviteLocked(ctx, target, resolveErr)
	})
	if result != nil {
		logger.Warn("b2bua: call failed", "call_id", c.ID, "error", result)
	}
}

func (c *Call) handleInviteLocked(ctx context.Context, target *sip.ContactHeader, resolveErr error) error {
	d := c.legA.Dialog

	if decrementMaxForwards(d.InviteRequest) == 0 {
		c.reject(d, sip.StatusCode(483), "Too Many Hops")
		c.finish(DispositionError, "LOOP_DETECTED")
		return ErrLoopDetected
	}

	if resolveErr != nil {
		c.reject(d, sip.StatusCode(404), "Not Found")
		c.finish(DispositionRejected, "NOT_FOUND")
		return resolveErr
	}

	sourceHost, sourcePort, _ := nat.ParseSourceAddr(d.InviteRequest.Source())
	offerDoc, err := sdpcodec.Parse(d.InviteRequest.Body())
	if err != nil {
		c.reject(d, sip.StatusBadRequest, "Malformed SDP")
		c.finish(DispositionError, "BAD_SDP")
		return err
	}
	if c.classifier != nil && sourceHost != "" {
		c.classifier.RewriteSDPConnection(offerDoc, sourceHost)
	}

	fromTag := d.LocalTag
	if fromTag == "" {
		fromTag = uuid.New().String()[:8]
	}
	if err := c.mediaMgr.CreateOffer(ctx, c.ID, fromTag, offerDoc); err != nil {
		c.reject(d, sip.StatusCode(503), "Media Unavailable")
		c.finish(DispositionMediaUnavailable, "MEDIA_UNAVAILABLE")
		return err
	}
	relayedOffer, err := offerDoc.Marshal()
	if err != nil {
		c.reject(d, sip.StatusInternalServerError, "Internal Error")
		c.finish(DispositionError, "SDP_MARSHAL")
		return err
	}

	_ = c.dialogMgr.SendTrying(d)
	c.publish(c.evb.CallStarted(c.ID, d.InviteRequest.From().Address.String(), target.Address.String()))

	bInvite := c.buildBInvite(target, relayedOffer, sourceHost, sourcePort)
	localTag := bInvite.From().Params
	fromTagB, _ := localTag.Get("tag")
	legB := c.dialogMgr.RegisterOutbound(c.ID, bInvite, fromTagB)
	c.legB = newLeg(RoleB, legB)

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	res, err := c.dialogMgr.SendClientInvite(dialCtx, legB, func(prov *sip.Response) {
		c.publish(c.evb.CallRinging(c.ID, int(prov.StatusCode)))
		body := prov.Body()
		_ = c.dialogMgr.SendResponse(d, sip.StatusCode(prov.StatusCode), prov.Reason, body)
		c.transitionTo(StateRinging)
	})
	if err != nil {
		c.reject(d, sip.StatusCode(408), "No Answer")
		c.finish(DispositionNoAnswer, "NO_ANSWER")
		return err
	}

	if res.StatusCode >= 300 {
		c.reject(d, sip.StatusCode(res.StatusCode), res.Reason)
		c.finish(DispositionRejected, fmt.Sprintf("PEER_%d", res.StatusCode))
		return nil
	}

	if err := c.dialogMgr.ConfirmClientInvite(ctx, legB, res); err != nil {
		c.reject(d, sip.StatusInternalServerError, "Internal Error")
		c.finish(DispositionError, "ACK_FAILED")
		return err
	}

	answerDoc, err := sdpcodec.Parse(res.Body())
	if err != nil {
		c.terminateBoth(ctx, dialog.ReasonError)
		c.finish(DispositionError, "BAD_ANSWER_SDP")
		return err
	}
	bSourceHost, _, _ := nat.ParseSourceAddr(res.Source())
	if c.classifier != nil && bSourceHost != "" {
		c.classifier.RewriteSDPConnection(answerDoc, bSourceHost)
	}
	if err := c.mediaMgr.CreateAnswer(ctx, c.ID, fromTag, fromTagB, answerDoc); err != nil {
		c.terminateBoth(ctx, dialog.ReasonError)
		c.finish(DispositionMediaUnavailable, "MEDIA_UNAVAILABLE")
		return err
	}
	relayedAnswer, err := answerDoc.Marshal()
	if err != nil {
		c.terminateBoth(ctx, dialog.ReasonError)
		c.finish(DispositionError, "SDP_MARSHAL")
		return err
	}

	if err := c.dialogMgr.SendOK(d, relayedAnswer); err != nil {
		c.terminateBoth(ctx, dialog.ReasonError)
		c.finish(DispositionError, "SEND_OK_FAILED")
		return err
	}

	c.transitionTo(StateConnected)
	c.publish(c.evb.CallAnswered(c.ID))
	return nil
}

func (c *Call) buildBInvite(target *sip.ContactHeader, sdpBody []byte, sourceHost string, sourcePort int) *sip.Request {
	d := c.legA.Dialog
	invite := sip.NewRequest(sip.INVITE, target.Address)

	maxFwd := sip.MaxForwardsHeader(decrementMaxForwards(d.InviteRequest))
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.New().String()[:8])
	invite.AppendHeader(&sip.FromHeader{
		DisplayName: d.InviteRequest.From().DisplayName,
		Address:     d.InviteRequest.From().Address,
		Params:      fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{Address: target.Address, Params: sip.NewParams()})

	callID := sip.CallIDHeader(c.ID)
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: c.localContact()})
	invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	invite.SetBody(sdpBody)

	_ = sourceHost
	_ = sourcePort
	return invite
}

// HandleBye forwards a BYE received on one leg to the opposite leg and
// ends the Call.
func (c *Call) HandleBye(ctx context.Context, role LegRole) {
	c.do(func() {
		other := c.legB
		if role == RoleB {
			other = c.legA
		}
		if other != nil && other.Dialog.GetState() == dialog.StateConfirmed {
			_ = c.dialogMgr.Terminate(ctx, other.Dialog, c.localContact(), dialog.ReasonRemoteBYE)
		}
		c.mediaMgr.Delete(ctx, c.ID)
		c.finish(DispositionNormalClearing, "NORMAL")
	})
}

// HandleCancelPostAnswer tears a Call down as a BYE rather than a 487 when
// a CANCEL arrives after the far leg has already answered (spec.md
// section 4.6's CANCEL/2xx race resolution).
func (c *Call) HandleCancelPostAnswer(ctx context.Context, role LegRole) {
	c.do(func() {
		other := c.legB
		if role == RoleB {
			other = c.legA
		}
		if other != nil && other.Dialog.GetState() == dialog.StateConfirmed {
			_ = c.dialogMgr.Terminate(ctx, other.Dialog, c.localContact(), dialog.ReasonRemoteBYE)
		}
		c.mediaMgr.Delete(ctx, c.ID)
		c.finish(DispositionCallerCancel, "CALLER_CANCEL_POST_ANSWER")
	})
}

// HandleCancel aborts the B-leg dial attempt (A-leg hung up before answer).
func (c *Call) HandleCancel(ctx context.Context) {
	c.do(func() {
		if c.legB != nil && c.legB.Dialog.ClientTx != nil {
			cancel := buildCancelRequest(c.legB.Dialog.InviteRequest)
			if err := c.dialogMgr.SendCancel(ctx, cancel); err != nil {
				logger.Warn("b2bua: failed to send CANCEL to B-leg", "call_id", c.ID, "error", err)
			}
		}
		c.mediaMgr.Delete(ctx, c.ID)
		c.finish(DispositionCallerCancel, "CALLER_CANCEL")
	})
}

// HandleReinvite forwards a mid-dialog re-INVITE arriving on one leg to
// the opposite leg's dialog.Manager.SendReINVITE, relaying the new answer
// back to the originating leg, per spec.md section 4.6's mid-call
// renegotiation path. A re-INVITE colliding with one already outbound on
// the far leg is rejected 491 (spec.md section 3 invariant iv glare rule).
func (c *Call) HandleReinvite(ctx context.Context, role LegRole, req *sip.Request, tx sip.ServerTransaction) {
	c.do(func() {
		c.handleReinviteLocked(ctx, role, req, tx)
	})
}

func (c *Call) handleReinviteLocked(ctx context.Context, role LegRole, req *sip.Request, tx sip.ServerTransaction) {
	near, far := c.legA, c.legB
	nearLabel, farLabel := "A", "B"
	if role == RoleB {
		near, far = c.legB, c.legA
		nearLabel, farLabel = "B", "A"
	}
	if near == nil || far == nil || far.Dialog.GetState() != dialog.StateConfirmed {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call Leg/Transaction Does Not Exist", nil))
		return
	}

	if !far.Dialog.TryBeginReINVITE() {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(491), "Request Pending", nil))
		return
	}

	offerDoc, err := sdpcodec.Parse(req.Body())
	if err != nil {
		far.Dialog.CompleteReINVITE()
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Malformed SDP", nil))
		return
	}

	sourceHost, _, _ := nat.ParseSourceAddr(req.Source())
	if c.classifier != nil && sourceHost != "" {
		c.classifier.RewriteSDPConnection(offerDoc, sourceHost)
	}

	if err := c.mediaMgr.Renegotiate(ctx, c.ID, nearLabel, offerDoc); err != nil {
		far.Dialog.CompleteReINVITE()
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(488), "Not Acceptable Here", nil))
		return
	}
	relayedOffer, err := offerDoc.Marshal()
	if err != nil {
		far.Dialog.CompleteReINVITE()
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Internal Error", nil))
		return
	}

	res, err := c.dialogMgr.SendReINVITE(ctx, far.Dialog, c.localContact(), relayedOffer)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(503), "Service Unavailable", nil))
		return
	}
	if res.StatusCode >= 300 {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(res.StatusCode), res.Reason, nil))
		return
	}

	answerDoc, err := sdpcodec.Parse(res.Body())
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Internal Error", nil))
		return
	}
	farSourceHost, _, _ := nat.ParseSourceAddr(res.Source())
	if c.classifier != nil && farSourceHost != "" {
		c.classifier.RewriteSDPConnection(answerDoc, farSourceHost)
	}
	if err := c.mediaMgr.Renegotiate(ctx, c.ID, farLabel, answerDoc); err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Internal Error", nil))
		return
	}
	relayedAnswer, err := answerDoc.Marshal()
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Internal Error", nil))
		return
	}

	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", relayedAnswer)
	ok.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	_ = tx.Respond(ok)
}

// HandleMidDialogRequest forwards a non-re-INVITE in-dialog request (UPDATE,
// INFO, NOTIFY or MESSAGE) to the opposite leg verbatim and relays back
// whatever final response it gets, per spec.md section 4.6's mid-call
// passthrough methods. An UPDATE carrying SDP is relayed the same way; it
// does not renegotiate the relay session.
func (c *Call) HandleMidDialogRequest(ctx context.Context, role LegRole, req *sip.Request, tx sip.ServerTransaction) {
	c.do(func() {
		far := c.legB
		if role == RoleB {
			far = c.legA
		}
		if far == nil || far.Dialog.GetState() != dialog.StateConfirmed {
			_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call Leg/Transaction Does Not Exist", nil))
			return
		}

		contentType := ""
		if ct := req.GetHeader("Content-Type"); ct != nil {
			contentType = ct.Value()
		}
		out := far.Dialog.BuildInDialogRequest(req.Method, c.localContact(), req.Body(), contentType)

		res, err := c.dialogMgr.SendInDialogRequest(ctx, out)
		if err != nil {
			_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(503), "Service Unavailable", nil))
			return
		}
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(res.StatusCode), res.Reason, res.Body()))
	})
}

func (c *Call) reject(d *dialog.Dialog, code sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(d.InviteRequest, code, reason, nil)
	if d.ServerTx != nil {
		_ = d.ServerTx.Respond(res)
	}
}

func (c *Call) terminateBoth(ctx context.Context, reason dialog.TerminateReason) {
	if c.legA != nil {
		_ = c.dialogMgr.Terminate(ctx, c.legA.Dialog, c.localContact(), reason)
	}
	if c.legB != nil {
		_ = c.dialogMgr.Terminate(ctx, c.legB.Dialog, c.localContact(), reason)
	}
	c.mediaMgr.Delete(ctx, c.ID)
}

func (c *Call) transitionTo(s CallState) {
	c.state = s
}

func (c *Call) finish(d Disposition, reason string) {
	c.disposition = d
	c.state = StateEnded
	c.publish(c.evb.CallEnded(c.ID, reason))
	metrics.ActiveCalls.Dec()
	metrics.CallsTotal.WithLabelValues(d.String()).Inc()
	c.stop()
}

// decrementMaxForwards reads the incoming request's Max-Forwards and
// returns it minus one, floored at zero, per RFC 3261 section 16.6 point 4.
// A request with no Max-Forwards header is treated as carrying the
// default of 70.
func decrementMaxForwards(req *sip.Request) uint32 {
	h := req.GetHeader("Max-Forwards")
	if h == nil {
		return 69
	}
	n, err := strconv.Atoi(h.Value())
	if err != nil || n <= 0 {
		return 0
	}
	return uint32(n - 1)
}
