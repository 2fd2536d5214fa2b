package dialog

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/nextwave-voice/b2bua/internal/logger"
	"github.com/nextwave-voice/b2bua/internal/store"
)

const (
	// ActiveDialogTTL bounds how long a dialog is retained without any
	// confirming activity, as a leak backstop beyond the timers spec.md
	// section 4.6 defines explicitly (32s answer, 5s ACK).
	ActiveDialogTTL = 4 * time.Hour
	// TerminatedDialogTTL is RFC-3261 timer H-ish: retained just long
	// enough to absorb retransmissions of the final response/BYE.
	TerminatedDialogTTL = 32 * time.Second
	cleanupInterval      = 10 * time.Second
)

// Per spec.md section 9, a bridged call reuses one Call-ID across both its
// A-leg and B-leg dialogs, so the store cannot key purely on Call-ID — a
// B-leg registration would silently evict the A-leg's entry. legAKey/legBKey
// disambiguate the two dialogs sharing a Call-ID.
func legAKey(callID string) string { return callID + "|A" }
func legBKey(callID string) string { return callID + "|B" }

// Manager is the thin layer above sipgo's transaction machinery that
// tracks dialog legs and enforces the deadline for the ACK that must
// follow a 2xx (spec.md section 4.5). It does not retransmit the 2xx
// itself.
type Manager struct {
	dialogs  *store.TTLStore[string, *Dialog]
	client   *sipgo.Client
	dialogUA *sipgo.DialogUA

	ackTimeout time.Duration

	onTerminated func(d *Dialog)
}

// NewManager wires a Manager to the sipgo client/dialog-UA pair used for
// both inbound (ReadInvite) and outbound (WriteInvite) dialogs. ackTimeout
// bounds how long watchACKTimeout waits for ACK after a 2xx before
// declaring the leg failed (spec.md section 4.6, internal/config.Config.AckTimeout).
func NewManager(client *sipgo.Client, dialogUA *sipgo.DialogUA, ackTimeout time.Duration) *Manager {
	m := &Manager{
		client:     client,
		dialogUA:   dialogUA,
		ackTimeout: ackTimeout,
	}
	m.dialogs = store.NewTTLStoreWithEvict[string, *Dialog](cleanupInterval, func(callID string, d *Dialog) {
		logger.Debug("dialog: swept expired entry", "call_id", callID, "state", d.GetState())
	})
	return m
}

// SetOnTerminated installs the callback invoked once per dialog as it
// reaches StateTerminated.
func (m *Manager) SetOnTerminated(fn func(d *Dialog)) {
	m.onTerminated = fn
}

// CreateFromInvite registers a new inbound dialog for req, or returns the
// existing one on a retransmitted INVITE (transaction idempotence, spec.md
// section 8).
func (m *Manager) CreateFromInvite(req *sip.Request, tx sip.ServerTransaction) (*Dialog, error) {
	callID := req.CallID().Value()
	key := legAKey(callID)
	if existing, ok := m.dialogs.Get(key); ok && !existing.IsTerminated() {
		return existing, nil
	}
	d := NewInboundDialog(req, tx)
	m.dialogs.Set(key, d, ActiveDialogTTL)
	return d, nil
}

// RegisterOutbound tracks a B-leg dialog this core originates, keyed by
// the same Call-ID as its paired A-leg per spec.md section 9's resolution
// of Call-ID reuse.
func (m *Manager) RegisterOutbound(callID string, invite *sip.Request, localTag string) *Dialog {
	d := NewOutboundDialog(invite, localTag)
	d.CallID = callID
	m.dialogs.Set(legBKey(callID), d, ActiveDialogTTL)
	return d
}

// SendTrying sends 100 Trying and moves the leg to Early.
func (m *Manager) SendTrying(d *Dialog) error {
	res := sip.NewResponseFromRequest(d.InviteRequest, sip.StatusTrying, "Trying", nil)
	if err := d.ServerTx.Respond(res); err != nil {
		return fmt.Errorf("dialog: send 100 Trying: %w", err)
	}
	return d.TransitionTo(StateEarly)
}

// SendProgress sends a 183 Session Progress carrying early-media SDP.
func (m *Manager) SendProgress(d *Dialog, sdpBody []byte) error {
	res := sip.NewResponseFromRequest(d.InviteRequest, sip.StatusCode(183), "Session Progress", sdpBody)
	if len(sdpBody) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if d.LocalTag == "" {
		d.LocalTag = uuid.New().String()[:8]
	}
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", d.LocalTag)
	}
	return d.ServerTx.Respond(res)
}

// SendOK sends the final 200 OK carrying the answer SDP once through a new
// sipgo dialog server session and starts the ACK-timeout watcher
// (ackTimeout, 5s by default; spec.md section 4.6, 4.5).
func (m *Manager) SendOK(d *Dialog, sdpBody []byte) error {
	if d.LocalTag == "" {
		d.LocalTag = uuid.New().String()[:8]
	}
	session, err := m.dialogUA.ReadInvite(d.InviteRequest, d.ServerTx)
	if err != nil {
		return fmt.Errorf("dialog: create server session: %w", err)
	}
	d.ServerSession = session

	if err := session.RespondSDP(sdpBody); err != nil {
		return fmt.Errorf("dialog: respond 200 OK with SDP: %w", err)
	}
	if err := d.TransitionTo(StateWaitingACK); err != nil {
		return err
	}
	go m.watchACKTimeout(d)
	return nil
}

// ConfirmWithACK marks a leg Confirmed on receipt of ACK. A retransmitted
// ACK for an already-Confirmed leg is a no-op (transaction idempotence).
func (m *Manager) ConfirmWithACK(req *sip.Request, tx sip.ServerTransaction) error {
	callID := req.CallID().Value()
	d, ok := m.dialogs.Get(legAKey(callID))
	if !ok {
		return fmt.Errorf("dialog: ACK for unknown call %s", callID)
	}
	if d.GetState() == StateConfirmed {
		return nil
	}
	if d.GetState() != StateWaitingACK {
		return fmt.Errorf("dialog: ACK for call %s in unexpected state %s", callID, d.GetState())
	}
	if d.ServerSession != nil {
		if err := d.ServerSession.ReadAck(req, tx); err != nil {
			return fmt.Errorf("dialog: read ACK: %w", err)
		}
	}
	return d.TransitionTo(StateConfirmed)
}

// resolveByRequest finds the leg of a shared Call-ID an in-dialog request
// targets. Per RFC 3261 section 12, whichever party sends an in-dialog
// request stamps its own tag into From and the recipient's into To — so
// our tag, on either leg, shows up in To for requests arriving from the
// network. The From-tag/B-leg check is kept as a fallback for requests
// this core itself reflects back through the same resolver.
func (m *Manager) resolveByRequest(req *sip.Request) (*Dialog, bool) {
	callID := req.CallID().Value()
	if to := req.To(); to != nil && to.Params != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			if d, ok := m.dialogs.Get(legAKey(callID)); ok && d.LocalTag == tag {
				return d, true
			}
			if d, ok := m.dialogs.Get(legBKey(callID)); ok && d.LocalTag == tag {
				return d, true
			}
		}
	}
	if from := req.From(); from != nil && from.Params != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			if d, ok := m.dialogs.Get(legBKey(callID)); ok && d.LocalTag == tag {
				return d, true
			}
		}
	}
	return nil, false
}

// Resolve exposes resolveByRequest for mid-dialog methods beyond BYE/CANCEL
// (re-INVITE, UPDATE, INFO, NOTIFY, MESSAGE) that internal/b2bua forwards
// across legs.
func (m *Manager) Resolve(req *sip.Request) (*Dialog, bool) {
	return m.resolveByRequest(req)
}

// HandleIncomingBYE responds to a BYE on an existing leg and terminates it.
func (m *Manager) HandleIncomingBYE(req *sip.Request, tx sip.ServerTransaction) (*Dialog, error) {
	callID := req.CallID().Value()
	d, ok := m.resolveByRequest(req)
	if !ok {
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call Leg/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return nil, fmt.Errorf("dialog: BYE for unknown call %s", callID)
	}
	if d.ServerSession != nil {
		if err := d.ServerSession.ReadBye(req, tx); err != nil {
			logger.Warn("dialog: ReadBye error, responding manually", "call_id", callID, "error", err)
			_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
		}
	} else {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	}
	d.Cancel()
	m.terminate(d, ReasonRemoteBYE)
	return d, nil
}

// HandleIncomingCANCEL is only meaningful while the leg is Early, before
// any final response has been sent. In any other state (WaitingACK means
// the 2xx has already gone out) it reports the CANCEL/2xx race (spec.md
// section 4.6), which the b2bua layer resolves by issuing BYE instead.
func (m *Manager) HandleIncomingCANCEL(req *sip.Request, inviteTx sip.ServerTransaction) (*Dialog, error) {
	callID := req.CallID().Value()
	d, ok := m.resolveByRequest(req)
	if !ok {
		return nil, fmt.Errorf("dialog: CANCEL for unknown call %s", callID)
	}
	state := d.GetState()
	if state != StateEarly {
		return d, fmt.Errorf("dialog: CANCEL arrived post-answer for call %s (race)", callID)
	}
	cancelRes := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	_ = inviteTx.Respond(cancelRes)

	terminated := sip.NewResponseFromRequest(d.InviteRequest, sip.StatusCode(487), "Request Terminated", nil)
	_ = d.ServerTx.Respond(terminated)

	d.Cancel()
	m.terminate(d, ReasonCancel)
	return d, nil
}

// Terminate sends BYE for a Confirmed leg and marks it terminated.
func (m *Manager) Terminate(ctx context.Context, d *Dialog, localContact sip.Uri, reason TerminateReason) error {
	if d == nil {
		return nil
	}
	if d.GetState() == StateConfirmed {
		if err := m.sendBYE(ctx, d, localContact); err != nil {
			logger.Warn("dialog: send BYE failed", "call_id", d.CallID, "error", err)
		}
	}
	d.Cancel()
	m.terminate(d, reason)
	return nil
}

func (m *Manager) sendBYE(ctx context.Context, d *Dialog, localContact sip.Uri) error {
	if d.ClientSession != nil {
		return d.ClientSession.Bye(ctx)
	}
	if d.ServerSession != nil {
		return d.ServerSession.Bye(ctx)
	}
	bye := d.BuildBYE(localContact)
	tx, err := m.client.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
	defer tx.Terminate()
	select {
	case res := <-tx.Responses():
		if res == nil {
			return fmt.Errorf("dialog: BYE got no response")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) terminate(d *Dialog, reason TerminateReason) {
	if d.IsTerminated() {
		return
	}
	d.TerminateReason = reason
	_ = d.TransitionTo(StateTerminated)
	if d.ServerSession != nil {
		_ = d.ServerSession.Close()
	}
	if d.ClientSession != nil {
		_ = d.ClientSession.Close()
	}
	if m.onTerminated != nil {
		go m.onTerminated(d)
	}
	key := legAKey(d.CallID)
	if d.Direction == DirectionOutbound {
		key = legBKey(d.CallID)
	}
	m.dialogs.Set(key, d, TerminatedDialogTTL)
}

// watchACKTimeout enforces the 5s AnswerTimeout from spec.md section 4.6.
// The T1/T2-backoff retransmission of the 2xx itself (spec.md section 4.5)
// is sipgo's INVITE server-transaction's own responsibility; this layer
// only owns the absolute deadline past which the call is declared failed.
func (m *Manager) watchACKTimeout(d *Dialog) {
	select {
	case <-d.Context().Done():
		return
	case <-time.After(m.ackTimeout):
		if d.GetState() == StateWaitingACK {
			logger.Warn("dialog: ACK timeout, terminating", "call_id", d.CallID)
			m.terminate(d, ReasonTimeout)
		}
	}
}

// Get looks up the A-leg (inbound) dialog for a Call-ID.
func (m *Manager) Get(callID string) (*Dialog, bool) {
	return m.dialogs.Get(legAKey(callID))
}

// GetOutbound looks up the B-leg (outbound) dialog for a Call-ID.
func (m *Manager) GetOutbound(callID string) (*Dialog, bool) {
	return m.dialogs.Get(legBKey(callID))
}

// Close stops the manager's background sweep.
func (m *Manager) Close() {
	m.dialogs.Close()
}

// SendClientInvite issues a B-leg INVITE as a new client transaction and
// waits for its final response, relaying provisional responses through
// onProvisional as they arrive.
func (m *Manager) SendClientInvite(ctx context.Context, d *Dialog, onProvisional func(*sip.Response)) (*sip.Response, error) {
	tx, err := m.client.TransactionRequest(ctx, d.InviteRequest)
	if err != nil {
		return nil, fmt.Errorf("dialog: send client INVITE: %w", err)
	}
	d.ClientTx = tx

	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				return nil, fmt.Errorf("dialog: client INVITE transaction closed without response")
			}
			if res.StatusCode >= 100 && res.StatusCode < 200 {
				if to := res.To(); to != nil && to.Params != nil {
					d.RemoteTag, _ = to.Params.Get("tag")
				}
				_ = d.TransitionTo(StateEarly)
				if onProvisional != nil {
					onProvisional(res)
				}
				continue
			}
			return res, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ConfirmClientInvite ACKs a final 2xx response to an outbound dialog's
// INVITE, records the remote tag/Contact/Route-set the 2xx carries, and
// transitions the leg to Confirmed. Used by internal/b2bua once the B-leg
// answers, mirroring the ACK step SendReINVITE performs for re-INVITEs.
func (m *Manager) ConfirmClientInvite(ctx context.Context, d *Dialog, res *sip.Response) error {
	if to := res.To(); to != nil && to.Params != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.RemoteTag = tag
		}
	}
	if contact := res.Contact(); contact != nil {
		d.RemoteContactURI = contact.Address
	}
	d.RouteSet = reverseRecordRoute(res)

	ack := sip.NewAckRequest(d.InviteRequest, res, nil)
	if err := m.client.WriteRequest(ack); err != nil {
		return fmt.Errorf("dialog: ACK client INVITE: %w", err)
	}
	return d.TransitionTo(StateConfirmed)
}

// SendInDialogRequest sends a non-INVITE in-dialog request and returns its
// final response, used to forward UPDATE/INFO/NOTIFY/MESSAGE across legs.
func (m *Manager) SendInDialogRequest(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := m.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("dialog: send %s: %w", req.Method, err)
	}
	defer tx.Terminate()
	select {
	case res := <-tx.Responses():
		if res == nil {
			return nil, fmt.Errorf("dialog: %s got no response", req.Method)
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// reverseRecordRoute builds the Route set a UAC must send on subsequent
// in-dialog requests from a response's Record-Route headers, per RFC 3261
// section 12.1.2: the route set is the Record-Route header field values in
// reverse order.
func reverseRecordRoute(res *sip.Response) []sip.Uri {
	rrs := res.GetHeaders("Record-Route")
	if len(rrs) == 0 {
		return nil
	}
	routes := make([]sip.Uri, 0, len(rrs))
	for _, h := range rrs {
		if rr, ok := h.(*sip.RecordRouteHeader); ok {
			routes = append(routes, rr.Address)
		}
	}
	for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
		routes[i], routes[j] = routes[j], routes[i]
	}
	return routes
}

// SendResponse relays an arbitrary provisional or final status from the
// opposite leg, used by internal/b2bua to forward B-leg responses such as
// 180 Ringing to the A-leg without hardcoding each status code.
func (m *Manager) SendResponse(d *Dialog, code sip.StatusCode, reason string, sdpBody []byte) error {
	res := sip.NewResponseFromRequest(d.InviteRequest, code, reason, sdpBody)
	if len(sdpBody) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if d.LocalTag == "" {
		d.LocalTag = uuid.New().String()[:8]
	}
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", d.LocalTag)
	}
	if err := d.ServerTx.Respond(res); err != nil {
		return fmt.Errorf("dialog: send %d response: %w", code, err)
	}
	if code < 200 {
		return d.TransitionTo(StateEarly)
	}
	return nil
}

// SendCancel fires a CANCEL built against an in-flight client INVITE and
// does not wait for its 200 OK; the INVITE transaction's eventual 487
// response is what actually tears down the dialog.
func (m *Manager) SendCancel(ctx context.Context, cancel *sip.Request) error {
	tx, err := m.client.TransactionRequest(ctx, cancel)
	if err != nil {
		return fmt.Errorf("dialog: send CANCEL: %w", err)
	}
	tx.Terminate()
	return nil
}

// SendReINVITE sends a re-INVITE/UPDATE-equivalent request and returns the
// final response, ACKing 2xx end-to-end per RFC-3261. Glare is guarded by
// Dialog.TryBeginReINVITE before this is called.
func (m *Manager) SendReINVITE(ctx context.Context, d *Dialog, localContact sip.Uri, sdp []byte) (*sip.Response, error) {
	defer d.CompleteReINVITE()

	req := d.BuildReINVITE(localContact, sdp)
	tx, err := m.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("dialog: send re-INVITE: %w", err)
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res == nil {
			return nil, fmt.Errorf("dialog: re-INVITE got no response")
		}
		ack := sip.NewAckRequest(req, res, nil)
		if err := m.client.WriteRequest(ack); err != nil {
			logger.Warn("dialog: failed to ACK re-INVITE response", "call_id", d.CallID, "error", err)
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
