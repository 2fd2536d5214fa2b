package b2bua

import (
	"context"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/nextwave-voice/b2bua/internal/dialog"
	"github.com/nextwave-voice/b2bua/internal/events"
	"github.com/nextwave-voice/b2bua/internal/logger"
	"github.com/nextwave-voice/b2bua/internal/media"
	"github.com/nextwave-voice/b2bua/internal/nat"
	"github.com/nextwave-voice/b2bua/internal/registrar"
)

// LocationResolver resolves a request's destination AoR to the contact it
// should be bridged to. internal/registrar.Handler satisfies this.
type LocationResolver interface {
	Lookup(aor string) (*registrar.Binding, bool)
}

// Service wires the dialog, media and registrar layers into the sipgo
// request handlers for INVITE, BYE, ACK and CANCEL, grounded on the
// teacher's SwitchBoard/routing.{Invite,BYE,ACK,CANCEL}Handler split but
// collapsed into one type since this core has no dialplan indirection
// between admission and bridging. HandleMidDialog additionally serves
// UPDATE, INFO, NOTIFY and MESSAGE.
type Service struct {
	registry     *Registry
	dialogMgr    *dialog.Manager
	mediaMgr     *media.Manager
	classifier   *nat.Classifier
	resolver     LocationResolver
	bus          *events.Bus
	evb          *events.Builder
	localContact func() sip.Uri
	dialTimeout  time.Duration
}

func NewService(dialogMgr *dialog.Manager, mediaMgr *media.Manager, classifier *nat.Classifier, resolver LocationResolver, bus *events.Bus, evb *events.Builder, localContact func() sip.Uri, dialTimeout time.Duration) *Service {
	return &Service{
		registry:     NewRegistry(),
		dialogMgr:    dialogMgr,
		mediaMgr:     mediaMgr,
		classifier:   classifier,
		resolver:     resolver,
		bus:          bus,
		evb:          evb,
		localContact: localContact,
		dialTimeout:  dialTimeout,
	}
}

// HandleInvite is the sipgo INVITE method handler. For a brand new
// Call-ID it admits the A-leg dialog, resolves the destination AoR, and
// hands off to a new Call's serializer goroutine for the rest of spec.md
// section 4.6's admission sequence. For a Call-ID already bridged, this is
// a mid-dialog re-INVITE and is forwarded through Call.HandleReinvite
// instead of re-admitted.
func (s *Service) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	if call, ok := s.registry.Get(callID); ok {
		if d, ok := s.dialogMgr.Resolve(req); ok && d.GetState() == dialog.StateConfirmed {
			role := RoleA
			if d.Direction == dialog.DirectionOutbound {
				role = RoleB
			}
			call.HandleReinvite(context.Background(), role, req, tx)
			return
		}
	}

	d, err := s.dialogMgr.CreateFromInvite(req, tx)
	if err != nil {
		logger.Error("b2bua: create dialog from INVITE failed", "error", err)
		return
	}
	if d.GetState() != dialog.StateInitial {
		// Retransmitted INVITE for a dialog already being handled.
		return
	}

	aor := req.To().Address.String()
	binding, ok := s.resolver.Lookup(aor)
	if !ok {
		call := NewInboundCall(s.registry, d, s.dialogMgr, s.mediaMgr, s.classifier, s.bus, s.evb, s.localContact, s.dialTimeout)
		call.HandleInvite(d.Context(), &sip.ContactHeader{Address: req.To().Address}, ErrUnknownAoR)
		return
	}

	var contactURI sip.Uri
	if err := sip.ParseUri(binding.ContactURI, &contactURI); err != nil {
		call := NewInboundCall(s.registry, d, s.dialogMgr, s.mediaMgr, s.classifier, s.bus, s.evb, s.localContact, s.dialTimeout)
		call.HandleInvite(d.Context(), &sip.ContactHeader{Address: req.To().Address}, err)
		return
	}

	call := NewInboundCall(s.registry, d, s.dialogMgr, s.mediaMgr, s.classifier, s.bus, s.evb, s.localContact, s.dialTimeout)
	go call.HandleInvite(d.Context(), &sip.ContactHeader{Address: contactURI}, nil)
}

// HandleBye is the sipgo BYE method handler. It resolves which leg of
// which Call the BYE targets and forwards it to the opposite leg.
func (s *Service) HandleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	call, ok := s.registry.Get(callID)
	if !ok {
		if _, err := s.dialogMgr.HandleIncomingBYE(req, tx); err != nil {
			logger.Debug("b2bua: BYE for untracked call", "call_id", callID, "error", err)
		}
		return
	}

	d, err := s.dialogMgr.HandleIncomingBYE(req, tx)
	if err != nil {
		logger.Warn("b2bua: BYE handling failed", "call_id", callID, "error", err)
		return
	}

	role := RoleA
	if d.Direction == dialog.DirectionOutbound {
		role = RoleB
	}
	call.HandleBye(context.Background(), role)
	s.registry.Remove(callID)
}

// HandleAck is the sipgo ACK method handler, completing the A-leg's
// three-way handshake (spec.md section 4.5).
func (s *Service) HandleAck(req *sip.Request, tx sip.ServerTransaction) {
	if err := s.dialogMgr.ConfirmWithACK(req, tx); err != nil {
		logger.Debug("b2bua: ACK handling note", "call_id", req.CallID().Value(), "error", err)
	}
}

// HandleCancel is the sipgo CANCEL method handler. It only applies while
// the A-leg is still ringing; a CANCEL arriving after the B-leg has
// already answered is the race spec.md section 4.6 resolves by tearing
// down with BYE instead, via Call.HandleCancelPostAnswer.
func (s *Service) HandleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	call, ok := s.registry.Get(callID)
	if !ok {
		logger.Debug("b2bua: CANCEL for untracked call", "call_id", callID)
		return
	}
	d, err := s.dialogMgr.HandleIncomingCANCEL(req, tx)
	if err != nil {
		if d != nil {
			// CANCEL/2xx race: the leg already answered before this CANCEL
			// arrived. Ack the CANCEL itself and tear the bridged call down
			// with BYE on the opposite leg instead of 487.
			_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
			role := RoleA
			if d.Direction == dialog.DirectionOutbound {
				role = RoleB
			}
			call.HandleCancelPostAnswer(context.Background(), role)
			s.registry.Remove(callID)
			return
		}
		logger.Debug("b2bua: CANCEL handling note", "call_id", callID, "error", err)
		return
	}
	call.HandleCancel(context.Background())
	s.registry.Remove(callID)
}

// HandleMidDialog is the sipgo method handler shared by UPDATE, INFO,
// NOTIFY and MESSAGE: each is resolved to its Call and forwarded verbatim
// to the opposite leg via Call.HandleMidDialogRequest.
func (s *Service) HandleMidDialog(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	call, ok := s.registry.Get(callID)
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call Leg/Transaction Does Not Exist", nil))
		return
	}
	d, ok := s.dialogMgr.Resolve(req)
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call Leg/Transaction Does Not Exist", nil))
		return
	}
	role := RoleA
	if d.Direction == dialog.DirectionOutbound {
		role = RoleB
	}
	call.HandleMidDialogRequest(context.Background(), role, req, tx)
}
