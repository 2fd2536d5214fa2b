package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
)

// Relay ports the manager has negotiated for one leg of one media stream.
type legPorts struct {
	port int
	addr string
}

// Session is the relay-side object for one Call-ID (spec.md section 3:
// "Media session"). Audio is stream index 0; an optional video stream, if
// offered, is index 1. State is modelled as a looplab/fsm.FSM over
// {None, OfferCreated, AnswerCreated, Active, Deleted}; the dialog and Call
// layers keep plain state enums instead.
type Session struct {
	CallID  string
	FromTag string
	ToTag   string

	mu      sync.Mutex
	machine *fsm.FSM
	legs    [2][2]legPorts // [streamIndex][aOrB]
	streams int
	deleted bool
}

const (
	stateNone          = "None"
	stateOfferCreated  = "OfferCreated"
	stateAnswerCreated = "AnswerCreated"
	stateActive        = "Active"
	stateDeleted       = "Deleted"

	evOffer    = "offer"
	evAnswer   = "answer"
	evActivate = "activate"
	evDelete   = "delete"
)

func newSession(callID, fromTag string) *Session {
	s := &Session{CallID: callID, FromTag: fromTag}
	s.machine = fsm.NewFSM(
		stateNone,
		fsm.Events{
			{Name: evOffer, Src: []string{stateNone}, Dst: stateOfferCreated},
			{Name: evAnswer, Src: []string{stateOfferCreated}, Dst: stateAnswerCreated},
			{Name: evActivate, Src: []string{stateAnswerCreated}, Dst: stateActive},
			{Name: evDelete, Src: []string{stateNone, stateOfferCreated, stateAnswerCreated, stateActive}, Dst: stateDeleted},
		},
		fsm.Callbacks{},
	)
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// IsDeleted reports whether the session has reached its terminal state.
// Deleted is idempotent: calling Delete again is a no-op.
func (s *Session) IsDeleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}

func (s *Session) transition(ctx context.Context, event string) error {
	if err := s.machine.Event(ctx, event); err != nil {
		return fmt.Errorf("media: session %s: %w", s.CallID, err)
	}
	return nil
}

func (s *Session) setLeg(stream int, leg int, addr string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legs[stream][leg] = legPorts{addr: addr, port: port}
	if stream+1 > s.streams {
		s.streams = stream + 1
	}
}

func (s *Session) leg(stream, leg int) legPorts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.legs[stream][leg]
}

const (
	legA = 0
	legB = 1

	streamAudio = 0
	streamVideo = 1
)
