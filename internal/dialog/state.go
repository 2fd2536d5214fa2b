// Package dialog implements one SIP dialog leg (spec.md section 3:
// "Dialog leg"): the thin layer sitting on top of sipgo's RFC-3261
// transaction state machines that owns a leg's local CSeq counter, route
// set and state, and the deadline for the ACK that must follow a 2xx. This
// package does not retransmit the 2xx itself: SendOK hands it to sipgo's
// dialog server session once.
package dialog

import "fmt"

// State is the lifecycle of one dialog leg.
type State int

const (
	StateInitial State = iota
	StateEarly
	StateWaitingACK
	StateConfirmed
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateEarly:
		return "Early"
	case StateWaitingACK:
		return "WaitingACK"
	case StateConfirmed:
		return "Confirmed"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

var validTransitions = map[State][]State{
	StateInitial:     {StateEarly, StateConfirmed, StateTerminated},
	StateEarly:       {StateWaitingACK, StateTerminated},
	StateWaitingACK:  {StateConfirmed, StateTerminated},
	StateConfirmed:   {StateTerminating, StateTerminated},
	StateTerminating: {StateTerminated},
	StateTerminated:  {},
}

// CanTransitionTo reports whether next is a legal transition from s.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is the final state.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// TerminateReason explains why a dialog leg ended.
type TerminateReason int

const (
	ReasonLocalBYE TerminateReason = iota
	ReasonRemoteBYE
	ReasonCancel
	ReasonTimeout
	ReasonError
	ReasonReplaced
)

func (r TerminateReason) String() string {
	switch r {
	case ReasonLocalBYE:
		return "LocalBYE"
	case ReasonRemoteBYE:
		return "RemoteBYE"
	case ReasonCancel:
		return "Cancel"
	case ReasonTimeout:
		return "Timeout"
	case ReasonError:
		return "Error"
	case ReasonReplaced:
		return "Replaced"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}
