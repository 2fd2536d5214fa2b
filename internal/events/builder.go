package events

import "strconv"

// Builder provides fluent construction of lifecycle events with a shared
// node identity stamped on every event, mirroring the teacher's per-event
// fluent builder pattern but over this core's narrower event set.
type Builder struct {
	nodeID string
}

// NewBuilder creates an event builder tagging every event with nodeID.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID}
}

func (b *Builder) base(kind Kind, callID string) Event {
	e := newEvent(kind, callID)
	e.Attrs["node_id"] = b.nodeID
	return e
}

// RegisterResult builds REGISTER_OK or REGISTER_FAIL depending on ok.
func (b *Builder) RegisterResult(callID, aor, contact string, ok bool, reason string) Event {
	kind := RegisterOK
	if !ok {
		kind = RegisterFail
	}
	e := b.base(kind, callID)
	e.Attrs["aor"] = aor
	e.Attrs["contact"] = contact
	if reason != "" {
		e.Attrs["reason"] = reason
	}
	return e
}

// CallStarted builds CALL_START for a newly admitted A-leg.
func (b *Builder) CallStarted(callID, from, to string) Event {
	e := b.base(CallStart, callID)
	e.Attrs["from"] = from
	e.Attrs["to"] = to
	return e
}

// CallRinging builds CALL_RING when the B-leg sends a provisional response.
func (b *Builder) CallRinging(callID string, sipCode int) Event {
	e := b.base(CallRing, callID)
	e.Attrs["sip_code"] = strconv.Itoa(sipCode)
	return e
}

// CallAnswered builds CALL_ANSWER. b2bua.Call publishes it once the
// B-leg's 2xx has been ACKed and the 200 OK has been sent on the A-leg; it
// does not wait for the A-leg's ACK.
func (b *Builder) CallAnswered(callID string) Event {
	return b.base(CallAnswer, callID)
}

// CallEnded builds CALL_END with a termination reason string (e.g.
// "MEDIA_UNAVAILABLE", "CALLER_CANCEL_POST_ANSWER", "NORMAL").
func (b *Builder) CallEnded(callID, reason string) Event {
	e := b.base(CallEnd, callID)
	e.Attrs["reason"] = reason
	return e
}

// MediaAllocated builds MEDIA_ALLOC once a relay leg's port is assigned.
func (b *Builder) MediaAllocated(callID string, leg string, port int) Event {
	e := b.base(MediaAlloc, callID)
	e.Attrs["leg"] = leg
	e.Attrs["port"] = strconv.Itoa(port)
	return e
}

// MediaFailed builds MEDIA_FAIL when the RTPProxy client cannot service a
// command for this Call.
func (b *Builder) MediaFailed(callID, reason string) Event {
	e := b.base(MediaFail, callID)
	e.Attrs["reason"] = reason
	return e
}

