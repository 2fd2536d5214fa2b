// Package events implements the publish-and-forget lifecycle event bus
// described in spec.md section 4.9: REGISTER results and the Call
// lifecycle are broadcast to out-of-core consumers (CDR, console,
// packet-capture) without ever letting a slow subscriber back-pressure
// the core.
package events

import "time"

// Kind tags the shape of an Event's Attrs.
type Kind string

const (
	RegisterOK    Kind = "REGISTER_OK"
	RegisterFail  Kind = "REGISTER_FAIL"
	CallStart     Kind = "CALL_START"
	CallRing      Kind = "CALL_RING"
	CallAnswer    Kind = "CALL_ANSWER"
	CallEnd       Kind = "CALL_END"
	MediaAlloc    Kind = "MEDIA_ALLOC"
	MediaFail     Kind = "MEDIA_FAIL"
)

// Event is the envelope delivered to subscribers. Per spec.md section 6,
// the wire fields are call_id, timestamp_unix_ms, event_kind, attrs.
type Event struct {
	CallID          string
	TimestampUnixMs int64
	Kind            Kind
	Attrs           map[string]string
}

func newEvent(kind Kind, callID string) Event {
	return Event{
		CallID:          callID,
		TimestampUnixMs: time.Now().UnixMilli(),
		Kind:            kind,
		Attrs:           map[string]string{},
	}
}
