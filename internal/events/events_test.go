package events

import (
	"testing"
	"time"
)

func TestBuilderStampsNodeID(t *testing.T) {
	b := NewBuilder("node-1")
	ev := b.CallStarted("call-1", "sip:alice@example.com", "sip:bob@example.com")

	if ev.Attrs["node_id"] != "node-1" {
		t.Errorf("node_id = %q, want node-1", ev.Attrs["node_id"])
	}
	if ev.Kind != CallStart {
		t.Errorf("Kind = %v, want %v", ev.Kind, CallStart)
	}
	if ev.CallID != "call-1" {
		t.Errorf("CallID = %q, want call-1", ev.CallID)
	}
}

func TestRegisterResultKindSelection(t *testing.T) {
	b := NewBuilder("node-1")

	ok := b.RegisterResult("call-1", "alice@example.com", "sip:alice@1.2.3.4:5060", true, "")
	if ok.Kind != RegisterOK {
		t.Errorf("Kind = %v, want %v", ok.Kind, RegisterOK)
	}

	fail := b.RegisterResult("call-1", "alice@example.com", "", false, "Unauthorized")
	if fail.Kind != RegisterFail {
		t.Errorf("Kind = %v, want %v", fail.Kind, RegisterFail)
	}
	if fail.Attrs["reason"] != "Unauthorized" {
		t.Errorf("reason = %q, want Unauthorized", fail.Attrs["reason"])
	}
}

func TestBuildCallSubject(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{CallStart, "b2bua.calls.call-1.CALL_START"},
		{CallEnd, "b2bua.calls.call-1.CALL_END"},
	}
	for _, tt := range tests {
		if got := BuildCallSubject("call-1", tt.kind); got != tt.want {
			t.Errorf("BuildCallSubject(%v) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestBuildRegistrationSubject(t *testing.T) {
	want := "b2bua.registrations.alice@example.com"
	if got := BuildRegistrationSubject("alice@example.com"); got != want {
		t.Errorf("BuildRegistrationSubject() = %q, want %q", got, want)
	}
}

func TestBusPublishDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub1 := bus.Subscribe()
	sub2 := bus.Subscribe()

	b := NewBuilder("node-1")
	bus.Publish(b.CallStarted("call-1", "a", "b"))

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case ev := <-sub.Events():
			if ev.CallID != "call-1" {
				t.Errorf("CallID = %q, want call-1", ev.CallID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for published event")
		}
	}
}

func TestBusPublishDropsOnFullSubscriberBuffer(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe()
	b := NewBuilder("node-1")

	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(b.CallStarted("call-1", "a", "b"))
	}

	drained := 0
	for {
		select {
		case <-sub.Events():
			drained++
		default:
			if drained != subscriberBuffer {
				t.Errorf("drained %d events, want exactly %d (buffer capacity)", drained, subscriberBuffer)
			}
			return
		}
	}
}

func TestSubscriptionUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe()
	sub.Unsubscribe()

	_, ok := <-sub.Events()
	if ok {
		t.Error("expected the events channel to be closed after Unsubscribe")
	}
}

func TestBusCloseClosesAllSubscribers(t *testing.T) {
	bus := NewBus()
	sub1 := bus.Subscribe()
	sub2 := bus.Subscribe()

	bus.Close()

	for _, sub := range []*Subscription{sub1, sub2} {
		if _, ok := <-sub.Events(); ok {
			t.Error("expected channel closed after Bus.Close")
		}
	}
}
