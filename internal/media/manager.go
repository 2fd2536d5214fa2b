// Package media owns the lifecycle of a relay session per Call-ID,
// requesting ports from RTPProxy in lock-step with dialog state and
// rewriting SDP bodies to point at the relay (spec.md section 4.8).
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextwave-voice/b2bua/internal/events"
	"github.com/nextwave-voice/b2bua/internal/logger"
	"github.com/nextwave-voice/b2bua/internal/metrics"
	"github.com/nextwave-voice/b2bua/internal/rtpproxy"
	"github.com/nextwave-voice/b2bua/internal/sdpcodec"
)

// Manager coordinates media.Session objects against one RTPProxy Client.
type Manager struct {
	client         *rtpproxy.Client
	advertisedHost string
	bus            *events.Bus
	evb            *events.Builder

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a Manager. advertisedHost is stamped into SDP
// connection lines in place of the relay's own bind address — RTPProxy is
// assumed reachable at the same advertised host as the signalling plane.
func NewManager(client *rtpproxy.Client, advertisedHost string, bus *events.Bus, evb *events.Builder) *Manager {
	return &Manager{
		client:         client,
		advertisedHost: advertisedHost,
		bus:            bus,
		evb:            evb,
		sessions:       make(map[string]*Session),
	}
}

func (m *Manager) session(callID, fromTag string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		s = newSession(callID, fromTag)
		m.sessions[callID] = s
		metrics.ActiveMediaSessions.Inc()
	}
	return s
}

// Get returns the session for callID if one has been created.
func (m *Manager) Get(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	return s, ok
}

// CreateOffer requests the A-leg's relay port for the audio stream (and,
// if doc carries a second media section, the video stream too), and
// rewrites doc in place to point at the relay. Called when the A-leg
// INVITE is received (spec.md section 4.8 point 1).
func (m *Manager) CreateOffer(ctx context.Context, callID, fromTag string, doc *sdpcodec.Document) error {
	addrs, err := doc.MediaAddresses()
	if err != nil {
		return err
	}

	s := m.session(callID, fromTag)
	if err := s.transition(ctx, evOffer); err != nil {
		return err
	}

	for i, addr := range addrs {
		if i > 1 {
			break // spec scopes streams to audio+optional video
		}
		port, err := m.client.Offer(ctx, callID, fromTag)
		if err != nil {
			m.publishMediaFail(callID, err)
			return err
		}
		s.setLeg(i, legA, addr.Addr, addr.Port)
		if err := doc.RewritePort(i, port); err != nil {
			return err
		}
		if m.bus != nil {
			m.bus.Publish(m.evb.MediaAllocated(callID, "A", port))
		}
	}
	doc.RewriteConnectionAddress(m.advertisedHost)
	return nil
}

// CreateAnswer requests the B-leg's relay ports once the B-leg answers,
// rewrites doc to point at the relay, and activates the session (spec.md
// section 4.8 point 2).
func (m *Manager) CreateAnswer(ctx context.Context, callID, fromTag, toTag string, doc *sdpcodec.Document) error {
	addrs, err := doc.MediaAddresses()
	if err != nil {
		return err
	}

	s := m.session(callID, fromTag)
	s.ToTag = toTag
	if err := s.transition(ctx, evAnswer); err != nil {
		return err
	}

	for i, addr := range addrs {
		if i > 1 {
			break
		}
		port, err := m.client.Answer(ctx, callID, fromTag, toTag)
		if err != nil {
			m.publishMediaFail(callID, err)
			return err
		}
		s.setLeg(i, legB, addr.Addr, addr.Port)
		if err := doc.RewritePort(i, port); err != nil {
			return err
		}
		if m.bus != nil {
			m.bus.Publish(m.evb.MediaAllocated(callID, "B", port))
		}
	}
	doc.RewriteConnectionAddress(m.advertisedHost)

	if err := s.transition(ctx, evActivate); err != nil {
		return err
	}
	return nil
}

// Renegotiate handles a re-INVITE. It reuses the existing relay session
// via an Update command per stream (spec.md section 9). A changed stream
// count is rejected with an error; no relay ports are allocated or
// released mid-dialog.
func (m *Manager) Renegotiate(ctx context.Context, callID, leg string, doc *sdpcodec.Document) error {
	s, ok := m.Get(callID)
	if !ok {
		return fmt.Errorf("media: renegotiate: no session for call %s", callID)
	}
	if s.IsDeleted() {
		return fmt.Errorf("media: renegotiate: session for call %s already deleted", callID)
	}

	addrs, err := doc.MediaAddresses()
	if err != nil {
		return err
	}
	if len(addrs) != s.streams {
		return fmt.Errorf("media: renegotiate: stream count changed (%d -> %d) for call %s, full renegotiation not supported mid-dialog", s.streams, len(addrs), callID)
	}

	legIdx := legA
	if leg == "B" {
		legIdx = legB
	}

	for i, addr := range addrs {
		if err := m.client.Update(ctx, callID, s.FromTag, s.ToTag, addr.Addr, addr.Port); err != nil {
			return err
		}
		s.setLeg(i, legIdx, addr.Addr, addr.Port)
		port := s.leg(i, 1-legIdx).port
		if port != 0 {
			if err := doc.RewritePort(i, port); err != nil {
				return err
			}
		}
	}
	doc.RewriteConnectionAddress(m.advertisedHost)
	return nil
}

// Delete tears down the relay session for callID. Idempotent and
// best-effort: a failure here must never block dialog termination
// (spec.md section 4.8 point 5).
func (m *Manager) Delete(ctx context.Context, callID string) {
	s, ok := m.Get(callID)
	if !ok {
		return
	}
	if s.IsDeleted() {
		return
	}
	if err := m.client.Delete(ctx, callID, s.FromTag, s.ToTag); err != nil {
		logger.Warn("media: delete failed, purging local state anyway", "call_id", callID, "error", err)
	}
	_ = s.transition(ctx, evDelete)
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()
	metrics.ActiveMediaSessions.Dec()
}

func (m *Manager) publishMediaFail(callID string, err error) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(m.evb.MediaFailed(callID, err.Error()))
}
