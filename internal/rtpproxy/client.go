// Package rtpproxy is a client for the RTPProxy ascii control wire
// protocol (spec.md section 4.7). It replaces the several overlapping
// media-relay client variants a predecessor implementation carried with
// one client speaking one newline-terminated command/response shape over a
// UDP or UNIX datagram socket, correlating replies to commands by a random
// cookie the way the teacher's pooled gRPC transport correlates by
// request ID, but here it's the only transport — there's one relay
// process, not a pool of them.
package rtpproxy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nextwave-voice/b2bua/internal/logger"
	"github.com/nextwave-voice/b2bua/internal/metrics"
)

// ErrBackendUnavailable is returned once a command exhausts its retries
// without a reply (spec.md section 7: MediaBackendUnavailable).
var ErrBackendUnavailable = errors.New("rtpproxy: media backend unavailable")

// SessionError wraps an "E<code>" reply (spec.md section 7:
// MediaSessionError(code)).
type SessionError struct {
	Code string
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("rtpproxy: session error E%s", e.Code)
}

const (
	commandTimeout = 1 * time.Second
	maxRetries     = 3
)

// Client is a single shared-socket connection to one RTPProxy control
// endpoint. Commands may be issued concurrently from multiple goroutines;
// replies are demultiplexed by cookie (spec.md section 5: "RTPProxy
// socket: single shared write side; a correlation table keyed by cookie
// matches replies").
type Client struct {
	conn net.Conn

	mu      sync.Mutex
	pending map[string]chan reply

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to addr, which is either "udp:host:port" or
// "unix:/path/to/socket" (no scheme defaults to udp).
func Dial(addr string) (*Client, error) {
	network, dest := "udp", addr
	if strings.HasPrefix(addr, "udp:") {
		dest = strings.TrimPrefix(addr, "udp:")
	} else if strings.HasPrefix(addr, "unix:") {
		network, dest = "unixgram", strings.TrimPrefix(addr, "unix:")
	}

	conn, err := net.Dial(network, dest)
	if err != nil {
		return nil, fmt.Errorf("rtpproxy: dial %s %s: %w", network, dest, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan reply),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close releases the underlying socket and fails every pending command.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return c.conn.Close()
}

func (c *Client) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			logger.Warn("rtpproxy: read error", "error", err)
			return
		}
		r, err := parseReply(string(buf[:n]))
		if err != nil {
			logger.Warn("rtpproxy: malformed reply", "error", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[r.cookie]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- r:
			default:
			}
		}
	}
}

func newCookie() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// send writes cmd and waits for its matching reply, retrying up to
// maxRetries times on timeout before giving up with ErrBackendUnavailable.
// command labels the latency observation (e.g. "offer", "delete").
func (c *Client) send(ctx context.Context, cookie, command, cmd string) (reply, error) {
	started := time.Now()
	defer func() { metrics.ObserveRTPProxyCommand(command, time.Since(started)) }()

	ch := make(chan reply, 1)
	c.mu.Lock()
	c.pending[cookie] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, cookie)
		c.mu.Unlock()
	}()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
			return reply{}, fmt.Errorf("rtpproxy: write: %w", err)
		}

		timer := time.NewTimer(commandTimeout)
		select {
		case r := <-ch:
			timer.Stop()
			return r, nil
		case <-timer.C:
			lastErr = fmt.Errorf("rtpproxy: command timed out after attempt %d", attempt+1)
			continue
		case <-ctx.Done():
			timer.Stop()
			return reply{}, ctx.Err()
		case <-c.closed:
			timer.Stop()
			return reply{}, fmt.Errorf("rtpproxy: client closed")
		}
	}
	logger.Warn("rtpproxy: command exhausted retries", "cookie", cookie, "last_error", lastErr)
	return reply{}, ErrBackendUnavailable
}

func asError(r reply) error {
	if r.errCode != "" {
		return &SessionError{Code: r.errCode}
	}
	return nil
}

// Offer requests relay ports for the first leg of a session.
func (c *Client) Offer(ctx context.Context, callID, fromTag string) (port int, err error) {
	cookie := newCookie()
	r, err := c.send(ctx, cookie, "offer", buildOffer(cookie, callID, fromTag, ""))
	if err != nil {
		return 0, err
	}
	if err := asError(r); err != nil {
		return 0, err
	}
	return resultPort(r.result)
}

// Answer requests relay ports for the second leg of a session, after the
// first leg's Offer.
func (c *Client) Answer(ctx context.Context, callID, fromTag, toTag string) (port int, err error) {
	cookie := newCookie()
	r, err := c.send(ctx, cookie, "answer", buildOffer(cookie, callID, fromTag, toTag))
	if err != nil {
		return 0, err
	}
	if err := asError(r); err != nil {
		return 0, err
	}
	return resultPort(r.result)
}

// Update refreshes a session's learned peer address without allocating new
// ports (renegotiation / NAT-learned address correction).
func (c *Client) Update(ctx context.Context, callID, fromTag, toTag, addr string, port int) error {
	cookie := newCookie()
	r, err := c.send(ctx, cookie, "update", buildUpdate(cookie, callID, fromTag, toTag, addr, port))
	if err != nil {
		return err
	}
	return asError(r)
}

// Delete tears down a session. Idempotent and best-effort: the caller
// should not let a Delete failure block dialog termination (spec.md
// section 4.8 point 5).
func (c *Client) Delete(ctx context.Context, callID, fromTag, toTag string) error {
	cookie := newCookie()
	r, err := c.send(ctx, cookie, "delete", buildDelete(cookie, callID, fromTag, toTag))
	if err != nil {
		return err
	}
	return asError(r)
}

// Probe issues an "I" implementation-info command, used as a liveness
// check from /healthz.
func (c *Client) Probe(ctx context.Context) error {
	cookie := newCookie()
	_, err := c.send(ctx, cookie, "probe", buildProbe(cookie))
	return err
}
