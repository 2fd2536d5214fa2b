// Package transport starts the sipgo UDP/TCP listeners and exposes the
// sipgo.Client/Server pair the rest of the app drives. It does not
// reimplement SIP framing or parsing, which sipgo already owns (spec.md
// section 4.1/4.2), grounded on the teacher's services/signaling/app.App
// setup of the UserAgent/Server/Client triple.
package transport

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/nextwave-voice/b2bua/internal/logger"
)

// Transport owns one sipgo UserAgent and its Server/Client pair.
type Transport struct {
	UA     *sipgo.UserAgent
	Server *sipgo.Server
	Client *sipgo.Client

	bindAddr  string
	bindPort  int
	enableTCP bool
}

// New builds a Transport bound to bindAddr:bindPort. enableTCP also
// starts a TCP listener on the same address once Start is called.
func New(bindAddr string, bindPort int, enableTCP bool) (*Transport, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("transport: create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("transport: create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("transport: create client: %w", err)
	}
	return &Transport{UA: ua, Server: srv, Client: client, bindAddr: bindAddr, bindPort: bindPort, enableTCP: enableTCP}, nil
}

// OnRequest registers a method handler on the underlying sipgo server.
func (t *Transport) OnRequest(method sip.RequestMethod, handler func(req *sip.Request, tx sip.ServerTransaction)) {
	t.Server.OnRequest(method, handler)
}

// Start blocks serving UDP (and, if configured, TCP) until ctx is
// cancelled or a listener fails.
func (t *Transport) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.bindAddr, t.bindPort)

	if t.enableTCP {
		go func() {
			logger.Info("transport: listening", "proto", "tcp", "addr", addr)
			if err := t.Server.ListenAndServe(ctx, "tcp", addr); err != nil {
				logger.Error("transport: tcp listener failed", "error", err)
			}
		}()
	}

	logger.Info("transport: listening", "proto", "udp", "addr", addr)
	return t.Server.ListenAndServe(ctx, "udp", addr)
}

// Close tears down the user agent and, with it, the server/client.
func (t *Transport) Close() error {
	return t.UA.Close()
}
