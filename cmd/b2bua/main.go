// Command b2bua runs the signalling/media coordination engine: it binds
// the SIP transport, wires the registrar, dialog and media layers
// together, and serves Prometheus metrics/healthz until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/nextwave-voice/b2bua/internal/b2bua"
	"github.com/nextwave-voice/b2bua/internal/config"
	"github.com/nextwave-voice/b2bua/internal/dialog"
	"github.com/nextwave-voice/b2bua/internal/events"
	"github.com/nextwave-voice/b2bua/internal/logger"
	"github.com/nextwave-voice/b2bua/internal/media"
	"github.com/nextwave-voice/b2bua/internal/metrics"
	"github.com/nextwave-voice/b2bua/internal/nat"
	"github.com/nextwave-voice/b2bua/internal/registrar"
	"github.com/nextwave-voice/b2bua/internal/rtpproxy"
	"github.com/nextwave-voice/b2bua/internal/transport"
)

func main() {
	if err := run(); err != nil {
		logger.Error("b2bua: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	tr, err := transport.New(cfg.BindAddr, cfg.BindPort, cfg.EnableTCP)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	defer tr.Close()

	rtpAddr := cfg.RTPProxyControl
	rtpClient, err := rtpproxy.Dial(rtpAddr)
	if err != nil {
		return fmt.Errorf("dial rtpproxy at %s: %w", rtpAddr, err)
	}
	defer rtpClient.Close()

	bus := events.NewBus()
	defer bus.Close()
	evb := events.NewBuilder(fmt.Sprintf("%s:%d", cfg.AdvertisedHost, cfg.AdvertisedPort))

	classifier := nat.NewClassifier(cfg.PrivateCIDRs)

	localContact := func() sip.Uri {
		return sip.Uri{Scheme: "sip", User: "b2bua", Host: cfg.AdvertisedHost, Port: cfg.AdvertisedPort}
	}

	contactHdr := sip.ContactHeader{Address: localContact()}
	dialogUA := &sipgo.DialogUA{Client: tr.Client, ContactHDR: contactHdr}
	dialogMgr := dialog.NewManager(tr.Client, dialogUA, cfg.AckTimeout)
	defer dialogMgr.Close()

	mediaMgr := media.NewManager(rtpClient, cfg.AdvertisedHost, bus, evb)

	regStore := registrar.NewStore()
	defer regStore.Close()
	realm := cfg.AdvertisedHost
	auth := registrar.NewAuthenticator(realm, cfg)
	regHandler := registrar.NewHandler(regStore, auth, classifier, cfg.RegistrationMinExpiry, cfg.RegistrationMaxExpiry, bus, evb, realm)

	svc := b2bua.NewService(dialogMgr, mediaMgr, classifier, regHandler, bus, evb, localContact, cfg.DialTimeout)

	tr.OnRequest(sip.REGISTER, regHandler.HandleRegister)
	tr.OnRequest(sip.INVITE, svc.HandleInvite)
	tr.OnRequest(sip.BYE, svc.HandleBye)
	tr.OnRequest(sip.ACK, svc.HandleAck)
	tr.OnRequest(sip.CANCEL, svc.HandleCancel)
	tr.OnRequest(sip.UPDATE, svc.HandleMidDialog)
	tr.OnRequest(sip.INFO, svc.HandleMidDialog)
	tr.OnRequest(sip.NOTIFY, svc.HandleMidDialog)
	tr.OnRequest(sip.MESSAGE, svc.HandleMidDialog)

	diag := metrics.NewServer(cfg.MetricsAddr, rtpClient)
	go func() {
		if err := diag.ListenAndServe(); err != nil {
			logger.Warn("metrics: server stopped", "error", err)
		}
	}()
	defer diag.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go reportBindingCount(ctx, regStore)

	logger.Info("b2bua: starting", "bind", fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort), "advertise", fmt.Sprintf("%s:%d", cfg.AdvertisedHost, cfg.AdvertisedPort))
	return tr.Start(ctx)
}

// reportBindingCount samples the registrar's live binding count into the
// RegisteredBindings gauge until ctx is cancelled.
func reportBindingCount(ctx context.Context, store *registrar.Store) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RegisteredBindings.Set(float64(store.Count()))
		}
	}
}
