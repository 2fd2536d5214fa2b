package registrar

import (
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/nextwave-voice/b2bua/internal/events"
	"github.com/nextwave-voice/b2bua/internal/logger"
	"github.com/nextwave-voice/b2bua/internal/nat"
)

const DefaultExpires = 3600

// Handler processes REGISTER requests end to end: NAT detection, digest
// auth, Expires resolution, and binding storage. Grounded on
// internal/signaling/registration/handler.go, expanded with the auth step
// spec.md section 4.4 requires and that teacher file leaves to a caller.
type Handler struct {
	store      *Store
	auth       *Authenticator
	classifier *nat.Classifier
	minExpiry  int
	maxExpiry  int
	bus        *events.Bus
	evb        *events.Builder
	realm      string
}

func NewHandler(store *Store, auth *Authenticator, classifier *nat.Classifier, minExpiry, maxExpiry int, bus *events.Bus, evb *events.Builder, realm string) *Handler {
	return &Handler{
		store:      store,
		auth:       auth,
		classifier: classifier,
		minExpiry:  minExpiry,
		maxExpiry:  maxExpiry,
		bus:        bus,
		evb:        evb,
		realm:      realm,
	}
}

// HandleRegister is the sipgo REGISTER method handler.
func (h *Handler) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	username, err := h.auth.Authenticate(req, tx)
	if err != nil {
		logger.Error("registrar: auth error", "error", err)
		return
	}
	if username == "" {
		// Authenticate already sent a challenge or error response.
		return
	}

	toHeader := req.To()
	if toHeader == nil {
		h.respond(req, tx, sip.StatusBadRequest, "Missing To header")
		return
	}
	aor := toHeader.Address.String()
	callID := req.CallID().Value()

	sourceHost, sourcePort, err := nat.ParseSourceAddr(req.Source())
	if err != nil {
		logger.Warn("registrar: could not parse source address", "source", req.Source())
	}

	contacts := req.GetHeaders("Contact")

	if len(contacts) == 1 {
		if c, ok := contacts[0].(*sip.ContactHeader); ok && c.Address.Wildcard {
			h.store.Remove(aor)
			h.publish(callID, aor, "*", true, "")
			h.respond(req, tx, sip.StatusOK, "OK")
			return
		}
	}

	if len(contacts) == 0 {
		h.respond(req, tx, sip.StatusOK, "OK")
		return
	}

	expires := h.resolveExpires(req)
	if expires != 0 && expires < h.minExpiry {
		h.respondIntervalTooBrief(req, tx)
		return
	}
	if expires > h.maxExpiry {
		expires = h.maxExpiry
	}

	var lastContact string
	for _, raw := range contacts {
		c, ok := raw.(*sip.ContactHeader)
		if !ok {
			continue
		}
		if expires == 0 {
			h.store.Remove(aor)
			continue
		}

		if h.classifier != nil && sourceHost != "" {
			h.classifier.DetectAndRewriteContact(c, sourceHost, sourcePort)
		}

		transport := ""
		if c.Address.UriParams != nil {
			transport, _ = c.Address.UriParams.Get("transport")
		}

		b := &Binding{
			AOR:          aor,
			ContactURI:   c.Address.String(),
			Host:         c.Address.Host,
			Port:         c.Address.Port,
			Transport:    transport,
			UserAgent:    headerValue(req, "User-Agent"),
			CallID:       callID,
			CSeq:         req.CSeq().SeqNo,
			Expires:      expires,
			ExpiresAt:    time.Now().Add(time.Duration(expires) * time.Second),
			RegisteredAt: time.Now(),
		}
		if c.Params != nil {
			if inst, ok := c.Params.Get("+sip.instance"); ok {
				b.InstanceID = inst
			}
		}
		h.store.Put(b)
		lastContact = b.ContactURI
	}

	h.publish(callID, aor, lastContact, true, "")
	h.respondWithExpires(req, tx, expires)
}

// resolveExpires applies spec.md section 4.4's priority: Contact's own
// expires param beats the request-level Expires header, which beats
// DefaultExpires.
func (h *Handler) resolveExpires(req *sip.Request) int {
	contacts := req.GetHeaders("Contact")
	if len(contacts) == 1 {
		if c, ok := contacts[0].(*sip.ContactHeader); ok && c.Params != nil {
			if v, ok := c.Params.Get("expires"); ok {
				if n, err := strconv.Atoi(v); err == nil {
					return n
				}
			}
		}
	}
	if eh := req.GetHeader("Expires"); eh != nil {
		if n, err := strconv.Atoi(eh.Value()); err == nil {
			return n
		}
	}
	return DefaultExpires
}

func (h *Handler) respondIntervalTooBrief(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 423, "Interval Too Brief", nil)
	res.AppendHeader(sip.NewHeader("Min-Expires", strconv.Itoa(h.minExpiry)))
	if err := tx.Respond(res); err != nil {
		logger.Error("registrar: failed to send 423", "error", err)
	}
}

func (h *Handler) respondWithExpires(req *sip.Request, tx sip.ServerTransaction, expires int) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	for _, raw := range req.GetHeaders("Contact") {
		if c, ok := raw.(*sip.ContactHeader); ok {
			out := &sip.ContactHeader{Address: c.Address, Params: sip.NewParams()}
			out.Params.Add("expires", strconv.Itoa(expires))
			res.AppendHeader(out)
		}
	}
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	if err := tx.Respond(res); err != nil {
		logger.Error("registrar: failed to send 200", "error", err)
	}
}

func (h *Handler) respond(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		logger.Error("registrar: failed to respond", "code", code, "error", err)
	}
}

func (h *Handler) publish(callID, aor, contact string, ok bool, reason string) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(h.evb.RegisterResult(callID, aor, contact, ok, reason))
}

func headerValue(req *sip.Request, name string) string {
	if hdr := req.GetHeader(name); hdr != nil {
		return hdr.Value()
	}
	return ""
}

// Lookup resolves an AoR to its current binding, used by internal/b2bua
// when routing an inbound INVITE to a registered endpoint.
func (h *Handler) Lookup(aor string) (*Binding, bool) {
	return h.store.Get(aor)
}
