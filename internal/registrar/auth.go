package registrar

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/nextwave-voice/b2bua/internal/logger"
)

const (
	nonceExpiry = 2 * time.Minute
	authAlgoMD5 = "MD5" // spec.md section 9: plain MD5, not MD5-sess.
)

// UserLookup resolves a SIP username to its configured password. It is
// satisfied by internal/config's static user table.
type UserLookup interface {
	PasswordFor(username string) (string, bool)
}

// Authenticator implements RFC 3261 section 22's digest challenge/response
// against a static user table, grounded on flowpbx's internal/sip/auth.go.
type Authenticator struct {
	realm  string
	users  UserLookup
	nonces sync.Map // nonce string -> issuedAt time.Time
}

func NewAuthenticator(realm string, users UserLookup) *Authenticator {
	return &Authenticator{realm: realm, users: users}
}

// Challenge sends a 401 with a freshly issued nonce.
func (a *Authenticator) Challenge(req *sip.Request, tx sip.ServerTransaction) error {
	return a.challenge(req, tx, false)
}

// challenge sends a 401 with a freshly issued nonce. stale is set on the
// WWW-Authenticate header per RFC 3261 section 22.4 when the credentials'
// nonce was otherwise fine but has simply expired, so the client can retry
// with the same password instead of re-prompting the user.
func (a *Authenticator) challenge(req *sip.Request, tx sip.ServerTransaction, stale bool) error {
	nonce := a.issueNonce()
	chal := digest.Challenge{
		Realm:     a.realm,
		Nonce:     nonce,
		Opaque:    "b2bua",
		Algorithm: authAlgoMD5,
		Stale:     stale,
	}
	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
	return tx.Respond(res)
}

// Authenticate validates the request's Authorization header. Returns the
// authenticated username on success. On failure it returns ("", err) and
// has already sent the matching SIP error response (or a fresh challenge).
func (a *Authenticator) Authenticate(req *sip.Request, tx sip.ServerTransaction) (string, error) {
	h := req.GetHeader("Authorization")
	if h == nil {
		return "", a.Challenge(req, tx)
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		logger.Warn("registrar: malformed Authorization header", "error", err)
		return "", a.respondError(req, tx, 400, "Bad Request")
	}

	issuedAt, ok := a.nonces.Load(cred.Nonce)
	if !ok {
		logger.Debug("registrar: unknown nonce, re-challenging", "username", cred.Username)
		return "", a.Challenge(req, tx)
	}
	if time.Since(issuedAt.(time.Time)) > nonceExpiry {
		a.nonces.Delete(cred.Nonce)
		logger.Debug("registrar: stale nonce, re-challenging", "username", cred.Username)
		return "", a.challenge(req, tx, true)
	}

	password, ok := a.users.PasswordFor(cred.Username)
	if !ok {
		logger.Warn("registrar: unknown username", "username", cred.Username)
		return "", a.respondError(req, tx, 403, "Forbidden")
	}

	chal := digest.Challenge{
		Realm:     a.realm,
		Nonce:     cred.Nonce,
		Opaque:    "b2bua",
		Algorithm: authAlgoMD5,
	}
	expected, err := digest.Digest(&chal, digest.Options{
		Method:   string(req.Method),
		URI:      cred.URI,
		Username: cred.Username,
		Password: password,
	})
	if err != nil {
		return "", a.respondError(req, tx, 500, "Internal Server Error")
	}

	if cred.Response != expected.Response {
		logger.Warn("registrar: digest mismatch", "username", cred.Username)
		return "", a.respondError(req, tx, 403, "Forbidden")
	}

	// One-time use: consume the nonce so a captured request can't replay.
	a.nonces.Delete(cred.Nonce)
	return cred.Username, nil
}

// CleanExpiredNonces drops every issued nonce older than nonceExpiry. No
// code in this repository calls it on a schedule; until it runs, a nonce
// that is never presented stays in the table.
func (a *Authenticator) CleanExpiredNonces() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
}

func (a *Authenticator) issueNonce() string {
	b := make([]byte, 16)
	nonce := ""
	if _, err := rand.Read(b); err != nil {
		nonce = fmt.Sprintf("%d", time.Now().UnixNano())
	} else {
		nonce = hex.EncodeToString(b)
	}
	a.nonces.Store(nonce, time.Now())
	return nonce
}

func (a *Authenticator) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) error {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	return tx.Respond(res)
}
