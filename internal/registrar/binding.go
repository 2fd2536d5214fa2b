// Package registrar implements the minimal in-memory SIP registrar with
// MD5 digest authentication and NAT-aware contact rewriting (spec.md
// sections 3 and 4.4).
package registrar

import "time"

// Binding is one AoR's current location. Per spec.md section 3's
// invariant, at most one Binding exists per AoR in this core — a fresh
// REGISTER supersedes the prior one rather than adding a second device.
type Binding struct {
	AOR        string
	ContactURI string
	Host       string
	Port       int
	Transport  string

	InstanceID string
	UserAgent  string
	CallID     string
	CSeq       uint32

	Expires      int
	ExpiresAt    time.Time
	RegisteredAt time.Time
}

// ValidateCSeq enforces RFC 3261 section 10.3's same-Call-ID CSeq
// monotonicity requirement: a REGISTER reusing the prior Call-ID must
// carry a strictly higher CSeq.
func (b *Binding) ValidateCSeq(callID string, cseq uint32) bool {
	if b.CallID != callID {
		return true
	}
	return cseq > b.CSeq
}
