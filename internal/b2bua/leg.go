package b2bua

import "github.com/nextwave-voice/b2bua/internal/dialog"

// Leg pairs a dialog.Dialog with the bridge-level bookkeeping this
// package needs on top of it: which role it plays and the last SDP body
// seen on it, used when relaying a mid-dialog offer/answer to the peer.
type Leg struct {
	Role   LegRole
	Dialog *dialog.Dialog
	lastSDP []byte
}

func newLeg(role LegRole, d *dialog.Dialog) *Leg {
	return &Leg{Role: role, Dialog: d}
}
