// Package sdpcodec parses and rewrites SDP bodies carried in SIP INVITE/
// re-INVITE/UPDATE requests and their answers. Rewriting only ever touches
// connection addresses and media ports; every other line, attribute, and
// their relative order survive a round trip unchanged, since pion/sdp/v3
// marshals the same structured value it parsed.
package sdpcodec

import (
	"errors"
	"fmt"

	psdp "github.com/pion/sdp/v3"
)

// ErrMalformedSDP is returned when a body does not parse as SDP, or parses
// but lacks the fields this core requires (at least one m= section with a
// resolvable connection address).
var ErrMalformedSDP = errors.New("sdpcodec: malformed SDP")

// MediaAddress is the connection endpoint described by one m= section.
type MediaAddress struct {
	Kind string // "audio", "video", ...
	Addr string
	Port int
}

// Document is a parsed SDP body. Mutating helpers operate in place on the
// wrapped *psdp.SessionDescription so re-Marshal preserves attribute order.
type Document struct {
	sd *psdp.SessionDescription
}

// Parse parses raw SDP bytes. Returns ErrMalformedSDP wrapping the
// underlying parse error, or if the body has no media sections.
func Parse(body []byte) (*Document, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedSDP)
	}
	sd := &psdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSDP, err)
	}
	if len(sd.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("%w: no media descriptions", ErrMalformedSDP)
	}
	return &Document{sd: sd}, nil
}

// Marshal serializes the document back to wire form.
func (d *Document) Marshal() ([]byte, error) {
	return d.sd.Marshal()
}

// MediaAddresses returns the address/port pair for each media section, in
// document order, falling back to the session-level connection line when a
// media section carries none of its own (RFC 4566 section 5.7).
func (d *Document) MediaAddresses() ([]MediaAddress, error) {
	out := make([]MediaAddress, 0, len(d.sd.MediaDescriptions))
	for _, md := range d.sd.MediaDescriptions {
		addr := ""
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			addr = md.ConnectionInformation.Address.Address
		} else if d.sd.ConnectionInformation != nil && d.sd.ConnectionInformation.Address != nil {
			addr = d.sd.ConnectionInformation.Address.Address
		}
		if addr == "" {
			return nil, fmt.Errorf("%w: media section %q has no connection address", ErrMalformedSDP, md.MediaName.Media)
		}
		out = append(out, MediaAddress{
			Kind: md.MediaName.Media,
			Addr: addr,
			Port: md.MediaName.Port.Value,
		})
	}
	return out, nil
}

// RewritePort sets the port advertised for the media section at index i to
// relayPort, leaving everything else about that section untouched.
func (d *Document) RewritePort(i int, relayPort int) error {
	if i < 0 || i >= len(d.sd.MediaDescriptions) {
		return fmt.Errorf("sdpcodec: media index %d out of range", i)
	}
	d.sd.MediaDescriptions[i].MediaName.Port.Value = relayPort
	return nil
}

// RewriteConnectionAddress sets every connection address in the document to
// advertisedHost: the session-level c= line if present, and the c= line of
// every media section that carries its own. The o= line is not touched.
func (d *Document) RewriteConnectionAddress(advertisedHost string) {
	if d.sd.ConnectionInformation != nil && d.sd.ConnectionInformation.Address != nil {
		d.sd.ConnectionInformation.Address.Address = advertisedHost
	}
	for _, md := range d.sd.MediaDescriptions {
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			md.ConnectionInformation.Address.Address = advertisedHost
		}
	}
}

// RewritePrivateConnections replaces every connection address (session
// level and per-media) that isPrivate reports true for and that differs
// from sourceHost, with sourceHost. Ports are left untouched. Used by the
// NAT helper (spec.md section 4.3) ahead of forwarding, independent of any
// later relay-address rewrite.
func (d *Document) RewritePrivateConnections(sourceHost string, isPrivate func(string) bool) {
	if ci := d.sd.ConnectionInformation; ci != nil && ci.Address != nil {
		if addr := ci.Address.Address; addr != sourceHost && isPrivate(addr) {
			ci.Address.Address = sourceHost
		}
	}
	for _, md := range d.sd.MediaDescriptions {
		if ci := md.ConnectionInformation; ci != nil && ci.Address != nil {
			if addr := ci.Address.Address; addr != sourceHost && isPrivate(addr) {
				ci.Address.Address = sourceHost
			}
		}
	}
}

// MediaCount returns the number of m= sections (used to decide whether a
// re-INVITE changed the stream count, per spec section 4.8 point 4).
func (d *Document) MediaCount() int {
	return len(d.sd.MediaDescriptions)
}

// Formats returns the payload type list offered for the media section at i.
func (d *Document) Formats(i int) []string {
	if i < 0 || i >= len(d.sd.MediaDescriptions) {
		return nil
	}
	return d.sd.MediaDescriptions[i].MediaName.Formats
}
