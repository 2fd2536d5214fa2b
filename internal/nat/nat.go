// Package nat detects endpoints behind network address translation and
// rewrites the addresses a SIP message advertises to the address it was
// actually observed to come from.
package nat

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/nextwave-voice/b2bua/internal/sdpcodec"
)

// Classifier decides whether a host is "private" for NAT-detection
// purposes, per the CIDR list resolved by internal/config.
type Classifier struct {
	privateCIDRs []*net.IPNet
}

// NewClassifier builds a Classifier from the configured private CIDRs.
func NewClassifier(privateCIDRs []*net.IPNet) *Classifier {
	return &Classifier{privateCIDRs: privateCIDRs}
}

// IsPrivate reports whether host (a literal IP) falls inside any configured
// private CIDR. A host that fails to parse as an IP is treated as not
// private (it is presumably a hostname, which NAT detection does not
// second-guess).
func (c *Classifier) IsPrivate(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range c.privateCIDRs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Rewrite records what a NAT detection pass changed, so the dialog layer
// can reuse the corrected Contact as the next-hop URI.
type Rewrite struct {
	ContactRewritten bool
	ObservedHost     string
	ObservedPort     int
}

// DetectAndRewriteContact classifies the Contact header of req against the
// observed source address and, if the source looks NAT'd relative to it,
// rewrites the Contact host:port in place to the observed source.
//
// Per spec.md section 4.3, a source counts as "behind NAT" when the Contact
// host is private while the source is not, or when the Contact host simply
// differs from the source host.
func (c *Classifier) DetectAndRewriteContact(contact *sip.ContactHeader, sourceHost string, sourcePort int) Rewrite {
	contactHost := contact.Address.Host
	contactPort := contact.Address.Port

	behindNAT := (c.IsPrivate(contactHost) && !c.IsPrivate(sourceHost)) || contactHost != sourceHost

	if !behindNAT {
		return Rewrite{}
	}

	contact.Address.Host = sourceHost
	contact.Address.Port = sourcePort

	return Rewrite{
		ContactRewritten: true,
		ObservedHost:     sourceHost,
		ObservedPort:     sourcePort,
	}
}

// RewriteSDPConnection replaces every SDP connection address that is both
// private and different from the observed source with the source host.
// Ports are left untouched (spec.md section 4.3).
func (c *Classifier) RewriteSDPConnection(doc *sdpcodec.Document, sourceHost string) {
	doc.RewritePrivateConnections(sourceHost, c.IsPrivate)
}

// ParseSourceAddr splits a transport-layer source string (host:port, with
// bracketed IPv6 supported) into host and port.
func ParseSourceAddr(source string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(source)
	if err != nil {
		return "", 0, fmt.Errorf("nat: malformed source address %q: %w", source, err)
	}
	port, err = strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("nat: malformed source port %q: %w", p, err)
	}
	return strings.Trim(h, "[]"), port, nil
}

// AddViaReceivedParams stamps received/rport on the topmost Via per RFC
// 3581, so that responses and subsequent requests route back to the
// observed source rather than trusting sent-by.
func AddViaReceivedParams(via *sip.ViaHeader, sourceHost string, sourcePort int) {
	if via.Params == nil {
		via.Params = sip.NewParams()
	}
	if via.Host != sourceHost {
		via.Params.Add("received", sourceHost)
	}
	if _, hasRport := via.Params.Get("rport"); hasRport {
		via.Params.Add("rport", strconv.Itoa(sourcePort))
	}
}
