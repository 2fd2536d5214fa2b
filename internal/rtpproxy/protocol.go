package rtpproxy

import (
	"fmt"
	"strconv"
	"strings"
)

// sanitize replaces whitespace and control characters in call-IDs and tags
// with underscores before they are placed on the wire, per spec.md section
// 4.7's contract that these fields carry no whitespace or control bytes.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r <= ' ' || r == 0x7f {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// buildOffer builds a "V" command: create offer (no toTag) or answer
// (toTag set).
func buildOffer(cookie, callID, fromTag, toTag string) string {
	if toTag == "" {
		return fmt.Sprintf("V%s %s %s", cookie, sanitize(callID), sanitize(fromTag))
	}
	return fmt.Sprintf("V%s %s %s %s", cookie, sanitize(callID), sanitize(fromTag), sanitize(toTag))
}

// buildUpdate builds a "U" command updating the learned peer address.
func buildUpdate(cookie, callID, fromTag, toTag, addr string, port int) string {
	return fmt.Sprintf("U%s %s %s %s %s:%d", cookie, sanitize(callID), sanitize(fromTag), sanitize(toTag), sanitize(addr), port)
}

// buildDelete builds a "D" command tearing down a session.
func buildDelete(cookie, callID, fromTag, toTag string) string {
	return fmt.Sprintf("D%s %s %s %s", cookie, sanitize(callID), sanitize(fromTag), sanitize(toTag))
}

// buildProbe builds an "I" implementation-info / liveness probe.
func buildProbe(cookie string) string {
	return fmt.Sprintf("I%s", cookie)
}

// reply is a parsed response line: the cookie that was echoed back and
// either a successful result or an error code.
type reply struct {
	cookie  string
	errCode string // non-empty on an "E<code>" reply
	result  string // raw result text on success (e.g. the allocated port)
}

// parseReply splits "<cookie> <result>" or "<cookie> E<code>". The core
// tolerates both the short-form (port-only) and long-form (port plus
// learned address) success replies by only ever reading the leading token
// of result as the port.
func parseReply(line string) (reply, error) {
	line = strings.TrimSpace(line)
	fields := strings.SplitN(line, " ", 2)
	if len(fields) == 0 || fields[0] == "" {
		return reply{}, fmt.Errorf("rtpproxy: empty reply")
	}
	cookie := fields[0]
	rest := ""
	if len(fields) == 2 {
		rest = strings.TrimSpace(fields[1])
	}
	if strings.HasPrefix(rest, "E") && len(rest) > 1 {
		return reply{cookie: cookie, errCode: rest[1:]}, nil
	}
	return reply{cookie: cookie, result: rest}, nil
}

// resultPort reads the leading integer field of a success result,
// discarding any trailing learned-address fields from the long-form reply.
func resultPort(result string) (int, error) {
	fields := strings.Fields(result)
	if len(fields) == 0 {
		return 0, fmt.Errorf("rtpproxy: empty result")
	}
	port, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("rtpproxy: non-numeric port in reply %q: %w", result, err)
	}
	return port, nil
}
