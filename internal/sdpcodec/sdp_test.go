package sdpcodec

import (
	"strings"
	"testing"
)

const sampleOffer = "v=0\r\n" +
	"o=- 1234 1234 IN IP4 192.168.1.50\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.168.1.50\r\n" +
	"t=0 0\r\n" +
	"m=audio 30000 RTP/AVP 0 8\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n"

const sampleOfferTwoStreams = "v=0\r\n" +
	"o=- 1234 1234 IN IP4 192.168.1.50\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.168.1.50\r\n" +
	"t=0 0\r\n" +
	"m=audio 30000 RTP/AVP 0 8\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"m=video 30002 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n"

func TestParseRejectsEmptyBody(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Fatal("expected error parsing an empty body")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("not sdp at all")); err == nil {
		t.Fatal("expected error parsing malformed SDP")
	}
}

func TestParseRejectsNoMediaSections(t *testing.T) {
	body := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\n"
	if _, err := Parse([]byte(body)); err == nil {
		t.Fatal("expected error parsing SDP with no media sections")
	}
}

func TestMediaAddresses(t *testing.T) {
	doc, err := Parse([]byte(sampleOffer))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	addrs, err := doc.MediaAddresses()
	if err != nil {
		t.Fatalf("MediaAddresses() error = %v", err)
	}
	if len(addrs) != 1 {
		t.Fatalf("len(addrs) = %d, want 1", len(addrs))
	}
	if addrs[0].Addr != "192.168.1.50" || addrs[0].Port != 30000 || addrs[0].Kind != "audio" {
		t.Errorf("addrs[0] = %+v, want {audio 192.168.1.50 30000}", addrs[0])
	}
}

func TestRewritePortAndMarshal(t *testing.T) {
	doc, err := Parse([]byte(sampleOffer))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if err := doc.RewritePort(0, 40000); err != nil {
		t.Fatalf("RewritePort() error = %v", err)
	}

	out, err := doc.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(out), "m=audio 40000 RTP/AVP 0 8") {
		t.Errorf("marshalled SDP missing rewritten port:\n%s", out)
	}
	// Everything else about the media line should survive unchanged.
	if !strings.Contains(string(out), "a=rtpmap:0 PCMU/8000") {
		t.Errorf("marshalled SDP lost an unrelated attribute:\n%s", out)
	}
}

func TestRewritePortOutOfRange(t *testing.T) {
	doc, err := Parse([]byte(sampleOffer))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := doc.RewritePort(5, 40000); err == nil {
		t.Fatal("expected error rewriting an out-of-range media index")
	}
}

func TestRewriteConnectionAddress(t *testing.T) {
	doc, err := Parse([]byte(sampleOffer))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	doc.RewriteConnectionAddress("203.0.113.9")

	out, err := doc.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(out), "192.168.1.50") {
		t.Errorf("expected private connection address to be fully replaced:\n%s", out)
	}
	if !strings.Contains(string(out), "c=IN IP4 203.0.113.9") {
		t.Errorf("expected rewritten session-level connection line:\n%s", out)
	}
}

func TestRewritePrivateConnectionsLeavesPublicUntouched(t *testing.T) {
	body := strings.ReplaceAll(sampleOffer, "192.168.1.50", "198.51.100.7")
	doc, err := Parse([]byte(body))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	isPrivate := func(addr string) bool { return strings.HasPrefix(addr, "192.168.") }
	doc.RewritePrivateConnections("203.0.113.9", isPrivate)

	out, err := doc.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(out), "198.51.100.7") {
		t.Errorf("expected public connection address to survive untouched:\n%s", out)
	}
}

func TestMediaCountAndFormats(t *testing.T) {
	doc, err := Parse([]byte(sampleOfferTwoStreams))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := doc.MediaCount(); got != 2 {
		t.Errorf("MediaCount() = %d, want 2", got)
	}
	if got := doc.Formats(0); len(got) != 2 || got[0] != "0" || got[1] != "8" {
		t.Errorf("Formats(0) = %v, want [0 8]", got)
	}
	if got := doc.Formats(1); len(got) != 1 || got[0] != "96" {
		t.Errorf("Formats(1) = %v, want [96]", got)
	}
	if got := doc.Formats(9); got != nil {
		t.Errorf("Formats(out-of-range) = %v, want nil", got)
	}
}
