package rtpproxy

import (
	"context"
	"net"
	"testing"
	"time"
)

// fakeServer listens on a loopback UDP port and hands every datagram it
// receives to handle, which decides how (or whether) to reply.
func fakeServer(t *testing.T, handle func(conn *net.UDPConn, from *net.UDPAddr, msg string)) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			handle(conn, from, string(buf[:n]))
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr)
}

func TestClientOfferRoundTrip(t *testing.T) {
	addr := fakeServer(t, func(conn *net.UDPConn, from *net.UDPAddr, msg string) {
		r, err := parseReply(msg[1:]) // strip the leading command letter
		if err != nil {
			t.Errorf("server: malformed request %q: %v", msg, err)
			return
		}
		conn.WriteToUDP([]byte(r.cookie+" 40000\n"), from)
	})

	c, err := Dial("udp:" + addr.String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	port, err := c.Offer(context.Background(), "call-1", "tagA")
	if err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	if port != 40000 {
		t.Errorf("Offer() port = %d, want 40000", port)
	}
}

func TestClientOfferSessionError(t *testing.T) {
	addr := fakeServer(t, func(conn *net.UDPConn, from *net.UDPAddr, msg string) {
		r, _ := parseReply(msg[1:])
		conn.WriteToUDP([]byte(r.cookie+" E7\n"), from)
	})

	c, err := Dial("udp:" + addr.String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	_, err = c.Offer(context.Background(), "call-1", "tagA")
	if err == nil {
		t.Fatal("expected a SessionError")
	}
	sessErr, ok := err.(*SessionError)
	if !ok || sessErr.Code != "7" {
		t.Errorf("err = %v, want *SessionError{Code: 7}", err)
	}
}

func TestClientTimesOutAndExhaustsRetries(t *testing.T) {
	// Server that never replies.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer conn.Close()

	c, err := Dial("udp:" + conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	start := time.Now()
	_, err = c.Offer(context.Background(), "call-1", "tagA")
	if err != ErrBackendUnavailable {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed < commandTimeout {
		t.Errorf("returned too quickly (%v) for a timeout+retry path", elapsed)
	}
}

func TestClientContextCancellation(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer conn.Close()

	c, err := Dial("udp:" + conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.Offer(ctx, "call-1", "tagA")
	if err == nil {
		t.Fatal("expected a context-cancellation error")
	}
}
