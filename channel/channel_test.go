// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hyperletter/hyperletter/internal/binding"
	"github.com/hyperletter/hyperletter/letter"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitializationTimeout = time.Second
	cfg.AckTimeout = 300 * time.Millisecond
	cfg.Backoff = Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	cfg.LocalNodeID = letter.NewNodeID()
	return cfg
}

// pairedChannels wires one Inbound and one Outbound Channel together over a
// real loopback TCP connection, the way Listener and Socket.Connect would.
func pairedChannels(t *testing.T) (a, b *Channel) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	accepted := make(chan *Channel, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		b, _ := binding.New(conn.RemoteAddr().(*net.TCPAddr).IP.String(), uint16(conn.RemoteAddr().(*net.TCPAddr).Port))
		accepted <- NewInbound(conn, b, testConfig())
	}()

	addr := ln.Addr().(*net.TCPAddr)
	bnd, _ := binding.New(addr.IP.String(), uint16(addr.Port))
	outbound := NewOutbound(bnd, testConfig(), func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr.String())
	})

	select {
	case in := <-accepted:
		ln.Close()
		return in, outbound
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
		return nil, nil
	}
}

func waitForEvent(t *testing.T, c *Channel, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}

func TestHandshakeInitializesBothSides(t *testing.T) {
	a, b := pairedChannels(t)
	defer a.Dispose()
	defer b.Dispose()

	waitForEvent(t, a, EventInitialized, 2*time.Second)
	waitForEvent(t, b, EventInitialized, 2*time.Second)

	if _, ok := a.RemoteNodeID(); !ok {
		t.Fatal("expected inbound side to know remote NodeID")
	}
	if _, ok := b.RemoteNodeID(); !ok {
		t.Fatal("expected outbound side to know remote NodeID")
	}
}

func TestAckedUserLetterRoundTrip(t *testing.T) {
	a, b := pairedChannels(t)
	defer a.Dispose()
	defer b.Dispose()

	waitForEvent(t, a, EventInitialized, 2*time.Second)
	waitForEvent(t, b, EventInitialized, 2*time.Second)

	l := letter.New(letter.User, letter.OptAck, letter.UserPart([]byte("hi")))
	if !b.Enqueue(l) {
		t.Fatal("Enqueue failed")
	}

	recv := waitForEvent(t, a, EventReceived, 2*time.Second)
	if string(recv.Letter.Parts[0].Bytes) != "hi" {
		t.Fatalf("unexpected payload: %q", recv.Letter.Parts[0].Bytes)
	}

	sent := waitForEvent(t, b, EventSent, 2*time.Second)
	if sent.Letter != l {
		t.Fatal("Sent event did not reference the enqueued letter")
	}
}

func TestFailedToSendOnPeerDisconnect(t *testing.T) {
	a, b := pairedChannels(t)
	defer b.Dispose()

	waitForEvent(t, a, EventInitialized, 2*time.Second)
	waitForEvent(t, b, EventInitialized, 2*time.Second)

	// SilentAck keeps the inbound side from replying with an Ack, so the
	// letter is still awaiting one when the peer goes away.
	l := letter.New(letter.User, letter.OptAck|letter.OptSilentAck|letter.OptRequeue, letter.UserPart([]byte("x")))
	if !b.Enqueue(l) {
		t.Fatal("Enqueue failed")
	}
	waitForEvent(t, a, EventReceived, 2*time.Second)

	// Kill the inbound side mid-flight, before any Ack has been sent.
	a.Dispose()

	waitForEvent(t, b, EventFailedToSend, 2*time.Second)
}

func TestAckTimeoutDisconnects(t *testing.T) {
	// Build a raw inbound channel paired with a plain net.Conn that never
	// acks, to exercise AckTimeout without a cooperating peer Channel.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		accepted <- conn
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	serverConn := <-accepted
	bnd, _ := binding.New("127.0.0.1", 0)
	cfg := testConfig()
	ch := NewInbound(serverConn, bnd, cfg)
	defer ch.Dispose()

	// Drain the client's Initialize so the handshake completes, but never
	// reply with an Ack.
	dec := letter.NewDecoder(clientConn)
	go func() {
		for {
			if _, err := dec.Next(); err != nil {
				return
			}
		}
	}()
	frame, _ := letter.Encode(letter.NewInitialize(letter.NewNodeID()))
	if _, err := clientConn.Write(frame); err != nil {
		t.Fatalf("write initialize: %v", err)
	}

	waitForEvent(t, ch, EventInitialized, 2*time.Second)

	l := letter.New(letter.User, letter.OptAck, letter.UserPart([]byte("x")))
	ch.Enqueue(l)

	waitForEvent(t, ch, EventFailedToSend, 2*time.Second)
	waitForEvent(t, ch, EventDisconnected, 2*time.Second)
}

func TestCheckHeartbeatDisconnectsOnMissedHeartbeats(t *testing.T) {
	a, b := pairedChannels(t)
	defer a.Dispose()
	defer b.Dispose()

	waitForEvent(t, a, EventInitialized, 2*time.Second)
	waitForEvent(t, b, EventInitialized, 2*time.Second)

	// Let real time pass with no inbound traffic, then report a heartbeat
	// interval/threshold short enough that b is already well past
	// MaxMissed*Interval since the last frame it received from a.
	time.Sleep(20 * time.Millisecond)
	b.CheckHeartbeat(5*time.Millisecond, 1)

	ev := waitForEvent(t, b, EventDisconnected, 2*time.Second)
	if ev.Reason != Socket {
		t.Fatalf("disconnect reason = %v, want Socket", ev.Reason)
	}
}
