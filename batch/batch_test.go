// SPDX-License-Identifier: GPL-3.0-or-later

package batch

import (
	"context"
	"net"
	"testing"
	"time"

	hlchannel "github.com/hyperletter/hyperletter/channel"
	"github.com/hyperletter/hyperletter/internal/binding"
	"github.com/hyperletter/hyperletter/letter"
)

func testConfig() hlchannel.Config {
	cfg := hlchannel.DefaultConfig()
	cfg.InitializationTimeout = time.Second
	cfg.AckTimeout = time.Second
	cfg.LocalNodeID = letter.NewNodeID()
	return cfg
}

func pairedChannels(t *testing.T) (receiver *hlchannel.Channel, sender *hlchannel.Channel) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	accepted := make(chan *hlchannel.Channel, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		addr := conn.RemoteAddr().(*net.TCPAddr)
		b, _ := binding.New(addr.IP.String(), uint16(addr.Port))
		accepted <- hlchannel.NewInbound(conn, b, testConfig())
	}()

	addr := ln.Addr().(*net.TCPAddr)
	bnd, _ := binding.New(addr.IP.String(), uint16(addr.Port))
	outbound := hlchannel.NewOutbound(bnd, testConfig(), func(ctx context.Context) (net.Conn, error) {
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

func waitForReceiverEvent(t *testing.T, c *hlchannel.Channel, kind hlchannel.EventKind, timeout time.Duration) hlchannel.Event {
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

func waitForBatchEvent(t *testing.T, c *Channel, kind hlchannel.EventKind, timeout time.Duration) hlchannel.Event {
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

func TestBatchFlushesAtMaxLettersAndMapsPerInnerEvents(t *testing.T) {
	receiver, innerSender := pairedChannels(t)
	defer receiver.Dispose()

	waitForReceiverEvent(t, receiver, hlchannel.EventInitialized, 2*time.Second)
	waitForReceiverEvent(t, innerSender, hlchannel.EventInitialized, 2*time.Second)

	sender := Wrap(innerSender, Config{MaxLettersInBatch: 3})
	defer sender.Dispose()

	payloads := []string{"a", "b", "c"}
	for _, p := range payloads {
		l := letter.New(letter.User, 0, letter.UserPart([]byte(p)))
		if !sender.Enqueue(l) {
			t.Fatalf("Enqueue(%q) failed", p)
		}
	}

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		ev := waitForReceiverEvent(t, receiver, hlchannel.EventReceived, 2*time.Second)
		seen[string(ev.Letter.Parts[0].Bytes)] = true
	}
	for _, p := range payloads {
		if !seen[p] {
			t.Errorf("payload %q never received", p)
		}
	}

	for i := 0; i < 3; i++ {
		waitForBatchEvent(t, sender, hlchannel.EventSent, 2*time.Second)
	}
}

func TestBatchFlushesOnAvailabilityWithPartialBuffer(t *testing.T) {
	receiver, innerSender := pairedChannels(t)
	defer receiver.Dispose()

	waitForReceiverEvent(t, receiver, hlchannel.EventInitialized, 2*time.Second)
	waitForReceiverEvent(t, innerSender, hlchannel.EventInitialized, 2*time.Second)

	sender := Wrap(innerSender, Config{MaxLettersInBatch: 100})
	defer sender.Dispose()

	l := letter.New(letter.User, 0, letter.UserPart([]byte("solo")))
	if !sender.Enqueue(l) {
		t.Fatal("Enqueue failed")
	}

	ev := waitForReceiverEvent(t, receiver, hlchannel.EventReceived, 2*time.Second)
	if string(ev.Letter.Parts[0].Bytes) != "solo" {
		t.Fatalf("unexpected payload: %q", ev.Letter.Parts[0].Bytes)
	}
}

func TestBatchBlocksAtExtendedCapacityAndDeliversAll(t *testing.T) {
	receiver, innerSender := pairedChannels(t)
	defer receiver.Dispose()

	waitForReceiverEvent(t, receiver, hlchannel.EventInitialized, 2*time.Second)
	waitForReceiverEvent(t, innerSender, hlchannel.EventInitialized, 2*time.Second)

	// A tiny extended capacity (1+1=2 letters buffered at most) forces
	// Enqueue to block on the inner channel draining well before the 20
	// letters below are all handed off.
	sender := Wrap(innerSender, Config{MaxLettersInBatch: 1, MaxExtendedBatchCount: 1})
	defer sender.Dispose()

	const n = 20
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			l := letter.New(letter.User, 0, letter.UserPart([]byte{byte(i)}))
			if !sender.Enqueue(l) {
				t.Errorf("Enqueue %d failed", i)
				return
			}
		}
	}()

	received := 0
	deadline := time.After(5 * time.Second)
	for received < n {
		select {
		case ev := <-receiver.Events():
			if ev.Kind == hlchannel.EventReceived {
				received++
			}
		case <-deadline:
			t.Fatalf("received only %d/%d letters before timing out", received, n)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue goroutine never finished")
	}
}
