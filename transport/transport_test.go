// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"net"
	"testing"
	"time"

	"github.com/hyperletter/hyperletter/letter"
)

func pipeConns(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	serverConn := <-acceptCh
	return clientConn, serverConn
}

func TestTransmitterReceiverRoundTrip(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	tx := NewTransmitter(client, 8)
	rx := NewReceiver(server, 8)

	l := letter.New(letter.User, letter.OptAck, letter.UserPart([]byte("hello")))
	if !tx.Enqueue(l) {
		t.Fatal("Enqueue returned false")
	}

	select {
	case ev := <-tx.Events():
		if ev.Kind != Sent {
			t.Fatalf("expected Sent event, got %v (err=%v)", ev.Kind, ev.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Sent event")
	}

	select {
	case ev := <-rx.Events():
		if ev.Kind != Received {
			t.Fatalf("expected Received event, got %v (err=%v)", ev.Kind, ev.Err)
		}
		if string(ev.Letter.Parts[0].Bytes) != "hello" {
			t.Fatalf("unexpected payload: %q", ev.Letter.Parts[0].Bytes)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Received event")
	}
}

func TestTransmitterSocketErrorOnClosedConn(t *testing.T) {
	client, server := pipeConns(t)
	defer server.Close()

	tx := NewTransmitter(client, 8)
	client.Close()

	l := letter.New(letter.User, letter.OptNoAck, letter.UserPart([]byte("x")))
	tx.Enqueue(l)

	select {
	case ev := <-tx.Events():
		if ev.Kind != SocketError {
			t.Fatalf("expected SocketError, got %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SocketError event")
	}
}

func TestReceiverSocketErrorOnPeerClose(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()

	rx := NewReceiver(server, 8)
	client.Close()

	select {
	case ev := <-rx.Events():
		if ev.Kind != SocketError {
			t.Fatalf("expected SocketError, got %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SocketError event")
	}
}
