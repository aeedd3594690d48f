// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport implements the per-socket halves of a Channel: the
// Transmitter writes Letters to one net.Conn, the Receiver decodes Letters
// read from one net.Conn. Both run their own goroutine and report outcomes
// on an event channel rather than blocking their caller.
package transport

import "github.com/hyperletter/hyperletter/letter"

// EventKind distinguishes the events a Transmitter or Receiver can emit.
type EventKind int

const (
	// Sent reports that a Letter's bytes have been handed to the OS.
	Sent EventKind = iota
	// Received reports a fully-decoded inbound Letter.
	Received
	// SocketError reports an unrecoverable I/O or codec failure; the
	// emitting half stops after this event.
	SocketError
)

// Event is emitted by a Transmitter (Sent, SocketError) or a Receiver
// (Received, SocketError).
type Event struct {
	Kind   EventKind
	Letter *letter.Letter
	Err    error
}
