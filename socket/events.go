// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"github.com/hyperletter/hyperletter/channel"
	"github.com/hyperletter/hyperletter/internal/binding"
	"github.com/hyperletter/hyperletter/letter"
)

// EventKind distinguishes the events a Socket publishes, per spec §4.6's
// event surface.
type EventKind int

const (
	// EventSent reports a letter has been delivered (and, if it required
	// one, acknowledged).
	EventSent EventKind = iota
	// EventReceived reports a decoded inbound user letter.
	EventReceived
	// EventDiscarded reports a letter that will never be delivered.
	EventDiscarded
	// EventRequeued reports a failed unicast letter re-entering the
	// dispatcher for redelivery.
	EventRequeued
	// EventConnecting reports Connect starting a new Outbound channel; the
	// channel's later reconnect attempts do not emit it.
	EventConnecting
	// EventConnected reports a completed handshake.
	EventConnected
	// EventDisconnected reports a channel's connection ending, whether it
	// left Connected/AwaitingAck or failed during the handshake.
	EventDisconnected
	// EventDisposed reports the Socket has fully torn down.
	EventDisposed
)

func (k EventKind) String() string {
	switch k {
	case EventSent:
		return "Sent"
	case EventReceived:
		return "Received"
	case EventDiscarded:
		return "Discarded"
	case EventRequeued:
		return "Requeued"
	case EventConnecting:
		return "Connecting"
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	case EventDisposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// Event is published on the Socket's Events channel. Handlers must be
// non-blocking or defer work: events are fired from the Socket's own I/O
// goroutines.
type Event struct {
	Kind    EventKind
	Binding binding.Binding
	Letter  *letter.Letter
	NodeID  letter.NodeID
	Reason  channel.DisconnectReason
}
