// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import "github.com/hyperletter/hyperletter/letter"

// EventKind distinguishes the lifecycle and delivery events a Channel emits.
type EventKind int

const (
	// EventSent reports a letter has been written and (if it required one)
	// acknowledged.
	EventSent EventKind = iota
	// EventReceived reports a decoded inbound user letter.
	EventReceived
	// EventFailedToSend reports a letter that will never be written or
	// acknowledged by this Channel; the Socket decides requeue vs. discard.
	EventFailedToSend
	// EventInitialized reports a completed handshake and the peer's NodeID.
	EventInitialized
	// EventQueueEmpty reports the Channel becoming available: Connected,
	// empty outbound queue, nothing in flight.
	EventQueueEmpty
	// EventDisconnected reports a connection attempt ending, whether it
	// left Connected/AwaitingAck or failed during the handshake.
	EventDisconnected
)

// Event is published on a Channel's Events channel. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind    EventKind
	Channel *Channel
	Letter  *letter.Letter
	NodeID  letter.NodeID
	Reason  DisconnectReason
}
