// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"net"
	"sync/atomic"

	"github.com/hyperletter/hyperletter/letter"
)

// Receiver decodes a lazy sequence of Letters from one net.Conn and
// publishes each as a Received event. On I/O error or codec failure it
// emits a single SocketError event and stops.
type Receiver struct {
	conn   net.Conn
	dec    *letter.Decoder
	events chan Event

	finished uint32
}

// NewReceiver creates a Receiver over conn and starts its read loop.
func NewReceiver(conn net.Conn, eventBuffer int) *Receiver {
	r := &Receiver{
		conn:   conn,
		dec:    letter.NewDecoder(conn),
		events: make(chan Event, eventBuffer),
	}
	go r.run()
	return r
}

// Events returns the channel Received/SocketError events are published on.
func (r *Receiver) Events() <-chan Event {
	return r.events
}

// Stop marks the Receiver as finished without emitting a SocketError; used
// when the owning Channel is tearing down deliberately (e.g. on Dispose)
// rather than reacting to a peer-caused failure.
func (r *Receiver) Stop() {
	atomic.StoreUint32(&r.finished, 1)
}

func (r *Receiver) run() {
	for {
		l, err := r.dec.Next()
		if err != nil {
			if atomic.CompareAndSwapUint32(&r.finished, 0, 1) {
				r.events <- Event{Kind: SocketError, Err: err}
			}
			return
		}

		if atomic.LoadUint32(&r.finished) != 0 {
			return
		}

		r.events <- Event{Kind: Received, Letter: l}
	}
}
