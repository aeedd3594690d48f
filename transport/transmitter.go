// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bufio"
	"net"
	"sync/atomic"

	"github.com/hyperletter/hyperletter/letter"
)

// Transmitter writes Letters handed to it by Enqueue to one net.Conn, one at
// a time, in the order they were enqueued. It emits a Sent event once a
// Letter's bytes have been handed to the OS, or a single SocketError event
// on the first write failure, after which it stops permanently.
type Transmitter struct {
	conn   net.Conn
	queue  chan *letter.Letter
	events chan Event

	finished uint32
}

// NewTransmitter creates a Transmitter over conn and starts its write loop.
// queueSize bounds how many Letters may be pending a write before Enqueue
// blocks.
func NewTransmitter(conn net.Conn, queueSize int) *Transmitter {
	t := &Transmitter{
		conn:   conn,
		queue:  make(chan *letter.Letter, queueSize),
		events: make(chan Event, queueSize),
	}
	go t.run()
	return t
}

// Enqueue schedules l for asynchronous write. It reports false if the
// Transmitter has already stopped (after a SocketError) or been closed.
func (t *Transmitter) Enqueue(l *letter.Letter) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	if atomic.LoadUint32(&t.finished) != 0 {
		return false
	}
	t.queue <- l
	return true
}

// Events returns the channel Sent/SocketError events are published on.
func (t *Transmitter) Events() <-chan Event {
	return t.events
}

// Close stops the write loop and releases the underlying connection for
// reading by a Receiver; it does not close conn itself, which the owning
// Channel does once both halves have stopped.
func (t *Transmitter) Close() {
	if atomic.CompareAndSwapUint32(&t.finished, 0, 1) {
		close(t.queue)
	}
}

func (t *Transmitter) run() {
	out := bufio.NewWriter(t.conn)

	for l := range t.queue {
		if atomic.LoadUint32(&t.finished) != 0 {
			return
		}

		frame, err := letter.Encode(l)
		if err != nil {
			t.fail(err)
			return
		}

		if _, err := out.Write(frame); err != nil {
			t.fail(err)
			return
		}
		if err := out.Flush(); err != nil {
			t.fail(err)
			return
		}

		t.events <- Event{Kind: Sent, Letter: l}
	}
}

func (t *Transmitter) fail(err error) {
	if atomic.CompareAndSwapUint32(&t.finished, 0, 1) {
		t.events <- Event{Kind: SocketError, Err: err}
	}
}
