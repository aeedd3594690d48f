// SPDX-License-Identifier: GPL-3.0-or-later

// Package dispatch implements the matcher between queued letters and ready
// channels described in spec §4.5: two FIFOs — pending letters and ready
// channels, the latter with unique membership — reconciled by a single
// matching loop.
package dispatch

import (
	"context"
	"sync"

	"github.com/hyperletter/hyperletter/internal/queue"
	"github.com/hyperletter/hyperletter/letter"
)

// Channel is the minimal surface the Dispatcher needs from a channel.Channel
// or batch.Channel to hand it a letter. Kept narrow so this package has no
// import-time dependency on either concrete implementation.
type Channel interface {
	Enqueue(*letter.Letter) bool
}

// Dispatcher matches pending letters to ready channels per spec §4.5's
// unicast/multicast policy.
type Dispatcher struct {
	pending *queue.FIFO[*letter.Letter]

	mu       sync.Mutex
	ready    []Channel
	readySet map[Channel]bool

	// connectedChannels snapshots every Channel currently Connected, for
	// multicast fan-out; it intentionally bypasses the ready-set since a
	// busy Connected channel still receives a multicast copy.
	connectedChannels func() []Channel
	// onDiscard reports a letter that will never be delivered: either a
	// multicast with no connected peers, or a unicast handed to a channel
	// that turned out to be already gone.
	onDiscard func(*letter.Letter)

	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a Dispatcher and starts its matching loop.
func New(connectedChannels func() []Channel, onDiscard func(*letter.Letter)) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		pending:           queue.New[*letter.Letter](),
		readySet:          make(map[Channel]bool),
		connectedChannels: connectedChannels,
		onDiscard:         onDiscard,
		wake:              make(chan struct{}, 1),
		ctx:               ctx,
		cancel:            cancel,
		stopped:           make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue hands l to the Dispatcher for matching against a ready channel (or
// a Connected-channel snapshot, if l is Multicast).
func (d *Dispatcher) Enqueue(l *letter.Letter) {
	d.pending.Push(l)
	d.poke()
}

// PendingLen reports how many letters are waiting for a ready channel.
func (d *Dispatcher) PendingLen() int {
	return d.pending.Len()
}

// ChannelReady marks c as available to receive the next unicast letter. A
// channel already in the ready set is a no-op: it never appears twice.
func (d *Dispatcher) ChannelReady(c Channel) {
	d.mu.Lock()
	if !d.readySet[c] {
		d.readySet[c] = true
		d.ready = append(d.ready, c)
	}
	d.mu.Unlock()
	d.poke()
}

// ChannelUnready removes c from the ready set, if present. Call this when a
// channel disconnects so a dead channel is never handed a letter.
func (d *Dispatcher) ChannelUnready(c Channel) {
	d.mu.Lock()
	if d.readySet[c] {
		delete(d.readySet, c)
		for i, rc := range d.ready {
			if rc == c {
				d.ready = append(d.ready[:i], d.ready[i+1:]...)
				break
			}
		}
	}
	d.mu.Unlock()
}

// Close stops the matching loop.
func (d *Dispatcher) Close() {
	d.cancel()
	<-d.stopped
}

func (d *Dispatcher) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
			d.drain()
		}
	}
}

// drain matches one letter at a time until neither queue can make progress.
func (d *Dispatcher) drain() {
	for {
		l, ok := d.pending.Peek()
		if !ok {
			return
		}

		if l.Options.Has(letter.OptMulticast) {
			d.pending.TryPop()
			d.fanOut(l)
			continue
		}

		ch, ok := d.popReady()
		if !ok {
			return
		}
		d.pending.TryPop()
		if !ch.Enqueue(l) {
			d.discard(l)
		}
	}
}

func (d *Dispatcher) fanOut(l *letter.Letter) {
	targets := d.connectedChannels()
	if len(targets) == 0 {
		d.discard(l)
		return
	}
	for _, ch := range targets {
		ch.Enqueue(l.Clone())
	}
}

func (d *Dispatcher) discard(l *letter.Letter) {
	if d.onDiscard != nil {
		d.onDiscard(l)
	}
}

func (d *Dispatcher) popReady() (Channel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.ready) == 0 {
		return nil, false
	}
	c := d.ready[0]
	d.ready = d.ready[1:]
	delete(d.readySet, c)
	return c, true
}
