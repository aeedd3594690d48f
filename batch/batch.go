// SPDX-License-Identifier: GPL-3.0-or-later

// Package batch implements the optional decorator over a channel.Channel
// that coalesces queued user letters into a single Batch letter, per
// spec §4.4.
package batch

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/hyperletter/hyperletter/channel"
	"github.com/hyperletter/hyperletter/internal/binding"
	"github.com/hyperletter/hyperletter/letter"
)

// Config parameterizes when a Channel's buffer flushes.
type Config struct {
	// MaxLettersInBatch is the base buffer size. Reaching it does not by
	// itself flush the buffer: the buffer is flushed whole, at whatever
	// length, only when the inner channel is available. While the inner
	// channel is still busy with the previous flush, the buffer keeps
	// growing (see MaxExtendedBatchCount) rather than queuing a second
	// outer Batch letter behind the first, so one outer Batch letter may
	// carry up to MaxLettersInBatch+MaxExtendedBatchCount letters.
	MaxLettersInBatch int
	// MaxExtendedBatchCount bounds how far past MaxLettersInBatch the
	// buffer may grow while the inner channel is still busy finishing the
	// previous flush; once MaxLettersInBatch+MaxExtendedBatchCount letters
	// are buffered, further Enqueue calls block until the inner channel
	// drains enough to accept a flush.
	MaxExtendedBatchCount int
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{MaxLettersInBatch: 100, MaxExtendedBatchCount: 100}
}

func (c Config) withDefaults() Config {
	if c.MaxLettersInBatch <= 0 {
		c.MaxLettersInBatch = 100
	}
	if c.MaxExtendedBatchCount <= 0 {
		c.MaxExtendedBatchCount = c.MaxLettersInBatch
	}
	return c
}

type pendingBatch struct {
	outer *letter.Letter
	inner []*letter.Letter
}

// Channel wraps a channel.Channel, exclusively owning it: no caller should
// enqueue directly on inner once it is wrapped. The outer Batch letter
// always carries NoAck, so an inner letter's Ack option is not honored.
type Channel struct {
	inner *channel.Channel
	cfg   Config

	events chan channel.Event

	mu       sync.Mutex
	cond     *sync.Cond
	buffer   []*letter.Letter
	inFlight []pendingBatch
	closed   bool
}

// Wrap decorates inner with batching behavior. inner must not be used
// directly by the caller afterwards.
func Wrap(inner *channel.Channel, cfg Config) *Channel {
	c := &Channel{
		inner:  inner,
		cfg:    cfg.withDefaults(),
		events: make(chan channel.Event, 64),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.run()
	return c
}

// Events returns the channel Hyperletter publishes per-inner-letter Sent,
// Received, FailedToSend and pass-through lifecycle events on.
func (c *Channel) Events() <-chan channel.Event {
	return c.events
}

// Binding delegates to the wrapped Channel.
func (c *Channel) Binding() binding.Binding {
	return c.inner.Binding()
}

// State delegates to the wrapped Channel.
func (c *Channel) State() channel.State {
	return c.inner.State()
}

// RemoteNodeID delegates to the wrapped Channel.
func (c *Channel) RemoteNodeID() (letter.NodeID, bool) {
	return c.inner.RemoteNodeID()
}

// IsAvailable reports Connected with nothing buffered or in flight.
func (c *Channel) IsAvailable() bool {
	c.mu.Lock()
	idle := len(c.buffer) == 0 && len(c.inFlight) == 0
	c.mu.Unlock()
	return idle && c.inner.IsAvailable()
}

// Enqueue buffers l for the next flush, flushing immediately if the inner
// channel is available to take it. If the inner channel is still busy and
// the buffer has already grown to MaxLettersInBatch+MaxExtendedBatchCount,
// Enqueue blocks until the inner channel drains enough to accept a flush.
func (c *Channel) Enqueue(l *letter.Letter) bool {
	extendedCap := c.cfg.MaxLettersInBatch + c.cfg.MaxExtendedBatchCount

	c.mu.Lock()
	for !c.closed && len(c.buffer) >= extendedCap {
		c.cond.Wait()
	}
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.buffer = append(c.buffer, l)
	c.mu.Unlock()

	// Flush right away if the inner channel is already sitting idle: the
	// EventQueueEmpty edge that would otherwise trigger this already fired
	// before this letter arrived. If the inner channel is still busy with
	// the previous flush, the buffer is left to grow (up to extendedCap)
	// instead of queuing a second outer Batch letter behind the first.
	if c.inner.IsAvailable() {
		c.flush()
	}
	return true
}

// Disconnect requests graceful shutdown of the wrapped Channel.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
	c.inner.Disconnect()
}

// Dispose is equivalent to Disconnect.
func (c *Channel) Dispose() {
	c.Disconnect()
}

func (c *Channel) flush() {
	c.mu.Lock()
	if c.closed || len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	innerLetters := c.buffer
	c.buffer = nil
	c.mu.Unlock()
	c.cond.Broadcast()

	parts := make([]letter.Part, 0, len(innerLetters))
	kept := innerLetters[:0:0]
	for _, il := range innerLetters {
		frame, err := letter.Encode(il)
		if err != nil {
			log.WithFields(log.Fields{"err": err}).Warn("dropping letter that failed to encode into a batch")
			continue
		}
		parts = append(parts, letter.Part{Type: letter.PartBatch, Bytes: frame})
		kept = append(kept, il)
	}
	if len(parts) == 0 {
		return
	}

	outer := letter.New(letter.Batch, letter.OptNoAck, parts...)

	c.mu.Lock()
	c.inFlight = append(c.inFlight, pendingBatch{outer: outer, inner: kept})
	c.mu.Unlock()

	c.inner.Enqueue(outer)
}

// run translates inner Channel events into per-inner-letter events and
// drives the "flush on availability" half of the flush policy.
func (c *Channel) run() {
	for ev := range c.inner.Events() {
		switch ev.Kind {
		case channel.EventSent:
			c.resolve(ev.Letter, channel.EventSent)
		case channel.EventFailedToSend:
			c.resolve(ev.Letter, channel.EventFailedToSend)
		case channel.EventQueueEmpty:
			c.flush()
			c.forward(ev)
		default:
			c.forward(ev)
		}
	}
	close(c.events)
}

// resolve maps a Sent/FailedToSend event about an outer Batch letter back to
// one event per inner letter, in enqueue order.
func (c *Channel) resolve(outer *letter.Letter, kind channel.EventKind) {
	c.mu.Lock()
	idx := -1
	for i, pb := range c.inFlight {
		if pb.outer == outer {
			idx = i
			break
		}
	}
	if idx == -1 {
		c.mu.Unlock()
		return
	}
	pb := c.inFlight[idx]
	c.inFlight = append(c.inFlight[:idx], c.inFlight[idx+1:]...)
	c.mu.Unlock()

	for _, il := range pb.inner {
		c.forward(channel.Event{Kind: kind, Letter: il})
	}
}

func (c *Channel) forward(ev channel.Event) {
	select {
	case c.events <- ev:
	default:
		log.Warn("batch channel event dropped, consumer not keeping up")
	}
}
