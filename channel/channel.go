// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hyperletter/hyperletter/internal/binding"
	"github.com/hyperletter/hyperletter/internal/queue"
	"github.com/hyperletter/hyperletter/letter"
	"github.com/hyperletter/hyperletter/transport"
)

// Dialer opens the TCP connection for an Outbound Channel's next attempt.
type Dialer func(ctx context.Context) (net.Conn, error)

// Channel pairs a Transmitter and Receiver over one TCP connection and
// drives the handshake, ack/no-ack send loop, and disconnect lifecycle
// described in spec.md §4.3.
type Channel struct {
	cfg       Config
	direction Direction
	binding   binding.Binding

	dial Dialer // nil for Inbound

	events chan Event

	mu           sync.Mutex
	state        State
	remoteNode   letter.NodeID
	hasRemote    bool
	inFlight     *letter.Letter
	writing      *letter.Letter
	lastSent     time.Time
	lastReceived time.Time

	ackQueue  *queue.FIFO[*letter.Letter]
	userQueue *queue.FIFO[*letter.Letter]

	// trigger lets CheckHeartbeat ask the live serve() loop to disconnect
	// for Socket without ending the Channel itself (Outbound still
	// reconnects). It is non-nil only while serve() is running.
	trigger chan DisconnectReason

	ctx         context.Context
	cancel      context.CancelFunc
	closeReason DisconnectReason
	permanent   bool // true once no further reconnect should be attempted

	stopped chan struct{}
}

func newChannel(direction Direction, b binding.Binding, cfg Config) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:       cfg,
		direction: direction,
		binding:   b,
		events:    make(chan Event, 64),
		state:     Disconnected,
		ackQueue:  queue.New[*letter.Letter](),
		userQueue: queue.New[*letter.Letter](),
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
	}
}

// NewInbound wraps an accepted connection as a Channel and immediately
// begins the handshake.
func NewInbound(conn net.Conn, b binding.Binding, cfg Config) *Channel {
	c := newChannel(Inbound, b, cfg)
	go c.runInbound(conn)
	return c
}

// NewOutbound creates a Channel that dials b via dial, reconnecting with
// cfg.Backoff until Disconnect or Dispose is called.
func NewOutbound(b binding.Binding, cfg Config, dial Dialer) *Channel {
	c := newChannel(Outbound, b, cfg)
	c.dial = dial
	go c.runOutbound()
	return c
}

// Events returns the channel Hyperletter publishes lifecycle and delivery
// events on.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Binding reports the (IP, port) this Channel was dialed to or accepted from.
func (c *Channel) Binding() binding.Binding {
	return c.binding
}

// Direction reports whether this Channel was dialed or accepted.
func (c *Channel) Direction() Direction {
	return c.direction
}

// State reports the Channel's current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteNodeID returns the peer's NodeID and true, once the handshake has
// completed at least once.
func (c *Channel) RemoteNodeID() (letter.NodeID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteNode, c.hasRemote
}

// IsAvailable reports whether this Channel is Connected with an empty
// outbound queue and nothing in flight: ready to take the next letter.
func (c *Channel) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAvailableLocked()
}

func (c *Channel) isAvailableLocked() bool {
	return c.state == Connected && c.writing == nil && c.inFlight == nil &&
		c.ackQueue.Len() == 0 && c.userQueue.Len() == 0
}

// Enqueue schedules a user letter for transmission. It returns false if the
// Channel has permanently closed and will never transmit again.
func (c *Channel) Enqueue(l *letter.Letter) bool {
	c.mu.Lock()
	if c.permanent && c.state == Disconnected {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	c.userQueue.Push(l)
	return true
}

// Disconnect requests a graceful, permanent shutdown of this Channel.
func (c *Channel) Disconnect() {
	c.close(Requested)
}

// Dispose is equivalent to Disconnect; Channel has no distinct teardown for
// a socket-wide Dispose versus a single-channel Disconnect.
func (c *Channel) Dispose() {
	c.close(Requested)
}

func (c *Channel) close(reason DisconnectReason) {
	c.mu.Lock()
	if c.permanent {
		c.mu.Unlock()
		return
	}
	c.permanent = true
	c.closeReason = reason
	connected := c.state == Connected || c.state == AwaitingAck
	c.mu.Unlock()

	if reason == Requested && connected {
		// Best effort: give the peer a chance to see a graceful Shutdown
		// before the connection drops. If the write loop is already gone
		// this is simply never sent.
		c.ackQueue.Push(letter.NewShutdown())
	}

	c.cancel()
	<-c.stopped
}

// Stopped returns a channel closed once this Channel's goroutines have
// fully exited (after a permanent Disconnect/Dispose).
func (c *Channel) Stopped() <-chan struct{} {
	return c.stopped
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) emit(ev Event) {
	ev.Channel = c
	select {
	case c.events <- ev:
	default:
		// Events channel is sized generously; a full channel means the
		// consumer has stopped reading. Drop rather than block the
		// channel's own I/O loop.
		log.WithFields(log.Fields{
			"binding": c.binding,
			"kind":    ev.Kind,
		}).Warn("Channel event dropped, consumer not keeping up")
	}
}

// runOutbound dials, runs one connection attempt to completion, and retries
// with backoff until Disconnect or Dispose is called.
func (c *Channel) runOutbound() {
	defer close(c.stopped)

	attempt := 0
	for {
		if c.ctx.Err() != nil {
			c.setState(Disconnected)
			return
		}

		c.setState(Connecting)

		conn, err := c.dial(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				c.setState(Disconnected)
				return
			}
			attempt++
			if !c.sleepBackoff(attempt) {
				c.setState(Disconnected)
				return
			}
			continue
		}

		gotConnected := c.runConnection(conn)
		if gotConnected {
			attempt = 0
		} else {
			attempt++
		}

		c.mu.Lock()
		permanent := c.permanent
		c.mu.Unlock()
		if permanent {
			c.setState(Disconnected)
			return
		}

		if !c.sleepBackoff(attempt) {
			c.setState(Disconnected)
			return
		}
	}
}

func (c *Channel) sleepBackoff(attempt int) (ok bool) {
	delay := c.cfg.Backoff.next(attempt, rand.Float64)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// runInbound runs exactly one connection attempt; Inbound channels never
// reconnect.
func (c *Channel) runInbound(conn net.Conn) {
	defer close(c.stopped)
	c.runConnection(conn)
	c.setState(Disconnected)
}

// runConnection drives one TCP connection through Handshaking, Connected/
// AwaitingAck and into Disconnecting. It returns true if the handshake ever
// completed during this attempt.
func (c *Channel) runConnection(conn net.Conn) (gotConnected bool) {
	c.setState(Handshaking)

	tx := transport.NewTransmitter(conn, c.cfg.QueueBuffer)
	rx := transport.NewReceiver(conn, c.cfg.QueueBuffer)

	tx.Enqueue(letter.NewInitialize(c.cfg.LocalNodeID))

	reason, ok := c.handshake(tx, rx)
	if !ok {
		tx.Close()
		rx.Stop()
		_ = conn.Close()
		c.emit(Event{Kind: EventDisconnected, Reason: reason})
		return false
	}

	c.mu.Lock()
	c.lastSent = time.Now()
	c.lastReceived = time.Now()
	c.mu.Unlock()

	c.emit(Event{Kind: EventInitialized, NodeID: c.remoteNodeSnapshot()})
	c.emitAvailabilityIfIdle()

	reason = c.serve(tx, rx)

	tx.Close()
	rx.Stop()
	_ = conn.Close()
	c.emit(Event{Kind: EventDisconnected, Reason: reason})
	return true
}

func (c *Channel) remoteNodeSnapshot() letter.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteNode
}

// handshake waits for the peer's Initialize letter, or a timeout/error.
func (c *Channel) handshake(tx *transport.Transmitter, rx *transport.Receiver) (DisconnectReason, bool) {
	timeout := c.cfg.InitializationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return c.requestedReason(), false

		case ev, chOk := <-tx.Events():
			if !chOk {
				continue
			}
			if ev.Kind == transport.SocketError {
				return Handshake, false
			}
			// Sent(Initialize) is expected and ignored here.

		case ev, chOk := <-rx.Events():
			if !chOk {
				continue
			}
			if ev.Kind == transport.SocketError {
				return Handshake, false
			}
			if ev.Kind == transport.Received && ev.Letter.LetterType == letter.Initialize {
				if len(ev.Letter.Parts) != 1 || ev.Letter.Parts[0].Type != letter.PartNodeID {
					return Handshake, false
				}
				n, err := ev.Letter.Parts[0].NodeID()
				if err != nil {
					return Handshake, false
				}
				c.mu.Lock()
				c.remoteNode = n
				c.hasRemote = true
				c.state = Connected
				c.mu.Unlock()
				return 0, true
			}
			// Anything else before Initialize is a protocol violation.
			return Handshake, false

		case <-timer.C:
			return Handshake, false
		}
	}
}

func (c *Channel) requestedReason() DisconnectReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// serve runs the Connected/AwaitingAck send-and-receive loop until the
// connection ends, returning the reason it ended for.
func (c *Channel) serve(tx *transport.Transmitter, rx *transport.Receiver) DisconnectReason {
	var ackTimer *time.Timer
	var ackTimerC <-chan time.Time
	stopAckTimer := func() {
		if ackTimer != nil {
			ackTimer.Stop()
			ackTimer = nil
			ackTimerC = nil
		}
	}
	defer stopAckTimer()

	trigger := make(chan DisconnectReason, 1)
	c.mu.Lock()
	c.trigger = trigger
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.trigger = nil
		c.mu.Unlock()
	}()

	c.tryWrite(tx)

	for {
		select {
		case <-c.ctx.Done():
			return c.drainAndReturn(c.requestedReason())

		case reason := <-trigger:
			return c.drainAndReturn(reason)

		case ev, chOk := <-tx.Events():
			if !chOk {
				continue
			}
			if ev.Kind == transport.SocketError {
				return c.drainAndReturn(Socket)
			}
			if reason, done := c.onSent(ev.Letter, tx, &ackTimer, &ackTimerC); done {
				return reason
			}

		case ev, chOk := <-rx.Events():
			if !chOk {
				continue
			}
			if ev.Kind == transport.SocketError {
				return c.drainAndReturn(Socket)
			}
			if reason, done := c.onReceived(ev.Letter, tx, &ackTimer, &ackTimerC); done {
				return reason
			}

		case <-c.ackQueue.Notify():
			c.tryWrite(tx)

		case <-c.userQueue.Notify():
			c.tryWrite(tx)

		case <-ackTimerC:
			return c.drainAndReturn(AckTimeout)
		}
	}
}

// onSent handles a Transmitter Sent confirmation for the letter currently
// being written.
func (c *Channel) onSent(l *letter.Letter, tx *transport.Transmitter, ackTimer **time.Timer, ackTimerC *<-chan time.Time) (DisconnectReason, bool) {
	c.mu.Lock()
	c.lastSent = time.Now()

	if l != c.writing {
		// The handshake's Initialize was handed to the Transmitter directly,
		// not through tryWrite; its confirmation can arrive after serve starts.
		c.mu.Unlock()
		return 0, false
	}

	requiresAck := l.Options.Has(letter.OptAck) && !l.Options.Has(letter.OptNoAck)
	c.writing = nil

	if requiresAck {
		c.inFlight = l
		c.state = AwaitingAck
		timeout := c.cfg.AckTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		*ackTimer = time.NewTimer(timeout)
		*ackTimerC = (*ackTimer).C
		c.mu.Unlock()
		return 0, false
	}

	c.mu.Unlock()
	c.emit(Event{Kind: EventSent, Letter: l})
	c.emitAvailabilityIfIdle()
	c.tryWrite(tx)
	return 0, false
}

// onReceived handles a decoded inbound letter per spec.md §4.3's receive side.
func (c *Channel) onReceived(l *letter.Letter, tx *transport.Transmitter, ackTimer **time.Timer, ackTimerC *<-chan time.Time) (DisconnectReason, bool) {
	c.mu.Lock()
	c.lastReceived = time.Now()
	c.mu.Unlock()

	switch l.LetterType {
	case letter.Ack:
		c.mu.Lock()
		if c.state == AwaitingAck && c.inFlight != nil && c.inFlight.ID() == l.ID() {
			sent := c.inFlight
			c.inFlight = nil
			c.state = Connected
			if *ackTimer != nil {
				(*ackTimer).Stop()
				*ackTimer = nil
				*ackTimerC = nil
			}
			c.mu.Unlock()
			c.emit(Event{Kind: EventSent, Letter: sent})
			c.emitAvailabilityIfIdle()
			c.tryWrite(tx)
			return 0, false
		}
		c.mu.Unlock()
		return 0, false

	case letter.Heartbeat:
		return 0, false

	case letter.Shutdown:
		return c.drainAndReturn(Remote), true

	case letter.Batch:
		// The outer Batch letter always carries NoAck; an inner letter's own
		// Ack option is not honored in either direction.
		for _, p := range l.Parts {
			inner, err := letter.DecodeFrame(p.Bytes)
			if err != nil {
				log.WithFields(log.Fields{"binding": c.binding}).Warn("dropping malformed batch part")
				continue
			}
			c.emit(Event{Kind: EventReceived, Letter: inner})
		}
		return 0, false

	default:
		c.emit(Event{Kind: EventReceived, Letter: l})
		if !(l.Options.Has(letter.OptSilentAck) || l.Options.Has(letter.OptNoAck) || l.Options.Has(letter.OptMulticast)) {
			c.ackQueue.Push(letter.NewAck(l.ID()))
		}
		return 0, false
	}
}

// tryWrite starts writing the next queued letter if the Channel is idle and
// able to, giving ack-queue letters priority over user letters.
func (c *Channel) tryWrite(tx *transport.Transmitter) {
	c.mu.Lock()
	if c.state != Connected || c.writing != nil || c.inFlight != nil {
		c.mu.Unlock()
		return
	}

	next, ok := c.ackQueue.TryPop()
	if !ok {
		next, ok = c.userQueue.TryPop()
	}
	if !ok {
		c.mu.Unlock()
		return
	}

	c.writing = next
	c.mu.Unlock()

	tx.Enqueue(next)
}

// emitAvailabilityIfIdle emits EventQueueEmpty when Connected with nothing
// queued or in flight.
func (c *Channel) emitAvailabilityIfIdle() {
	if c.IsAvailable() {
		c.emit(Event{Kind: EventQueueEmpty})
	}
}

// CheckHeartbeat is invoked by the Heartbeat timer once per tick. If the
// outbound queue has been idle for interval, a Heartbeat letter is
// enqueued; if no inbound frame has arrived for maxMissed*interval, the
// Channel is disconnected for Socket.
func (c *Channel) CheckHeartbeat(interval time.Duration, maxMissed int) {
	c.mu.Lock()
	state := c.state
	lastSent := c.lastSent
	lastReceived := c.lastReceived
	idle := c.writing == nil && c.inFlight == nil && c.ackQueue.Len() == 0 && c.userQueue.Len() == 0
	c.mu.Unlock()

	if state != Connected {
		return
	}

	now := time.Now()
	if idle && now.Sub(lastSent) >= interval {
		c.ackQueue.Push(letter.NewHeartbeat())
	}
	if maxMissed > 0 && now.Sub(lastReceived) >= time.Duration(maxMissed)*interval {
		c.mu.Lock()
		trig := c.trigger
		c.mu.Unlock()
		if trig != nil {
			select {
			case trig <- Socket:
			default:
			}
		}
	}
}

// drainAndReturn transitions to Disconnecting, reports every in-flight or
// queued User or Batch letter as FailedToSend, and returns reason for the caller to
// propagate as the ChannelDisconnected event.
func (c *Channel) drainAndReturn(reason DisconnectReason) DisconnectReason {
	c.mu.Lock()
	c.state = Disconnecting

	var failed []*letter.Letter
	if c.writing != nil {
		failed = append(failed, c.writing)
		c.writing = nil
	}
	if c.inFlight != nil {
		failed = append(failed, c.inFlight)
		c.inFlight = nil
	}
	for {
		l, ok := c.ackQueue.TryPop()
		if !ok {
			break
		}
		failed = append(failed, l)
	}
	for {
		l, ok := c.userQueue.TryPop()
		if !ok {
			break
		}
		failed = append(failed, l)
	}
	c.mu.Unlock()

	for _, l := range failed {
		// Control letters generated internally (Ack, Heartbeat, Shutdown)
		// carry no delivery obligation of their own; dropping them silently
		// matches spec.md's Socket-level FailedToSend mapping, which only
		// concerns application letters. A Batch letter carries application
		// letters and is reported so batch.Channel can fail each of them.
		if l.LetterType != letter.User && l.LetterType != letter.Batch {
			continue
		}
		c.emit(Event{Kind: EventFailedToSend, Letter: l})
	}

	return reason
}
