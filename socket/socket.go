// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/hyperletter/hyperletter/batch"
	"github.com/hyperletter/hyperletter/channel"
	"github.com/hyperletter/hyperletter/discovery"
	"github.com/hyperletter/hyperletter/dispatch"
	"github.com/hyperletter/hyperletter/heartbeat"
	"github.com/hyperletter/hyperletter/internal/binding"
	"github.com/hyperletter/hyperletter/letter"
	"github.com/hyperletter/hyperletter/transport"
)

// sender is what the Dispatcher and SendTo hand a letter to: either a raw
// channel.Channel or a batch.Channel wrapping one.
type sender interface {
	Enqueue(*letter.Letter) bool
	Events() <-chan channel.Event
}

// entry tracks everything the Socket needs about one Channel, batched or
// not, across its whole lifetime (including an Outbound channel's silent
// reconnects).
type entry struct {
	bnd    binding.Binding
	raw    *channel.Channel
	send   sender
	events <-chan channel.Event
}

// Socket is Hyperletter's public façade: it owns every Listener, Channel
// and the Dispatcher, per spec §3's ownership rules.
type Socket struct {
	opts Options

	mu        sync.Mutex
	listeners map[binding.Binding]*listener
	channels  map[binding.Binding]*entry
	byNodeID  map[letter.NodeID]*entry
	disposed  bool

	dispatcher *dispatch.Dispatcher
	heartbeat  *heartbeat.Timer

	discoveryListener  *discovery.Listener
	discoveryAnnouncer *discovery.Announcer

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Socket with DefaultOptions modified by opts, and starts
// its Dispatcher and Heartbeat timer.
func New(opts ...Option) *Socket {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		opts:      o,
		listeners: make(map[binding.Binding]*listener),
		channels:  make(map[binding.Binding]*entry),
		byNodeID:  make(map[letter.NodeID]*entry),
		events:    make(chan Event, 256),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.dispatcher = dispatch.New(s.connectedSenders, s.discard)
	s.heartbeat = heartbeat.Start(heartbeat.Config{
		Interval:  o.Heartbeat.Interval,
		MaxMissed: o.Heartbeat.MaxMissed,
	}, s.liveCheckers)

	if o.Discovery.Enabled {
		s.discoveryListener = discovery.Listen(discovery.Config{}, s.onPeerDiscovered)
	}
	return s
}

// onPeerDiscovered connects to a peer announced on the LAN. NodeID is
// ignored: duplicate Connect calls for an already-connected Binding are a
// no-op, so no separate dedup by NodeID is needed.
func (s *Socket) onPeerDiscovered(p discovery.Peer) {
	_ = s.Connect(p.Binding.Addr().String(), p.Binding.Port())
}

// Events returns the channel Hyperletter publishes every lifecycle and
// delivery event on.
func (s *Socket) Events() <-chan Event {
	return s.events
}

func (s *Socket) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.WithFields(log.Fields{"kind": ev.Kind}).Warn("socket event dropped, consumer not keeping up")
	}
}

func (s *Socket) channelConfig() channel.Config {
	return channel.Config{
		LocalNodeID:           s.opts.NodeID,
		InitializationTimeout: s.opts.Initialization.Timeout,
		AckTimeout:            s.opts.Ack.Timeout,
		Backoff: channel.Backoff{
			Initial: s.opts.Connect.Backoff.Initial,
			Max:     s.opts.Connect.Backoff.Max,
		},
		QueueBuffer: 32,
	}
}

func (s *Socket) wrap(raw *channel.Channel) sender {
	if !s.opts.Batch.Enabled {
		return raw
	}
	return batch.Wrap(raw, batch.Config{
		MaxLettersInBatch:     s.opts.Batch.MaxLettersInBatch,
		MaxExtendedBatchCount: s.opts.Batch.MaxExtendedBatchCount,
	})
}

// Bind starts a Listener on (ip, port). Idempotent: binding an
// already-bound address is a no-op.
func (s *Socket) Bind(ip string, port uint16) error {
	bnd, err := binding.New(ip, port)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if _, ok := s.listeners[bnd]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAddressInUse, err)
	}

	l := newListener(bnd, ln, s.onAccept)

	s.mu.Lock()
	s.listeners[bnd] = l
	startAnnouncer := s.opts.Discovery.Enabled && s.discoveryAnnouncer == nil
	if startAnnouncer {
		s.discoveryAnnouncer = discovery.Announce(s.opts.NodeID, port, discovery.Config{})
	}
	s.mu.Unlock()
	return nil
}

// Unbind stops the Listener on (ip, port); channels it already accepted
// continue running.
func (s *Socket) Unbind(ip string, port uint16) {
	bnd, err := binding.New(ip, port)
	if err != nil {
		return
	}

	s.mu.Lock()
	l, ok := s.listeners[bnd]
	delete(s.listeners, bnd)
	s.mu.Unlock()

	if ok {
		_ = l.close()
	}
}

func (s *Socket) onAccept(conn net.Conn, remote binding.Binding) {
	raw := channel.NewInbound(conn, remote, s.channelConfig())
	s.addEntry(remote, raw)
}

// Connect starts (or returns, if already present) an Outbound channel to
// (ip, port). It auto-reconnects with backoff until Disconnect or Dispose.
func (s *Socket) Connect(ip string, port uint16) error {
	bnd, err := binding.New(ip, port)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if _, ok := s.channels[bnd]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", ip, port)
	timeout := s.opts.Initialization.Timeout
	dial := func(ctx context.Context) (net.Conn, error) {
		return transport.Dial(addr, timeout)
	}

	s.emit(Event{Kind: EventConnecting, Binding: bnd})

	raw := channel.NewOutbound(bnd, s.channelConfig(), dial)
	s.addEntry(bnd, raw)
	return nil
}

func (s *Socket) addEntry(bnd binding.Binding, raw *channel.Channel) {
	send := s.wrap(raw)
	e := &entry{bnd: bnd, raw: raw, send: send, events: send.Events()}

	s.mu.Lock()
	s.channels[bnd] = e
	s.mu.Unlock()

	go s.pump(e)
}

// Disconnect requests graceful shutdown of the channel bound to (ip, port).
func (s *Socket) Disconnect(ip string, port uint16) {
	bnd, err := binding.New(ip, port)
	if err != nil {
		return
	}

	s.mu.Lock()
	e, ok := s.channels[bnd]
	s.mu.Unlock()
	if ok {
		e.raw.Disconnect()
	}
}

// Send hands l to the Dispatcher for matching against a ready channel. Per
// spec.md, the only synchronous failure path in the whole API is an invalid
// Bind/Connect argument: a letter that fails Validate is discarded (a
// Discarded event, not a returned error) rather than rejected here.
func (s *Socket) Send(l *letter.Letter) error {
	if err := l.Validate(); err != nil {
		s.discard(l)
		return nil
	}
	s.dispatcher.Enqueue(l)
	return nil
}

// SendTo routes l directly to the channel whose RemoteNodeID matches node.
// If no such channel is Connected, or l fails Validate, l is discarded.
func (s *Socket) SendTo(l *letter.Letter, node letter.NodeID) error {
	if err := l.Validate(); err != nil {
		s.discard(l)
		return nil
	}

	s.mu.Lock()
	e, ok := s.byNodeID[node]
	s.mu.Unlock()

	if !ok || !e.send.Enqueue(l) {
		s.discard(l)
	}
	return nil
}

// Dispose cancels the Socket, stops the heartbeat and every Listener, and
// disconnects every channel. It blocks until every channel has stopped.
func (s *Socket) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	listeners := make([]*listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	entries := make([]*entry, 0, len(s.channels))
	for _, e := range s.channels {
		entries = append(entries, e)
	}
	announcer := s.discoveryAnnouncer
	discoveryListener := s.discoveryListener
	s.mu.Unlock()

	if discoveryListener != nil {
		discoveryListener.Stop()
	}
	if announcer != nil {
		announcer.Stop()
	}

	s.heartbeat.Stop()
	s.dispatcher.Close()

	var errs *multierror.Error
	for _, l := range listeners {
		if err := l.close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			e.raw.Dispose()
		}(e)
	}
	wg.Wait()

	s.cancel()
	s.emit(Event{Kind: EventDisposed})
	return errs.ErrorOrNil()
}

func (s *Socket) discard(l *letter.Letter) {
	if !l.Options.Has(letter.OptSilentDiscard) {
		s.emit(Event{Kind: EventDiscarded, Letter: l})
	}
}

// connectedSenders snapshots every channel currently Connected, for the
// Dispatcher's multicast fan-out.
func (s *Socket) connectedSenders() []dispatch.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]dispatch.Channel, 0, len(s.channels))
	for _, e := range s.channels {
		if e.raw.State() == channel.Connected {
			out = append(out, e.send)
		}
	}
	return out
}

// liveCheckers snapshots every channel for the Heartbeat timer; CheckHeartbeat
// itself is a no-op on a channel that is not Connected.
func (s *Socket) liveCheckers() []heartbeat.Checker {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]heartbeat.Checker, 0, len(s.channels))
	for _, e := range s.channels {
		out = append(out, e.raw)
	}
	return out
}

func (s *Socket) pump(e *entry) {
	for {
		select {
		case ev, ok := <-e.events:
			if !ok {
				return
			}
			s.handleChannelEvent(e, ev)
		case <-e.raw.Stopped():
			s.drainRemaining(e)
			return
		}
	}
}

func (s *Socket) drainRemaining(e *entry) {
	for {
		select {
		case ev, ok := <-e.events:
			if !ok {
				return
			}
			s.handleChannelEvent(e, ev)
		default:
			return
		}
	}
}

func (s *Socket) handleChannelEvent(e *entry, ev channel.Event) {
	switch ev.Kind {
	case channel.EventSent:
		s.emit(Event{Kind: EventSent, Binding: e.bnd, Letter: ev.Letter})

	case channel.EventReceived:
		s.emit(Event{Kind: EventReceived, Binding: e.bnd, Letter: ev.Letter})

	case channel.EventFailedToSend:
		s.handleFailedToSend(ev.Letter)

	case channel.EventInitialized:
		s.mu.Lock()
		s.byNodeID[ev.NodeID] = e
		s.mu.Unlock()
		s.emit(Event{Kind: EventConnected, Binding: e.bnd, NodeID: ev.NodeID})

	case channel.EventQueueEmpty:
		s.dispatcher.ChannelReady(e.send)

	case channel.EventDisconnected:
		s.dispatcher.ChannelUnready(e.send)
		s.mu.Lock()
		if node, ok := e.raw.RemoteNodeID(); ok {
			if cur, exists := s.byNodeID[node]; exists && cur == e {
				delete(s.byNodeID, node)
			}
		}
		if e.raw.Direction() == channel.Inbound {
			delete(s.channels, e.bnd)
		}
		s.mu.Unlock()
		s.emit(Event{Kind: EventDisconnected, Binding: e.bnd, Reason: ev.Reason})
	}
}

func (s *Socket) handleFailedToSend(l *letter.Letter) {
	switch {
	case l.Options.Has(letter.OptMulticast):
		s.discard(l)
	case l.Options.Has(letter.OptRequeue):
		s.dispatcher.Enqueue(l)
		s.emit(Event{Kind: EventRequeued, Letter: l})
	default:
		s.discard(l)
	}
}
