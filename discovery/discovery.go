// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery implements the supplemented LAN peer-discovery feature:
// a node periodically broadcasts its NodeID and listening port over UDP, and
// a Listener invokes a callback for every announcement it decodes. This is additive to
// the core contract and has no effect on the wire format or delivery
// guarantees of the letter protocol.
package discovery

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/schollz/peerdiscovery"

	"github.com/hyperletter/hyperletter/internal/binding"
	"github.com/hyperletter/hyperletter/letter"
)

const defaultMulticastAddress = "239.255.250.51:9991"

// Config parameterizes both Announce and Listen.
type Config struct {
	// MulticastAddress is the UDP multicast group and port peers announce
	// and listen on; defaults to 239.255.250.51:9991.
	MulticastAddress string
	// Delay between broadcasts; defaults to 1s.
	Delay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MulticastAddress == "" {
		c.MulticastAddress = defaultMulticastAddress
	}
	if c.Delay <= 0 {
		c.Delay = time.Second
	}
	return c
}

// payload is the wire format of one discovery announcement: the
// announcing node's NodeID followed by its listening port. The peer's IP
// is taken from the UDP packet's source address, not from the payload.
func encodePayload(node letter.NodeID, port uint16) []byte {
	b := make([]byte, 18)
	copy(b, node[:])
	binary.LittleEndian.PutUint16(b[16:], port)
	return b
}

func decodePayload(b []byte) (letter.NodeID, uint16, error) {
	if len(b) != 18 {
		return letter.NodeID{}, 0, fmt.Errorf("discovery: payload has %d bytes, want 18", len(b))
	}
	var n letter.NodeID
	copy(n[:], b[:16])
	return n, binary.LittleEndian.Uint16(b[16:]), nil
}

// Announcer periodically broadcasts this node's NodeID and listening port
// until Stop is called.
type Announcer struct {
	stop chan struct{}
	done chan struct{}
}

// Announce starts broadcasting node/port on the LAN every cfg.Delay.
func Announce(node letter.NodeID, port uint16, cfg Config) *Announcer {
	cfg = cfg.withDefaults()
	a := &Announcer{stop: make(chan struct{}), done: make(chan struct{})}

	go func() {
		defer close(a.done)
		_, _ = peerdiscovery.Discover(peerdiscovery.Settings{
			Limit:            -1,
			Port:             addrPort(cfg.MulticastAddress),
			MulticastAddress: addrHost(cfg.MulticastAddress),
			Payload:          encodePayload(node, port),
			Delay:            cfg.Delay,
			TimeLimit:        -1,
			StopChan:         a.stop,
			AllowSelf:        false,
		})
	}()

	return a
}

// Stop halts the broadcast loop.
func (a *Announcer) Stop() {
	close(a.stop)
	<-a.done
}

// Peer is one discovered peer: its advertised NodeID and the Binding to
// dial to reach it.
type Peer struct {
	NodeID  letter.NodeID
	Binding binding.Binding
}

// Listener receives discovery announcements and invokes onPeer for each
// one it decodes, repeats included.
type Listener struct {
	stop chan struct{}
	done chan struct{}
}

// Listen starts watching for announcements on the LAN, invoking onPeer for
// every one successfully decoded, including repeats: deduplication, if
// wanted, is the caller's responsibility (e.g. Socket.Connect is already
// idempotent per Binding).
func Listen(cfg Config, onPeer func(Peer)) *Listener {
	cfg = cfg.withDefaults()
	l := &Listener{stop: make(chan struct{}), done: make(chan struct{})}

	go func() {
		defer close(l.done)
		_, _ = peerdiscovery.Discover(peerdiscovery.Settings{
			Limit:            -1,
			Port:             addrPort(cfg.MulticastAddress),
			MulticastAddress: addrHost(cfg.MulticastAddress),
			Delay:            cfg.Delay,
			TimeLimit:        -1,
			StopChan:         l.stop,
			AllowSelf:        false,
			Notify: func(d peerdiscovery.Discovered) {
				node, port, err := decodePayload(d.Payload)
				if err != nil {
					return
				}
				b, err := binding.New(d.Address, port)
				if err != nil {
					return
				}
				onPeer(Peer{NodeID: node, Binding: b})
			},
		})
	}()

	return l
}

// Stop halts the listen loop.
func (l *Listener) Stop() {
	close(l.stop)
	<-l.done
}

func addrHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func addrPort(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return port
}
