// SPDX-License-Identifier: GPL-3.0-or-later

// Package socket implements Hyperletter's public façade: bind/unbind,
// connect/disconnect, send/send-to, and the fan-out of lifecycle and
// delivery events described in spec §4.6.
package socket

import (
	"time"

	"github.com/hyperletter/hyperletter/letter"
)

// Options configures a Socket. The zero value is not usable; build one with
// DefaultOptions and functional Option values, or load one with config.Load.
type Options struct {
	NodeID letter.NodeID

	Heartbeat struct {
		Interval  time.Duration
		MaxMissed int
	}

	Initialization struct {
		Timeout time.Duration
	}

	Ack struct {
		Timeout time.Duration
	}

	Batch struct {
		Enabled               bool
		MaxLettersInBatch     int
		MaxExtendedBatchCount int
	}

	Connect struct {
		Backoff struct {
			Initial time.Duration
			Max     time.Duration
		}
	}

	// Discovery optionally enables LAN peer discovery, a supplemented
	// feature with no analogue in the original core contract.
	Discovery struct {
		Enabled bool
	}
}

// DefaultOptions matches spec.md §6's defaults.
func DefaultOptions() Options {
	var o Options
	o.NodeID = letter.NewNodeID()
	o.Heartbeat.Interval = time.Second
	o.Heartbeat.MaxMissed = 3
	o.Initialization.Timeout = 5 * time.Second
	o.Ack.Timeout = 5 * time.Second
	o.Batch.Enabled = false
	o.Batch.MaxLettersInBatch = 100
	o.Batch.MaxExtendedBatchCount = 100
	o.Connect.Backoff.Initial = 500 * time.Millisecond
	o.Connect.Backoff.Max = 30 * time.Second
	return o
}

// Option mutates an Options value under construction.
type Option func(*Options)

// WithNodeID overrides the locally-advertised NodeID.
func WithNodeID(n letter.NodeID) Option {
	return func(o *Options) { o.NodeID = n }
}

// WithHeartbeat overrides the liveness timer's interval and missed-tick
// threshold.
func WithHeartbeat(interval time.Duration, maxMissed int) Option {
	return func(o *Options) {
		o.Heartbeat.Interval = interval
		o.Heartbeat.MaxMissed = maxMissed
	}
}

// WithInitializationTimeout overrides how long a handshake may take.
func WithInitializationTimeout(d time.Duration) Option {
	return func(o *Options) { o.Initialization.Timeout = d }
}

// WithAckTimeout overrides how long an Ack-requesting letter may go
// unacknowledged.
func WithAckTimeout(d time.Duration) Option {
	return func(o *Options) { o.Ack.Timeout = d }
}

// WithBatching enables the Batch Channel decorator on every channel this
// socket owns, coalescing buffered user letters into one wire frame per
// flush; a frame carries at most maxLetters+maxExtended letters.
func WithBatching(maxLetters, maxExtended int) Option {
	return func(o *Options) {
		o.Batch.Enabled = true
		o.Batch.MaxLettersInBatch = maxLetters
		o.Batch.MaxExtendedBatchCount = maxExtended
	}
}

// WithBackoff overrides an Outbound channel's reconnect backoff.
func WithBackoff(initial, max time.Duration) Option {
	return func(o *Options) {
		o.Connect.Backoff.Initial = initial
		o.Connect.Backoff.Max = max
	}
}

// WithDiscovery enables LAN UDP broadcast peer discovery.
func WithDiscovery() Option {
	return func(o *Options) { o.Discovery.Enabled = true }
}
