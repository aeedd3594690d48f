// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import "time"

// Backoff parameterizes an Outbound channel's reconnect delay: exponential,
// clamped to Max, then jittered by up to 10% either way.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// next returns the delay to wait before attempt (0-based) and jitters it by
// up to 10% either way (a factor in [0.9, 1.1)) to avoid a thundering herd
// of simultaneous reconnects.
func (b Backoff) next(attempt int, jitter func() float64) time.Duration {
	if b.Initial <= 0 {
		b.Initial = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}

	d := b.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > b.Max {
			d = b.Max
			break
		}
	}

	j := jitter()
	scaled := float64(d) * (0.9 + 0.2*j)
	return time.Duration(scaled)
}

// Config parameterizes a Channel's handshake, ack and reconnect behavior.
type Config struct {
	// LocalNodeID is advertised during the handshake.
	LocalNodeID [16]byte

	// InitializationTimeout bounds how long Handshaking waits for the
	// peer's Initialize letter.
	InitializationTimeout time.Duration

	// AckTimeout bounds how long AwaitingAck waits for a matching Ack.
	AckTimeout time.Duration

	// Backoff governs the delay between an Outbound channel's reconnect
	// attempts.
	Backoff Backoff

	// QueueBuffer sizes the Transmitter/Receiver event channel buffers; it
	// is a performance hint, not a correctness bound (the letter queues
	// themselves are unbounded).
	QueueBuffer int
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		InitializationTimeout: 5 * time.Second,
		AckTimeout:            5 * time.Second,
		Backoff: Backoff{
			Initial: 500 * time.Millisecond,
			Max:     30 * time.Second,
		},
		QueueBuffer: 32,
	}
}
