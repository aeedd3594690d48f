// SPDX-License-Identifier: GPL-3.0-or-later

// Package letter defines Hyperletter's wire-level message unit: the Letter,
// its Parts, and the binary frame format exchanged between peers.
package letter

import (
	"crypto/rand"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Type identifies the purpose of a Letter on the wire.
type Type uint8

const (
	// Initialize carries a single NodeID Part during the handshake.
	Initialize Type = 1
	// Shutdown requests the peer to close the channel gracefully.
	Shutdown Type = 2
	// User is an application payload.
	User Type = 4
	// Ack echoes the ID of a received User letter.
	Ack Type = 8
	// Heartbeat is sent on an idle channel to prove liveness.
	Heartbeat Type = 16
	// Batch carries fully-serialized inner letters as its Parts.
	Batch Type = 32
)

func (t Type) String() string {
	switch t {
	case Initialize:
		return "Initialize"
	case Shutdown:
		return "Shutdown"
	case User:
		return "User"
	case Ack:
		return "Ack"
	case Heartbeat:
		return "Heartbeat"
	case Batch:
		return "Batch"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Options is a bitset of delivery modifiers attached to a Letter.
type Options uint8

const (
	// OptAck requests an acknowledgement from the receiving peer.
	OptAck Options = 1 << iota
	// OptSilentAck suppresses the Ack reply despite User type.
	OptSilentAck
	// OptMulticast fans a Letter out to every connected peer.
	OptMulticast
	// OptRequeue re-enters the Dispatcher on FailedToSend instead of discarding.
	OptRequeue
	// OptSilentDiscard suppresses the Discarded event on drop.
	OptSilentDiscard
	// OptNoAck suppresses both the automatic Ack request and reply.
	OptNoAck
	// OptUniqueId forces ID assignment even without OptAck.
	OptUniqueId
)

// Has reports whether o includes every bit of mask.
func (o Options) Has(mask Options) bool {
	return o&mask == mask
}

// ID is a 128-bit identifier correlating a Letter with its Ack.
type ID [16]byte

func (id ID) String() string {
	return fmt.Sprintf("%x", [16]byte(id))
}

// IsZero reports whether id is the unset, all-zero identifier.
func (id ID) IsZero() bool {
	return id == ID{}
}

// NewID draws a fresh random 128-bit identifier.
func NewID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("letter: failed to draw random ID: %v", err))
	}
	return id
}

// NodeID is the 16-byte opaque identifier a socket advertises during the
// handshake and which other peers use to route SendTo calls.
type NodeID [16]byte

func (n NodeID) String() string {
	return fmt.Sprintf("%x", [16]byte(n))
}

// IsZero reports whether n is the unset, all-zero NodeID.
func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

// NewNodeID draws a fresh random NodeID, the default for an unconfigured socket.
func NewNodeID() NodeID {
	var n NodeID
	if _, err := rand.Read(n[:]); err != nil {
		panic(fmt.Sprintf("letter: failed to draw random NodeID: %v", err))
	}
	return n
}

// PartType identifies the content a Part carries.
type PartType uint8

const (
	// PartUser carries an application-defined byte blob.
	PartUser PartType = 1
	// PartNodeID carries a 16-byte NodeID, used only in Initialize letters.
	PartNodeID PartType = 2
	// PartBatch carries one fully-serialized inner Letter.
	PartBatch PartType = 3
)

// Part is one ordered, typed byte blob inside a Letter.
type Part struct {
	Type  PartType
	Bytes []byte
}

// NodeIDPart wraps a NodeID as an Initialize letter's Part.
func NodeIDPart(n NodeID) Part {
	return Part{Type: PartNodeID, Bytes: append([]byte(nil), n[:]...)}
}

// NodeID extracts the NodeID carried by a PartNodeID Part.
func (p Part) NodeID() (NodeID, error) {
	if p.Type != PartNodeID {
		return NodeID{}, fmt.Errorf("letter: part is not a NodeID part")
	}
	if len(p.Bytes) != 16 {
		return NodeID{}, fmt.Errorf("letter: NodeID part has %d bytes, want 16", len(p.Bytes))
	}
	var n NodeID
	copy(n[:], p.Bytes)
	return n, nil
}

// UserPart wraps an application byte blob as a Part.
func UserPart(b []byte) Part {
	return Part{Type: PartUser, Bytes: b}
}

// Letter is Hyperletter's immutable, application-visible message unit.
//
// A Letter is built with New and is immutable once enqueued: Id is assigned
// lazily by the channel that first needs it (OptAck or OptUniqueId), never
// mutated afterwards.
type Letter struct {
	LetterType Type
	Options    Options
	id         ID
	idSet      bool
	Parts      []Part
}

// New constructs a Letter. Options and Parts are copied by reference; callers
// must not mutate the Parts slice after passing it in.
func New(t Type, opts Options, parts ...Part) *Letter {
	return &Letter{
		LetterType: t,
		Options:    opts,
		Parts:      parts,
	}
}

// ID returns the Letter's identifier, assigning a fresh random one on first
// access if OptAck or OptUniqueId is set and none has been assigned yet.
// Letters without either option always report the zero ID.
func (l *Letter) ID() ID {
	if !l.idSet {
		if l.Options.Has(OptAck) || l.Options.Has(OptUniqueId) {
			l.id = NewID()
		}
		l.idSet = true
	}
	return l.id
}

// Clone copies l for a second, independent recipient (multicast fan-out).
// The clone has no assigned ID; it draws its own the first time ID is called
// on it, rather than sharing the original's.
func (l *Letter) Clone() *Letter {
	return &Letter{
		LetterType: l.LetterType,
		Options:    l.Options,
		Parts:      l.Parts,
	}
}

// WithID forces a specific ID, used to construct Ack/reply letters that must
// echo the ID of the letter they respond to.
func (l *Letter) WithID(id ID) *Letter {
	l.id = id
	l.idSet = true
	return l
}

// hasID reports whether the wire frame must carry an explicit ID field.
func (l *Letter) hasID() bool {
	return l.Options.Has(OptAck) || l.Options.Has(OptUniqueId)
}

// NewAck builds the Ack Letter a channel enqueues in reply to a received
// Letter carrying id. OptUniqueId (not OptAck) is what forces the ID onto
// the wire here: the Ack itself must never be acked in turn.
func NewAck(id ID) *Letter {
	return New(Ack, OptNoAck|OptUniqueId).WithID(id)
}

// NewInitialize builds the handshake Letter carrying the local NodeID.
func NewInitialize(node NodeID) *Letter {
	return New(Initialize, OptNoAck, NodeIDPart(node))
}

// NewHeartbeat builds the idle-channel liveness Letter.
func NewHeartbeat() *Letter {
	return New(Heartbeat, OptNoAck)
}

// NewShutdown builds the graceful-close request Letter.
func NewShutdown() *Letter {
	return New(Shutdown, OptNoAck)
}

// Validate checks the invariants from Hyperletter's data model, accumulating
// every violation instead of stopping at the first.
func (l *Letter) Validate() error {
	var errs *multierror.Error

	if l.Options.Has(OptAck) && l.Options.Has(OptMulticast) {
		errs = multierror.Append(errs, fmt.Errorf("letter: Ack and Multicast are mutually exclusive"))
	}

	switch l.LetterType {
	case Initialize:
		if len(l.Parts) != 1 || l.Parts[0].Type != PartNodeID {
			errs = multierror.Append(errs, fmt.Errorf("letter: Initialize must carry exactly one NodeID part"))
		}
	case Batch:
		for i, p := range l.Parts {
			if p.Type != PartBatch {
				errs = multierror.Append(errs, fmt.Errorf("letter: Batch part %d has type %v, want PartBatch", i, p.Type))
			}
		}
	}

	return errs.ErrorOrNil()
}

func (l *Letter) String() string {
	return fmt.Sprintf("Letter{type=%v options=%v parts=%d}", l.LetterType, l.Options, len(l.Parts))
}
