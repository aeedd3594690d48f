// SPDX-License-Identifier: GPL-3.0-or-later

package letter

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// ErrMalformedFrame is returned by Decode/Decoder.Next when a frame violates
// the wire format's length or field-count invariants.
var ErrMalformedFrame = fmt.Errorf("letter: malformed frame")

// Encode serializes l into a single self-delimited wire frame.
func Encode(l *Letter) ([]byte, error) {
	if len(l.Parts) > math.MaxUint16 {
		return nil, fmt.Errorf("letter: %w: %d parts exceeds uint16 range", ErrMalformedFrame, len(l.Parts))
	}

	var body bytes.Buffer
	body.WriteByte(byte(l.Options))
	body.WriteByte(byte(l.LetterType))

	if l.hasID() {
		id := l.ID()
		body.Write(id[:])
	}

	var countBuf [2]byte
	binary.LittleEndian.PutUint16(countBuf[:], uint16(len(l.Parts)))
	body.Write(countBuf[:])

	for i, p := range l.Parts {
		if len(p.Bytes) > math.MaxUint32 {
			return nil, fmt.Errorf("letter: %w: part %d exceeds uint32 range", ErrMalformedFrame, i)
		}
		body.WriteByte(byte(p.Type))

		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(p.Bytes)))
		body.Write(lenBuf[:])
		body.Write(p.Bytes)
	}

	frame := make([]byte, 4+body.Len())
	binary.LittleEndian.PutUint32(frame[:4], uint32(body.Len()))
	copy(frame[4:], body.Bytes())

	return frame, nil
}

// DecodeFrame parses a complete frame, length prefix included, such as one
// recovered whole from a Batch letter's Part bytes.
func DecodeFrame(frame []byte) (*Letter, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("letter: %w: frame shorter than length prefix", ErrMalformedFrame)
	}
	n := binary.LittleEndian.Uint32(frame[:4])
	if uint32(len(frame)-4) != n {
		return nil, fmt.Errorf("letter: %w: length prefix %d does not match body of %d bytes", ErrMalformedFrame, n, len(frame)-4)
	}
	return Decode(frame[4:])
}

// Decode parses a single complete frame body (everything after the 4-byte
// total_length prefix, exactly total_length bytes) into a Letter.
func Decode(body []byte) (*Letter, error) {
	r := bytes.NewReader(body)

	options, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("letter: %w: reading options: %v", ErrMalformedFrame, err)
	}
	typ, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("letter: %w: reading type: %v", ErrMalformedFrame, err)
	}

	l := &Letter{
		LetterType: Type(typ),
		Options:    Options(options),
	}

	if l.hasID() {
		var id ID
		if n, rerr := r.Read(id[:]); rerr != nil || n != len(id) {
			return nil, fmt.Errorf("letter: %w: reading id: %v", ErrMalformedFrame, rerr)
		}
		l.WithID(id)
	}

	var countBuf [2]byte
	if n, err := r.Read(countBuf[:]); err != nil || n != len(countBuf) {
		return nil, fmt.Errorf("letter: %w: reading parts count: %v", ErrMalformedFrame, err)
	}
	count := binary.LittleEndian.Uint16(countBuf[:])

	l.Parts = make([]Part, count)
	for i := 0; i < int(count); i++ {
		partType, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("letter: %w: reading part %d type: %v", ErrMalformedFrame, i, err)
		}

		var lenBuf [4]byte
		if n, err := r.Read(lenBuf[:]); err != nil || n != len(lenBuf) {
			return nil, fmt.Errorf("letter: %w: reading part %d length: %v", ErrMalformedFrame, i, err)
		}
		partLen := binary.LittleEndian.Uint32(lenBuf[:])

		data := make([]byte, partLen)
		if n, err := r.Read(data); (err != nil && partLen > 0) || uint32(n) != partLen {
			return nil, fmt.Errorf("letter: %w: reading part %d bytes: %v", ErrMalformedFrame, i, err)
		}

		l.Parts[i] = Part{Type: PartType(partType), Bytes: data}
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("letter: %w: %d trailing bytes", ErrMalformedFrame, r.Len())
	}

	return l, nil
}
