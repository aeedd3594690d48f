// SPDX-License-Identifier: GPL-3.0-or-later

package letter

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameLength bounds a single frame's body to guard against a peer
// claiming an absurd total_length and exhausting memory before the
// MalformedFrame check on trailing/short reads would otherwise fire.
const maxFrameLength = 64 << 20 // 64 MiB

// Decoder is a streaming, one-letter-at-a-time reader over an io.Reader. It
// buffers only what is necessary to complete the current frame, so it is
// safe to feed it arbitrarily small chunks from a socket.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for streaming Letter decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next blocks until one complete frame has arrived and returns its decoded
// Letter. It returns io.EOF when the underlying reader is exhausted between
// frames, and ErrMalformedFrame (wrapped) on any length or field-count
// inconsistency.
func (d *Decoder) Next() (*Letter, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("letter: %w: truncated length prefix", ErrMalformedFrame)
		}
		return nil, err
	}

	total := binary.LittleEndian.Uint32(lenBuf[:])
	if total > maxFrameLength {
		return nil, fmt.Errorf("letter: %w: frame length %d exceeds limit", ErrMalformedFrame, total)
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("letter: %w: truncated frame body", ErrMalformedFrame)
		}
		return nil, err
	}

	return Decode(body)
}
