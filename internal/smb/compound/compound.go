// Package compound packs multiple logical SMB2 messages into one transport
// payload and splits received payloads back into their parts.
//
// Messages are laid out consecutively; each header's NextCommand field holds
// the 8-byte-aligned distance to the next header, zero on the last message.
// A message flagged related operates on the resource context of its
// predecessor instead of restating identifiers.
//
// The package is stateless; all state lives in the buffer being processed.
//
// [MS-SMB2] 3.2.4.1.4
package compound

import (
	"errors"
	"fmt"

	"github.com/marmos91/smbwire/internal/smb/header"
)

// DefaultMaxChain bounds how many messages one payload may chain. A hostile
// peer could otherwise amplify a single frame into unbounded work.
const DefaultMaxChain = 32

// ErrBadChain is the sentinel wrapped by every chain-structure violation.
// Chain violations are connection-fatal.
var ErrBadChain = errors.New("compound: invalid chain")

// Message is one logical message: a parsed header and its body bytes.
type Message struct {
	Header *header.Header
	Body   []byte
}

// Related reports whether the message inherits its predecessor's context.
func (m Message) Related() bool { return m.Header.IsRelated() }

// Join lays the messages out as a single compound payload.
//
// Every header's NextCommand is set by Join (callers need not precompute
// offsets): the aligned length of the unit for all but the last message,
// zero for the last. It also returns the byte offset of each message within
// the payload so callers can sign individual units in place.
func Join(msgs []Message) ([]byte, []int, error) {
	if len(msgs) == 0 {
		return nil, nil, fmt.Errorf("%w: empty chain", ErrBadChain)
	}

	var buf []byte
	offsets := make([]int, len(msgs))
	for i, m := range msgs {
		offsets[i] = len(buf)

		unitLen := header.Size + len(m.Body)
		last := i == len(msgs)-1

		h := *m.Header
		if last {
			h.NextCommand = 0
		} else {
			h.NextCommand = uint32(aligned(unitLen))
		}

		buf = append(buf, h.Encode()...)
		buf = append(buf, m.Body...)
		if !last {
			buf = append(buf, make([]byte, aligned(unitLen)-unitLen)...)
		}
	}
	return buf, offsets, nil
}

// Split walks the NextCommand chain in buf and returns the constituent
// messages in order. maxChain bounds the chain length (DefaultMaxChain when
// zero).
//
// It fails with ErrBadChain when an offset is non-monotonic (smaller than
// one header), points outside the buffer, or the chain is too long.
func Split(buf []byte, maxChain int) ([]Message, error) {
	if maxChain <= 0 {
		maxChain = DefaultMaxChain
	}

	var msgs []Message
	rest := buf
	for {
		if len(msgs) >= maxChain {
			return nil, fmt.Errorf("%w: more than %d messages", ErrBadChain, maxChain)
		}

		h, err := header.Parse(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadChain, err)
		}

		if h.NextCommand == 0 {
			msgs = append(msgs, Message{Header: h, Body: rest[header.Size:]})
			return msgs, nil
		}

		next := int(h.NextCommand)
		if next < header.Size {
			return nil, fmt.Errorf("%w: next-command offset %d overlaps header", ErrBadChain, next)
		}
		if next >= len(rest) {
			return nil, fmt.Errorf("%w: next-command offset %d beyond %d remaining bytes",
				ErrBadChain, next, len(rest))
		}

		msgs = append(msgs, Message{Header: h, Body: rest[header.Size:next]})
		rest = rest[next:]
	}
}

// Unit returns the wire bytes of the i-th message in a joined payload,
// including alignment padding, exactly the range a signature covers.
func Unit(buf []byte, offsets []int, i int) []byte {
	if i < 0 || i >= len(offsets) {
		return nil
	}
	if i == len(offsets)-1 {
		return buf[offsets[i]:]
	}
	return buf[offsets[i]:offsets[i+1]]
}

func aligned(n int) int {
	return (n + 7) &^ 7
}
