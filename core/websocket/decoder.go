package websocket

import (
	"encoding/binary"
	"fmt"
)

// DefaultMaxMessage bounds an assembled message when no limit is given.
const DefaultMaxMessage = 1024 * 1024

// Message is one complete inbound message: a data message with its
// continuation frames joined, or a single control frame.
type Message struct {
	OpCode  OpCode
	Payload []byte
}

// Decoder parses frames incrementally from arbitrary read fragments and
// reassembles fragmented messages. It keeps partial headers and payloads
// between calls.
type Decoder struct {
	max int

	hdr  [14]byte
	hn   int
	need int

	fin    bool
	op     OpCode
	masked bool
	mask   [4]byte
	maskAt int
	length int

	payload   []byte
	inPayload bool

	msgOp OpCode
	msg   []byte
	open  bool // a fragmented message is in progress
}

// NewDecoder returns a decoder that rejects messages larger than max bytes.
func NewDecoder(max int) *Decoder {
	if max <= 0 {
		max = DefaultMaxMessage
	}
	return &Decoder{max: max, need: 2}
}

// Decode consumes all of p and calls emit for every complete message, in
// order. Payloads passed to emit are owned by the callee.
func (d *Decoder) Decode(p []byte, emit func(Message) error) error {
	for len(p) > 0 {
		if !d.inPayload {
			n := copy(d.hdr[d.hn:d.need], p)
			d.hn += n
			p = p[n:]
			if d.hn < d.need {
				return nil
			}
			done, err := d.parseHeader()
			if err != nil {
				return err
			}
			if !done {
				continue
			}
			if d.length == 0 {
				if err := d.complete(emit); err != nil {
					return err
				}
			}
			continue
		}

		n := d.length - len(d.payload)
		if n > len(p) {
			n = len(p)
		}
		start := len(d.payload)
		d.payload = append(d.payload, p[:n]...)
		if d.masked {
			d.maskAt = maskBytes(d.payload[start:], d.mask[:], d.maskAt)
		}
		p = p[n:]

		if len(d.payload) == d.length {
			if err := d.complete(emit); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseHeader works on the collected header bytes. It returns false when
// the header turns out to need more bytes than collected so far.
func (d *Decoder) parseHeader() (bool, error) {
	b0, b1 := d.hdr[0], d.hdr[1]
	if b0&0x70 != 0 {
		return false, fmt.Errorf("%w: reserved bits set", ErrProtocol)
	}

	full := 2
	switch b1 & 0x7F {
	case 126:
		full += 2
	case 127:
		full += 8
	}
	if b1&0x80 != 0 {
		full += 4
	}
	if d.need < full {
		d.need = full
		return false, nil
	}

	d.fin = b0&0x80 != 0
	d.op = OpCode(b0 & 0x0F)
	d.masked = b1&0x80 != 0

	var length uint64
	off := 2
	switch b1 & 0x7F {
	case 126:
		length = uint64(binary.BigEndian.Uint16(d.hdr[2:4]))
		off = 4
	case 127:
		length = binary.BigEndian.Uint64(d.hdr[2:10])
		off = 10
	default:
		length = uint64(b1 & 0x7F)
	}
	if d.masked {
		copy(d.mask[:], d.hdr[off:off+4])
	}

	switch d.op {
	case OpText, OpBinary, OpContinuation:
	case OpClose, OpPing, OpPong:
		if !d.fin || length > maxControlPayload {
			return false, fmt.Errorf("%w: invalid control frame", ErrProtocol)
		}
	default:
		return false, fmt.Errorf("%w: unknown opcode %#x", ErrProtocol, byte(d.op))
	}

	if length > uint64(d.max) || (!d.op.IsControl() && len(d.msg)+int(length) > d.max) {
		return false, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, length, d.max)
	}

	d.length = int(length)
	d.payload = make([]byte, 0, d.length)
	d.maskAt = 0
	d.inPayload = true
	return true, nil
}

func (d *Decoder) complete(emit func(Message) error) error {
	payload := d.payload
	d.payload = nil
	d.inPayload = false
	d.hn = 0
	d.need = 2

	switch {
	case d.op.IsControl():
		return emit(Message{OpCode: d.op, Payload: payload})

	case d.op == OpContinuation:
		if !d.open {
			return fmt.Errorf("%w: continuation without a started message", ErrProtocol)
		}
		d.msg = append(d.msg, payload...)
		if !d.fin {
			return nil
		}
		msg := Message{OpCode: d.msgOp, Payload: d.msg}
		d.msg, d.open = nil, false
		return emit(msg)

	default:
		if d.open {
			return fmt.Errorf("%w: new message before the previous one finished", ErrProtocol)
		}
		if d.fin {
			return emit(Message{OpCode: d.op, Payload: payload})
		}
		d.msgOp, d.msg, d.open = d.op, payload, true
		return nil
	}
}
