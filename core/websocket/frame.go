package websocket

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"

	"github.com/searchktools/httpkit/core/http"
)

// OpCode represents WebSocket operation codes
type OpCode byte

const (
	OpContinuation OpCode = 0x0
	OpText         OpCode = 0x1
	OpBinary       OpCode = 0x2
	OpClose        OpCode = 0x8
	OpPing         OpCode = 0x9
	OpPong         OpCode = 0xA
)

// IsControl reports whether op is a close, ping or pong opcode.
func (op OpCode) IsControl() bool {
	return op&0x8 != 0
}

// Close status codes carried in close frames.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
	CloseUnsupported   = 1003
	CloseNoStatus      = 1005
	CloseTooBig        = 1009
)

const magicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxControlPayload bounds ping, pong and close payloads.
const maxControlPayload = 125

// AcceptKey derives the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + magicGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// IsUpgrade reports whether a request asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return r.Header.HasToken("Connection", "upgrade") &&
		r.Header.HasToken("Upgrade", "websocket") &&
		r.Header.Get("Sec-WebSocket-Key") != ""
}

// HandshakeHeader returns the headers of the 101 response answering r.
func HandshakeHeader(r *http.Request) http.Header {
	return http.Header{
		"Upgrade":              "websocket",
		"Connection":           "Upgrade",
		"Sec-Websocket-Accept": AcceptKey(r.Header.Get("Sec-WebSocket-Key")),
	}
}

// AppendFrame appends a single unmasked frame, as a server sends it.
func AppendFrame(b []byte, fin bool, op OpCode, payload []byte) []byte {
	return appendFrame(b, fin, op, payload, nil)
}

// AppendMaskedFrame appends a frame masked with key, as a client sends it.
func AppendMaskedFrame(b []byte, fin bool, op OpCode, payload []byte, key [4]byte) []byte {
	return appendFrame(b, fin, op, payload, key[:])
}

func appendFrame(b []byte, fin bool, op OpCode, payload, key []byte) []byte {
	first := byte(op)
	if fin {
		first |= 0x80
	}
	b = append(b, first)

	var mask byte
	if key != nil {
		mask = 0x80
	}

	n := len(payload)
	switch {
	case n < 126:
		b = append(b, mask|byte(n))
	case n < 65536:
		b = append(b, mask|126)
		b = binary.BigEndian.AppendUint16(b, uint16(n))
	default:
		b = append(b, mask|127)
		b = binary.BigEndian.AppendUint64(b, uint64(n))
	}

	if key == nil {
		return append(b, payload...)
	}
	b = append(b, key...)
	start := len(b)
	b = append(b, payload...)
	maskBytes(b[start:], key, 0)
	return b
}

// AppendText appends a complete text message.
func AppendText(b []byte, text string) []byte {
	return AppendFrame(b, true, OpText, []byte(text))
}

// AppendClose appends a close frame carrying code.
func AppendClose(b []byte, code int) []byte {
	var payload [2]byte
	binary.BigEndian.PutUint16(payload[:], uint16(code))
	return AppendFrame(b, true, OpClose, payload[:])
}

// CloseCode extracts the status code of a close frame payload.
func CloseCode(payload []byte) int {
	if len(payload) < 2 {
		return CloseNoStatus
	}
	return int(binary.BigEndian.Uint16(payload))
}

// maskBytes XORs p with key, starting at key offset pos. It returns the
// offset to continue from.
func maskBytes(p, key []byte, pos int) int {
	for i := range p {
		p[i] ^= key[pos&3]
		pos++
	}
	return pos & 3
}
