package http

import "strconv"

var (
	crlf      = []byte("\r\n")
	lastChunk = []byte("0\r\n\r\n")
)

// LastChunk returns the terminating zero-size chunk.
func LastChunk() []byte {
	return lastChunk
}

// AppendInt appends the decimal form of i to b.
func AppendInt(b []byte, i int) []byte {
	return strconv.AppendInt(b, int64(i), 10)
}

// AppendStatusLine appends "HTTP/1.1 <code> <reason>\r\n".
func AppendStatusLine(b []byte, status int) []byte {
	b = append(b, "HTTP/1.1 "...)
	b = AppendInt(b, status)
	b = append(b, ' ')
	if text := StatusText(status); text != "" {
		b = append(b, text...)
	} else {
		b = append(b, "Unknown"...)
	}
	return append(b, crlf...)
}

// AppendResponseHead appends the status line, the header lines and the blank line.
func AppendResponseHead(b []byte, status int, h Header) []byte {
	b = AppendStatusLine(b, status)
	b = h.AppendTo(b)
	return append(b, crlf...)
}

// EncodeResponse encodes a complete, Content-Length framed response.
func EncodeResponse(status int, h Header, body []byte) []byte {
	h = h.Clone()
	if status != 101 {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}
	b := make([]byte, 0, 128+len(h)*32+len(body))
	b = AppendResponseHead(b, status, h)
	return append(b, body...)
}

// AppendChunkSize appends the hex size line of a chunk.
func AppendChunkSize(b []byte, size int) []byte {
	b = strconv.AppendInt(b, int64(size), 16)
	return append(b, crlf...)
}

// AppendChunk appends p framed as one chunk. An empty p appends nothing,
// since a zero-size chunk would end the body.
func AppendChunk(b, p []byte) []byte {
	if len(p) == 0 {
		return b
	}
	b = AppendChunkSize(b, len(p))
	b = append(b, p...)
	return append(b, crlf...)
}

// AppendRequest appends the request line, headers and body of r.
// Content-Length is set from the body unless the request is chunked.
func AppendRequest(b []byte, r *Request) []byte {
	b = append(b, r.Method...)
	b = append(b, ' ')
	if r.Target == "" {
		b = append(b, '/')
	} else {
		b = append(b, r.Target...)
	}
	b = append(b, ' ')
	b = append(b, r.Version.String()...)
	b = append(b, crlf...)

	h := r.Header
	if len(r.Body) > 0 && !h.HasToken("Transfer-Encoding", "chunked") {
		h = h.Clone()
		h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	b = h.AppendTo(b)
	b = append(b, crlf...)
	return append(b, r.Body...)
}
