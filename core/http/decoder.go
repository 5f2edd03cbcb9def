package http

import (
	"fmt"
	"strconv"
	"strings"
)

// State is the position of a Decoder inside one message.
type State uint8

const (
	ReadInitial State = iota
	ReadHeader
	ReadFixedLengthContent
	ReadChunkSize
	ReadChunkedContent
	ReadChunkDelimiter
	ReadChunkFooter
	ReadVariableLengthContent
	AllRead
)

var stateNames = [...]string{
	ReadInitial:               "read-initial",
	ReadHeader:                "read-header",
	ReadFixedLengthContent:    "read-fixed-length-content",
	ReadChunkSize:             "read-chunk-size",
	ReadChunkedContent:        "read-chunked-content",
	ReadChunkDelimiter:        "read-chunk-delimiter",
	ReadChunkFooter:           "read-chunk-footer",
	ReadVariableLengthContent: "read-variable-length-content",
	AllRead:                   "all-read",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// DefaultMaxLine bounds a single request, status or header line.
const DefaultMaxLine = 4096

// Listener receives the pieces of a message as soon as they are decoded.
// Body slices alias the caller's input and are only valid during the call.
type Listener interface {
	OnHeaders(h Header) error
	OnBody(p []byte) error
}

// RequestListener receives a decoded request.
type RequestListener interface {
	Listener
	OnRequestLine(method, target string, v Version) error
}

// ResponseListener receives a decoded response.
type ResponseListener interface {
	Listener
	OnStatusLine(v Version, status int) error
}

// Decoder is an incremental HTTP/1.x message parser. Input arrives in
// arbitrary fragments through Decode; the decoder keeps its position
// between calls and pushes each piece to its listener. One Decoder serves
// one connection and is Reset between messages.
type Decoder struct {
	listener Listener
	request  RequestListener
	response ResponseListener

	lines     lineReader
	header    Header
	state     State
	remaining int64
	bodyRead  int64
	maxBody   int64
	status    int
}

// NewRequestDecoder returns a decoder for server-side request framing.
// maxBody <= 0 disables the body limit.
func NewRequestDecoder(l RequestListener, maxLine int, maxBody int64) *Decoder {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &Decoder{
		listener: l,
		request:  l,
		lines:    newLineReader(maxLine),
		header:   make(Header),
		maxBody:  maxBody,
	}
}

// NewResponseDecoder returns a decoder for client-side response framing.
func NewResponseDecoder(l ResponseListener, maxLine int) *Decoder {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &Decoder{
		listener: l,
		response: l,
		lines:    newLineReader(maxLine),
		header:   make(Header),
	}
}

// State returns the current state.
func (d *Decoder) State() State { return d.state }

// Header returns the headers decoded so far.
func (d *Decoder) Header() Header { return d.header }

// AwaitingClose reports whether the body is delimited by connection close,
// so more body may still arrive until the transport sees EOF.
func (d *Decoder) AwaitingClose() bool {
	return d.state == ReadVariableLengthContent
}

// Finish tells the decoder the peer closed the connection. A close
// delimited body is complete at that point.
func (d *Decoder) Finish() State {
	if d.state == ReadVariableLengthContent {
		d.state = AllRead
	}
	return d.state
}

// Reset prepares the decoder for the next message on the same connection.
// The line buffer is kept; the header map is replaced because the previous
// message may still reference it.
func (d *Decoder) Reset() {
	d.lines.reset()
	d.header = make(Header)
	d.state = ReadInitial
	d.remaining = 0
	d.bodyRead = 0
	d.status = 0
}

// Decode consumes p and returns how many bytes were used and the resulting
// state. It stops early once the message is complete; the unused tail
// belongs to the next message.
func (d *Decoder) Decode(p []byte) (int, State, error) {
	i := 0
	for i < len(p) {
		// a CR that ended the previous fragment may be followed by its LF
		if d.lines.skipLF {
			d.lines.skipLF = false
			if p[i] == '\n' {
				i++
				continue
			}
		}
		if d.state == AllRead {
			break
		}

		switch d.state {
		case ReadInitial:
			line, n, ok, err := d.lines.readLine(p[i:])
			i += n
			if err != nil {
				return i, d.state, err
			}
			if !ok || line == "" {
				continue
			}
			if err := d.parseInitialLine(line); err != nil {
				return i, d.state, err
			}
			d.state = ReadHeader

		case ReadHeader:
			line, n, ok, err := d.lines.readLine(p[i:])
			i += n
			if err != nil {
				return i, d.state, err
			}
			if !ok {
				continue
			}
			if line != "" {
				name, value, err := splitHeader(line)
				if err != nil {
					return i, d.state, err
				}
				d.header.Add(name, value)
				continue
			}
			if err := d.listener.OnHeaders(d.header); err != nil {
				return i, d.state, err
			}
			if err := d.selectBodyState(); err != nil {
				return i, d.state, err
			}

		case ReadChunkSize:
			line, n, ok, err := d.lines.readLine(p[i:])
			i += n
			if err != nil {
				return i, d.state, err
			}
			if !ok {
				continue
			}
			size, err := parseChunkSize(line)
			if err != nil {
				return i, d.state, err
			}
			if size == 0 {
				d.state = ReadChunkFooter
				continue
			}
			if d.maxBody > 0 && d.bodyRead+size > d.maxBody {
				return i, d.state, fmt.Errorf("%w: chunked body exceeds %d bytes", ErrBodyTooLarge, d.maxBody)
			}
			d.remaining = size
			d.state = ReadChunkedContent

		case ReadFixedLengthContent, ReadChunkedContent:
			n := int64(len(p) - i)
			if n > d.remaining {
				n = d.remaining
			}
			if err := d.body(p[i : i+int(n)]); err != nil {
				return i, d.state, err
			}
			i += int(n)
			d.remaining -= n
			if d.remaining == 0 {
				if d.state == ReadFixedLengthContent {
					d.state = AllRead
				} else {
					d.state = ReadChunkDelimiter
				}
			}

		case ReadChunkDelimiter:
			line, n, ok, err := d.lines.readLine(p[i:])
			i += n
			if err != nil {
				return i, d.state, err
			}
			if !ok {
				continue
			}
			if line != "" {
				return i, d.state, fmt.Errorf("%w: missing CRLF after chunk data", ErrProtocol)
			}
			d.state = ReadChunkSize

		case ReadChunkFooter:
			// trailer fields are skipped up to the blank line
			line, n, ok, err := d.lines.readLine(p[i:])
			i += n
			if err != nil {
				return i, d.state, err
			}
			if ok && line == "" {
				d.state = AllRead
			}

		case ReadVariableLengthContent:
			if err := d.body(p[i:]); err != nil {
				return i, d.state, err
			}
			i = len(p)
		}
	}
	return i, d.state, nil
}

func (d *Decoder) body(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	d.bodyRead += int64(len(p))
	if d.maxBody > 0 && d.bodyRead > d.maxBody {
		return fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, d.maxBody)
	}
	return d.listener.OnBody(p)
}

func (d *Decoder) parseInitialLine(line string) error {
	a, b, c := splitInitialLine(line)

	if d.request != nil {
		if a == "" || b == "" || c == "" {
			return fmt.Errorf("%w: malformed request line %q", ErrProtocol, line)
		}
		return d.request.OnRequestLine(a, b, ParseVersion(c))
	}

	if a == "" || b == "" {
		return fmt.Errorf("%w: malformed status line %q", ErrProtocol, line)
	}
	status, err := strconv.Atoi(b)
	if err != nil || StatusText(status) == "" {
		return fmt.Errorf("%w: bad status %q", ErrProtocol, b)
	}
	d.status = status
	return d.response.OnStatusLine(ParseVersion(a), status)
}

func (d *Decoder) selectBodyState() error {
	if d.response != nil && !bodyAllowed(d.status) {
		d.state = AllRead
		return nil
	}

	if d.header.HasToken("Transfer-Encoding", "chunked") {
		d.state = ReadChunkSize
		return nil
	}

	if cl, ok := d.header["Content-Length"]; ok {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: bad Content-Length %q", ErrProtocol, cl)
		}
		if d.maxBody > 0 && n > d.maxBody {
			return fmt.Errorf("%w: Content-Length %d exceeds %d", ErrBodyTooLarge, n, d.maxBody)
		}
		if n == 0 {
			d.state = AllRead
		} else {
			d.remaining = n
			d.state = ReadFixedLengthContent
		}
		return nil
	}

	// a request without framing headers has no body
	if d.request != nil {
		d.state = AllRead
		return nil
	}
	d.state = ReadVariableLengthContent
	return nil
}

func parseChunkSize(line string) (int64, error) {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad chunk size %q", ErrProtocol, line)
	}
	return n, nil
}
