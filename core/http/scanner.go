package http

import (
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// lineReader accumulates one CR, LF or CRLF terminated line across reads.
// The buffer is allocated once and never grows.
type lineReader struct {
	buf []byte
	n   int

	// set when a line ended with CR as the last byte of a read;
	// a leading LF in the next read belongs to that line.
	skipLF bool
}

func newLineReader(max int) lineReader {
	return lineReader{buf: make([]byte, max)}
}

// readLine consumes bytes from p until a line terminator. It returns the
// line, the number of bytes consumed and whether the line is complete.
// An incomplete line stays in the buffer for the next call.
func (r *lineReader) readLine(p []byte) (string, int, bool, error) {
	for i := 0; i < len(p); i++ {
		switch b := p[i]; b {
		case '\r':
			i++
			if i < len(p) {
				if p[i] == '\n' {
					i++
				}
			} else {
				r.skipLF = true
			}
			return r.take(), i, true, nil
		case '\n':
			return r.take(), i + 1, true, nil
		default:
			if r.n >= len(r.buf) {
				return "", i, false, fmt.Errorf("%w: exceeds %d bytes", ErrLineTooLarge, len(r.buf))
			}
			r.buf[r.n] = b
			r.n++
		}
	}
	return "", len(p), false, nil
}

func (r *lineReader) take() string {
	line := string(r.buf[:r.n])
	r.n = 0
	return line
}

func (r *lineReader) reset() {
	r.n = 0
	r.skipLF = false
}

func isWhitespace(c byte) bool {
	return c == ' ' || c == '\t'
}

// findNonWhitespace returns the index of the first non-blank byte at or after offset.
func findNonWhitespace(s string, offset int) int {
	for offset < len(s) && isWhitespace(s[offset]) {
		offset++
	}
	return offset
}

// findWhitespace returns the index of the first blank byte at or after offset.
func findWhitespace(s string, offset int) int {
	for offset < len(s) && !isWhitespace(s[offset]) {
		offset++
	}
	return offset
}

// findEndOfString returns the index just past the last non-blank byte.
func findEndOfString(s string) int {
	end := len(s)
	for end > 0 && isWhitespace(s[end-1]) {
		end--
	}
	return end
}

// splitInitialLine splits a request or status line into its three parts.
// The third part runs to the end of the line and may contain blanks.
func splitInitialLine(line string) (a, b, c string) {
	aStart := findNonWhitespace(line, 0)
	aEnd := findWhitespace(line, aStart)

	bStart := findNonWhitespace(line, aEnd)
	bEnd := findWhitespace(line, bStart)

	cStart := findNonWhitespace(line, bEnd)
	cEnd := findEndOfString(line)
	if cStart > cEnd {
		cStart = cEnd
	}

	return line[aStart:aEnd], line[bStart:bEnd], line[cStart:cEnd]
}

// splitHeader splits "Name: value". A missing value is empty; a missing colon is an error.
func splitHeader(line string) (string, string, error) {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return "", "", fmt.Errorf("%w: malformed header line %q", ErrProtocol, line)
	}

	name := strings.TrimSpace(line[:colon])
	if !httpguts.ValidHeaderFieldName(name) {
		return "", "", fmt.Errorf("%w: invalid header name %q", ErrProtocol, name)
	}

	return name, strings.TrimSpace(line[colon+1:]), nil
}
