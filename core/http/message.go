package http

import (
	"net/url"
	"strings"
)

// Version is the HTTP protocol version of a message.
type Version uint8

const (
	HTTP11 Version = iota
	HTTP10
)

func (v Version) String() string {
	if v == HTTP10 {
		return "HTTP/1.0"
	}
	return "HTTP/1.1"
}

// ParseVersion maps exactly "HTTP/1.0" to HTTP10; anything else is HTTP/1.1.
func ParseVersion(s string) Version {
	if s == "HTTP/1.0" {
		return HTTP10
	}
	return HTTP11
}

// Request is a decoded HTTP request.
type Request struct {
	Method     string
	Target     string // raw request target
	Path       string
	RawQuery   string
	Version    Version
	Header     Header
	Body       []byte
	RemoteAddr string
}

// NewRequest builds an outgoing request for the client transport.
func NewRequest(method, target string) *Request {
	r := &Request{
		Method: method,
		Header: make(Header),
	}
	r.SetTarget(target)
	return r
}

// SetTarget sets the raw target and splits it into path and query.
func (r *Request) SetTarget(target string) {
	r.Target = target
	r.Path, r.RawQuery = target, ""
	if i := strings.IndexByte(target, '?'); i >= 0 {
		r.Path, r.RawQuery = target[:i], target[i+1:]
	}
}

// Query parses the raw query string. Malformed pairs are dropped.
func (r *Request) Query() url.Values {
	v, _ := url.ParseQuery(r.RawQuery)
	return v
}

// KeepAlive reports whether the connection may carry another request after this one.
func (r *Request) KeepAlive() bool {
	if r.Version == HTTP10 {
		return r.Header.HasToken("Connection", "keep-alive")
	}
	return !r.Header.HasToken("Connection", "close")
}

// Response is a decoded HTTP response head plus its collected body.
type Response struct {
	Version Version
	Status  int
	Header  Header
	Body    []byte
}
