// Package client is a minimal HTTP/1.x client transport built on the
// incremental response decoder. Every exchange uses a fresh connection.
package client

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/searchktools/httpkit/core/http"
	"github.com/searchktools/httpkit/core/pools"
)

const readBufferSize = 32 * 1024

var buffers = pools.NewBytePool()

// Response is a decoded response. Body is empty when a body callback
// consumed the fragments instead.
type Response struct {
	http.Response
	Body []byte
}

// Client sends requests to one host.
type Client struct {
	addr        string
	dialTimeout time.Duration
	maxLine     int
	onBody      func(p []byte) error
}

// Option configures a client
type Option func(*Client)

// WithDialTimeout bounds connection setup. Default 5s.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

// WithMaxLine bounds status and header lines.
func WithMaxLine(n int) Option {
	return func(c *Client) {
		c.maxLine = n
	}
}

// WithBodyFunc streams body fragments to fn as they are decoded instead of
// collecting them. The slice is only valid during the call.
func WithBodyFunc(fn func(p []byte) error) Option {
	return func(c *Client) {
		c.onBody = fn
	}
}

// New creates a client for addr ("host:port").
func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:        addr,
		dialTimeout: 5 * time.Second,
		maxLine:     http.DefaultMaxLine,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get sends a GET for target.
func (c *Client) Get(ctx context.Context, target string) (*Response, error) {
	return c.Do(ctx, http.NewRequest("GET", target))
}

// Post sends body to target with the given content type.
func (c *Client) Post(ctx context.Context, target, contentType string, body []byte) (*Response, error) {
	req := http.NewRequest("POST", target)
	req.Header.Set("Content-Type", contentType)
	req.Body = body
	return c.Do(ctx, req)
}

// Do writes req over a new connection and reads one response. The body may
// be framed by Content-Length, chunked encoding or the connection close.
// Cancelling ctx aborts the exchange.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, c.fail(ctx, OpDial, err)
	}
	defer conn.Close()

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := conn.Write(http.AppendRequest(nil, c.outgoing(req))); err != nil {
		return nil, c.fail(ctx, OpWrite, err)
	}
	return c.read(ctx, conn, req.Method == "HEAD")
}

// outgoing fills in Host and Connection without touching the caller's request.
func (c *Client) outgoing(req *http.Request) *http.Request {
	out := *req
	out.Header = req.Header.Clone()
	if !out.Header.Has("Host") {
		out.Header.Set("Host", c.addr)
	}
	if !out.Header.Has("Connection") {
		out.Header.Set("Connection", "close")
	}
	return &out
}

func (c *Client) read(ctx context.Context, conn net.Conn, head bool) (*Response, error) {
	rec := &receiver{onBody: c.onBody}
	dec := http.NewResponseDecoder(rec, c.maxLine)
	buf := buffers.Get(readBufferSize)
	defer buffers.Put(buf)

	for {
		n, rerr := conn.Read(buf)
		p := buf[:n]
		for len(p) > 0 {
			used, state, err := dec.Decode(p)
			if err != nil {
				return nil, c.fail(ctx, OpDecode, err)
			}
			p = p[used:]

			if head && rec.headers {
				return rec.resp, nil
			}
			if state != http.AllRead {
				break
			}
			// interim responses precede the real one
			if s := rec.resp.Status; s >= 100 && s < 200 && s != 101 {
				dec.Reset()
				rec.reset()
				continue
			}
			return rec.resp, nil
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				if dec.Finish() == http.AllRead {
					return rec.resp, nil
				}
				return nil, c.fail(ctx, OpRead, ErrTruncated)
			}
			return nil, c.fail(ctx, OpRead, rerr)
		}
	}
}

// fail prefers the context's error when the exchange was cancelled.
func (c *Client) fail(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &Error{Op: op, Addr: c.addr, Err: err}
}

type receiver struct {
	resp    *Response
	headers bool
	onBody  func(p []byte) error
}

func (r *receiver) OnStatusLine(v http.Version, status int) error {
	r.resp = &Response{Response: http.Response{Version: v, Status: status}}
	return nil
}

func (r *receiver) OnHeaders(h http.Header) error {
	r.resp.Header = h
	r.headers = true
	return nil
}

func (r *receiver) OnBody(p []byte) error {
	if r.onBody != nil {
		return r.onBody(p)
	}
	r.resp.Body = append(r.resp.Body, p...)
	return nil
}

func (r *receiver) reset() {
	r.resp = nil
	r.headers = false
}
