package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/httpkit/core/http"
	"github.com/searchktools/httpkit/core/poller"
	"github.com/searchktools/httpkit/core/websocket"
)

// maxHeld bounds input buffered while a request is being answered.
const maxHeld = 1 << 20

// conn is the per-socket state. Fields above mu belong to the reactor
// goroutine; fields below it are shared with handler goroutines.
type conn struct {
	srv    *Server
	fd     int
	remote string

	dec        *http.Decoder
	req        *http.Request // request being decoded
	ch         *Channel      // current exchange
	busy       bool          // a request was dispatched and not yet answered
	failed     bool          // a decode error is being reported; input is ignored
	held       []byte        // input that arrived while busy
	interest   poller.Interest
	lastActive time.Time
	closed     bool

	dead atomic.Bool

	mu         sync.Mutex
	out        []byte
	finished   bool
	closeAfter bool
	ws         bool
	wsDec      *websocket.Decoder
}

func newConn(s *Server, fd int, remote string) *conn {
	c := &conn{
		srv:        s,
		fd:         fd,
		remote:     remote,
		interest:   poller.Read,
		lastActive: time.Now(),
	}
	c.dec = http.NewRequestDecoder(c, s.opts.MaxLine, s.opts.MaxBody)
	return c
}

func (c *conn) OnRequestLine(method, target string, v http.Version) error {
	c.req = &http.Request{
		Method:     method,
		Version:    v,
		RemoteAddr: c.remote,
	}
	c.req.SetTarget(target)
	return nil
}

func (c *conn) OnHeaders(h http.Header) error {
	c.req.Header = h
	return nil
}

// OnBody copies p; the reactor's read buffer is reused for the next socket.
func (c *conn) OnBody(p []byte) error {
	c.req.Body = append(c.req.Body, p...)
	return nil
}

func (c *conn) enqueue(b []byte, finish, closeAfter bool) bool {
	if c.dead.Load() {
		return false
	}

	c.mu.Lock()
	c.out = append(c.out, b...)
	if finish {
		c.finished = true
		c.closeAfter = c.closeAfter || closeAfter
	}
	c.mu.Unlock()

	c.srv.schedule(c)
	return true
}

func (c *conn) upgrade(head []byte) bool {
	if c.dead.Load() {
		return false
	}

	c.mu.Lock()
	c.ws = true
	c.wsDec = websocket.NewDecoder(c.srv.opts.MaxMessage)
	c.out = append(c.out, head...)
	c.mu.Unlock()

	c.srv.schedule(c)
	return true
}

func (c *conn) isWebSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

func (c *conn) remoteAddr() string { return c.remote }

// pendingOut returns the queued output. Handlers only append past its
// end, so the reactor writes it without holding the lock.
func (c *conn) pendingOut() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out
}

// consumed drops n written bytes and reports whether the buffer drained
// and, if so, how the exchange ends.
func (c *conn) consumed(n int) (drained, finished, closeAfter bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.out = c.out[n:]
	if len(c.out) > 0 {
		return false, false, false
	}
	c.out = nil

	finished, closeAfter = c.finished, c.closeAfter
	c.finished = false
	return true, finished, closeAfter
}

// reset prepares the connection for the next request on keep-alive.
func (c *conn) reset() {
	c.dec.Reset()
	c.req = nil
	c.ch = nil
	c.busy = false
}
