package core

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"

	"github.com/searchktools/httpkit/core/http"
	"github.com/searchktools/httpkit/core/observability"
	"github.com/searchktools/httpkit/core/poller"
	"github.com/searchktools/httpkit/core/pools"
	"github.com/searchktools/httpkit/core/websocket"
)

const (
	readBufferSize = 32 * 1024
	maxEvents      = 1024
	sweepInterval  = time.Second
	acceptBackoff  = 100 * time.Millisecond
)

// Options configures a Server. Zero fields take defaults.
type Options struct {
	Addr          string
	MaxLine       int
	MaxBody       int64
	MaxMessage    int // largest inbound WebSocket message
	SelectTimeout time.Duration
	IdleTimeout   time.Duration // 0 keeps idle connections forever
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

func (o *Options) applyDefaults() {
	if o.Addr == "" {
		o.Addr = ":8080"
	}
	if o.MaxLine <= 0 {
		o.MaxLine = http.DefaultMaxLine
	}
	if o.MaxBody <= 0 {
		o.MaxBody = 8 << 20
	}
	if o.MaxMessage <= 0 {
		o.MaxMessage = websocket.DefaultMaxMessage
	}
	if o.SelectTimeout <= 0 {
		o.SelectTimeout = 300 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Server is a single-goroutine reactor. One goroutine owns the poller and
// every socket; handlers reach it only through Channel, which queues
// output and wakes the loop.
type Server struct {
	opts    Options
	handler Handler
	log     *slog.Logger
	metrics *observability.Metrics

	ln     *net.TCPListener
	lnFile *os.File
	lfd    int
	poller poller.Poller

	conns   map[int]*conn // reactor-owned
	pending *xsync.MapOf[*conn, struct{}]
	buffers *pools.BytePool
	scratch []byte

	started   atomic.Bool
	stopping  atomic.Bool
	serving   atomic.Bool // a handler is running on the loop goroutine
	done      chan struct{}
	lastSweep time.Time

	// accepting is paused until then after a resource error; zero when
	// the listener is armed
	acceptResume time.Time
}

// NewServer creates a server; call Listen or Start to bind it.
func NewServer(h Handler, opts Options) *Server {
	opts.applyDefaults()
	return &Server{
		opts:    opts,
		handler: h,
		log:     opts.Logger,
		metrics: opts.Metrics,
		lfd:     -1,
		conns:   make(map[int]*conn, 1024),
		pending: xsync.NewMapOf[*conn, struct{}](xsync.WithPresize(64)),
		buffers: pools.NewBytePool(),
		done:    make(chan struct{}),
	}
}

// Listen binds the listening socket and creates the poller.
func (s *Server) Listen() error {
	if s.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	tcp := ln.(*net.TCPListener)

	f, err := tcp.File()
	if err != nil {
		ln.Close()
		return err
	}
	lfd := int(f.Fd())
	if err := unix.SetNonblock(lfd, true); err != nil {
		f.Close()
		ln.Close()
		return err
	}

	p, err := poller.NewPoller()
	if err != nil {
		f.Close()
		ln.Close()
		return err
	}
	if err := p.Add(lfd, poller.Read); err != nil {
		p.Close()
		f.Close()
		ln.Close()
		return err
	}

	s.ln, s.lnFile, s.lfd, s.poller = tcp, f, lfd, p
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start runs the event loop in its own goroutine.
func (s *Server) Start() error {
	if s.stopping.Load() {
		return ErrServerClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("core: server already started")
	}
	if err := s.Listen(); err != nil {
		s.started.Store(false)
		return err
	}

	s.scratch = s.buffers.Get(readBufferSize)
	s.log.Info("server listening",
		"addr", s.Addr().String(),
		"max_line", s.opts.MaxLine,
		"max_body", s.opts.MaxBody,
		"select_timeout", s.opts.SelectTimeout)

	go s.loop()
	return nil
}

// Run starts the server and blocks until Stop. It returns ErrServerClosed
// after a clean stop.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	<-s.done
	return ErrServerClosed
}

// BufferStats reports the server's read buffer pool.
func (s *Server) BufferStats() pools.BytePoolStats { return s.buffers.Stats() }

// Done is closed once the event loop has exited.
func (s *Server) Done() <-chan struct{} { return s.done }

// Stop closes the listener and every connection, firing pending close
// handlers with the server-close reason, and waits for the loop to exit.
// While a handler runs on the event loop, as when the handler itself calls
// Stop, it only requests the stop and returns; the loop exits once the
// handler returns. Use Done to wait in that case.
func (s *Server) Stop() error {
	if !s.started.Load() {
		if s.stopping.CompareAndSwap(false, true) && s.ln != nil {
			s.poller.Close()
			s.lnFile.Close()
			s.ln.Close()
		}
		return nil
	}

	if s.stopping.CompareAndSwap(false, true) {
		s.poller.Wake()
	}
	if s.serving.Load() {
		return nil
	}
	<-s.done
	return nil
}

// schedule queues c for flushing on the reactor goroutine.
func (s *Server) schedule(c *conn) {
	s.pending.Store(c, struct{}{})
	s.poller.Wake()
}

func (s *Server) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)

	events := make([]poller.Event, maxEvents)
	timeout := int(s.opts.SelectTimeout / time.Millisecond)

	for !s.stopping.Load() {
		s.drainPending()

		n, err := s.poller.Wait(timeout, events)
		if err != nil {
			if errors.Is(err, poller.ErrClosed) {
				s.log.Error("poller closed, stopping event loop")
				break
			}
			s.log.Error("poller wait failed", "error", err)
			continue
		}

		for i := range events[:n] {
			s.handleEvent(events[i])
		}
		s.resumeAccept()
		s.sweepIdle()
	}

	s.shutdown()
}

func (s *Server) drainPending() {
	s.pending.Range(func(c *conn, _ struct{}) bool {
		s.pending.Delete(c)
		if !c.closed {
			s.flush(c)
		}
		return true
	})
}

func (s *Server) handleEvent(ev poller.Event) {
	if ev.Fd == s.lfd {
		s.accept()
		return
	}

	c := s.conns[ev.Fd]
	if c == nil {
		return
	}
	if ev.Writable {
		s.flush(c)
	}
	if ev.Readable && !c.closed {
		s.read(c)
	}
}

func (s *Server) accept() {
	for {
		nfd, sa, err := unix.Accept(s.lfd)
		if err != nil {
			switch err {
			case unix.EAGAIN:
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				// EMFILE and friends leave the listener readable; stop
				// polling it for a while instead of spinning
				s.log.Warn("accept failed, pausing", "error", err, "backoff", acceptBackoff)
				s.pauseAccept(acceptBackoff)
			}
			return
		}

		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		c := newConn(s, nfd, sockaddrString(sa))
		if err := s.poller.Add(nfd, poller.Read); err != nil {
			s.log.Debug("register connection failed", "remote", c.remote, "error", err)
			unix.Close(nfd)
			continue
		}
		s.conns[nfd] = c
		s.metrics.ConnOpened()
	}
}

func (s *Server) pauseAccept(d time.Duration) {
	if err := s.poller.Mod(s.lfd, 0); err != nil {
		s.log.Error("disarm listener failed", "error", err)
		return
	}
	s.acceptResume = time.Now().Add(d)
}

func (s *Server) resumeAccept() {
	if s.acceptResume.IsZero() || time.Now().Before(s.acceptResume) {
		return
	}
	if err := s.poller.Mod(s.lfd, poller.Read); err != nil {
		s.log.Error("rearm listener failed", "error", err)
		return
	}
	s.acceptResume = time.Time{}
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)).String()
	}
	return ""
}

func (s *Server) read(c *conn) {
	n, err := unix.Read(c.fd, s.scratch)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		s.log.Debug("read failed", "remote", c.remote, "error", err)
		s.closeConn(c, StatusClientClose)
		return
	}
	if n == 0 {
		s.closeConn(c, StatusClientClose)
		return
	}

	c.lastActive = time.Now()
	s.metrics.BytesRead(n)
	s.consume(c, s.scratch[:n])
}

// consume feeds input to the connection's decoder. Input that arrives
// while a request is being answered is held and decoded after the reset.
func (s *Server) consume(c *conn, p []byte) {
	if c.failed {
		return
	}
	if c.isWebSocket() {
		s.consumeFrames(c, p)
		return
	}

	for len(p) > 0 {
		if c.busy {
			if len(c.held)+len(p) > maxHeld {
				s.log.Debug("pipelined input over limit", "remote", c.remote)
				s.closeConn(c, StatusServerClose)
				return
			}
			c.held = append(c.held, p...)
			return
		}

		n, state, err := c.dec.Decode(p)
		if err != nil {
			s.rejectRequest(c, err)
			return
		}
		p = p[n:]
		if state != http.AllRead {
			return
		}

		s.dispatch(c)
		if c.isWebSocket() {
			c.held = append(c.held, p...)
			return
		}
	}
}

func (s *Server) drainHeld(c *conn) {
	if len(c.held) == 0 {
		return
	}
	p := c.held
	c.held = nil
	s.consume(c, p)
}

func (s *Server) dispatch(c *conn) {
	req := c.req
	if req.Header == nil {
		req.Header = c.dec.Header()
	}

	ch := newChannel(c, req)
	c.ch = ch
	c.busy = true
	s.metrics.Request(req.Method)

	s.serve(req, ch)
}

func (s *Server) serve(req *http.Request, ch *Channel) {
	s.serving.Store(true)
	defer func() {
		s.serving.Store(false)
		if r := recover(); r != nil {
			s.log.Error("handler panic", "remote", req.RemoteAddr, "path", req.Path, "panic", r)
			ch.Fail(fmt.Errorf("%v", r))
		}
	}()
	s.handler.Serve(req, ch)
}

// rejectRequest answers a malformed request and closes the connection.
func (s *Server) rejectRequest(c *conn, err error) {
	status, kind := 400, "protocol"
	switch {
	case errors.Is(err, http.ErrBodyTooLarge):
		status, kind = 413, "body_too_large"
	case errors.Is(err, http.ErrLineTooLarge):
		kind = "line_too_large"
	}

	s.metrics.DecodeError(kind)
	s.log.Debug("bad request", "remote", c.remote, "status", status, "error", err)

	c.failed = true
	h := http.Header{
		HeaderContentType: "text/plain; charset=utf-8",
		HeaderConnection:  "close",
	}
	c.enqueue(http.EncodeResponse(status, h, []byte(err.Error())), true, true)
}

func (s *Server) consumeFrames(c *conn, p []byte) {
	ch := c.ch
	err := c.wsDec.Decode(p, func(m websocket.Message) error {
		switch m.OpCode {
		case websocket.OpText:
			if !ch.receive(string(m.Payload)) {
				s.log.Debug("websocket message without receive handler", "remote", c.remote)
			}
		case websocket.OpBinary:
			s.log.Debug("binary websocket message ignored", "remote", c.remote, "size", len(m.Payload))
		case websocket.OpPing:
			c.enqueue(websocket.AppendFrame(nil, true, websocket.OpPong, m.Payload), false, false)
		case websocket.OpClose:
			c.failed = true
			ch.peerClose(websocket.CloseCode(m.Payload))
			return errPeerClosed
		}
		return nil
	})
	if err == nil || errors.Is(err, errPeerClosed) {
		return
	}

	s.metrics.DecodeError("websocket")
	s.log.Debug("bad websocket frame", "remote", c.remote, "error", err)
	c.failed = true
	if !ch.ServerClose(websocket.CloseProtocolError) {
		c.enqueue(nil, true, true)
	}
}

var errPeerClosed = errors.New("peer closed")

// flush writes as much queued output as the socket takes. A drained
// exchange either closes the socket or resets the connection for the next
// request.
func (s *Server) flush(c *conn) {
	out := c.pendingOut()
	n := 0
	for n < len(out) {
		w, err := unix.Write(c.fd, out[n:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				break
			}
			s.log.Debug("write failed", "remote", c.remote, "error", err)
			s.closeConn(c, StatusClientClose)
			return
		}
		n += w
	}
	s.metrics.BytesWritten(n)

	drained, finished, closeAfter := c.consumed(n)
	if !drained {
		s.setInterest(c, poller.Read|poller.Write)
		return
	}
	s.setInterest(c, poller.Read)

	switch {
	case finished && closeAfter:
		s.closeConn(c, StatusServerClose)
	case finished && !c.isWebSocket():
		c.reset()
		s.drainHeld(c)
	case c.isWebSocket():
		// frames that arrived before the handshake went out
		s.drainHeld(c)
	}
}

func (s *Server) setInterest(c *conn, in poller.Interest) {
	if c.interest == in {
		return
	}
	if err := s.poller.Mod(c.fd, in); err != nil {
		s.log.Debug("poller mod failed", "remote", c.remote, "error", err)
		s.closeConn(c, StatusServerClose)
		return
	}
	c.interest = in
}

// closeConn releases the socket and fires the exchange's close handler.
func (s *Server) closeConn(c *conn, status int) {
	if c.closed {
		return
	}
	c.closed = true
	c.dead.Store(true)

	s.poller.Remove(c.fd)
	unix.Close(c.fd)
	delete(s.conns, c.fd)
	s.pending.Delete(c)
	s.metrics.ConnClosed()

	if c.ch != nil {
		c.ch.onClose(status)
	}
}

func (s *Server) sweepIdle() {
	if s.opts.IdleTimeout <= 0 {
		return
	}
	now := time.Now()
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now

	for _, c := range s.conns {
		if c.busy || c.isWebSocket() || len(c.pendingOut()) > 0 {
			continue
		}
		if now.Sub(c.lastActive) > s.opts.IdleTimeout {
			s.closeConn(c, StatusServerClose)
		}
	}
}

func (s *Server) shutdown() {
	for _, c := range s.conns {
		s.closeConn(c, StatusServerClose)
	}

	s.poller.Close()
	s.lnFile.Close()
	s.ln.Close()
	s.buffers.Put(s.scratch)
	s.scratch = nil

	s.log.Info("server stopped", "addr", s.Addr().String())
}
