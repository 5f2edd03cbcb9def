package core

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/searchktools/httpkit/core/http"
	"github.com/searchktools/httpkit/core/websocket"
)

// SendHook transforms a body before Send encodes it.
type SendHook func(body any) any

// transport is the connection side a Channel writes through.
type transport interface {
	// enqueue appends b to the outbound buffer and wakes the reactor.
	// finish ends the exchange; closeAfter closes the socket once drained.
	enqueue(b []byte, finish, closeAfter bool) bool
	// upgrade queues the handshake and switches reads to WebSocket framing.
	upgrade(head []byte) bool
	isWebSocket() bool
	remoteAddr() string
}

// Channel is the handle a handler uses to answer one request. Send,
// Respond, ServerClose and Fail may be called from any goroutine, any time
// after Serve was called. Header and SetStatus belong to the handler that
// owns the exchange and must be used before the first send.
type Channel struct {
	t   transport
	req *http.Request

	closed       atomic.Bool
	firstWritten atomic.Bool

	// guards the fields below and orders writes so the head precedes chunks
	sendMu    sync.Mutex
	status    int
	header    http.Header
	keepAlive bool
	raw       bool // HTTP/1.0 stream without chunked framing

	mu             sync.Mutex
	fired          bool
	closeSet       bool
	closeHandler   func(CloseReason)
	receiveSet     bool
	receiveHandler func(string)
	hook           SendHook
}

func newChannel(t transport, req *http.Request) *Channel {
	return &Channel{
		t:         t,
		req:       req,
		status:    200,
		keepAlive: req.KeepAlive(),
	}
}

// Request returns the request this channel answers.
func (ch *Channel) Request() *http.Request { return ch.req }

// Header returns the response headers sent with the first write.
func (ch *Channel) Header() http.Header {
	if ch.header == nil {
		ch.header = make(http.Header)
	}
	return ch.header
}

// SetStatus sets the status sent with the first write. Default 200.
func (ch *Channel) SetStatus(status int) {
	ch.sendMu.Lock()
	ch.status = status
	ch.sendMu.Unlock()
}

// IsClosed reports whether the channel accepts no more sends.
func (ch *Channel) IsClosed() bool { return ch.closed.Load() }

// IsWebSocket reports whether the connection has been upgraded.
func (ch *Channel) IsWebSocket() bool { return ch.t.isWebSocket() }

func (ch *Channel) String() string {
	mode := "http"
	if ch.t.isWebSocket() {
		mode = "websocket"
	}
	return fmt.Sprintf("Channel{%s %s closed=%t}", ch.t.remoteAddr(), mode, ch.closed.Load())
}

// AlterSendHook installs a hook built from the current one, so each new
// hook wraps the previous. The first alter receives the identity hook.
func (ch *Channel) AlterSendHook(alter func(prev SendHook) SendHook) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	prev := ch.hook
	if prev == nil {
		prev = func(body any) any { return body }
	}
	ch.hook = alter(prev)
}

func (ch *Channel) sendHook() SendHook {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.hook
}

// Send writes body to the peer. It returns false without error when the
// channel is already closed.
//
// On a plain HTTP connection the first send carries the head: with
// closeAfterSent it is a complete Content-Length response, otherwise the
// response is chunked and later sends each add one chunk. A nil body on a
// later send writes nothing. closeAfterSent on a later send appends the
// final chunk.
//
// On an upgraded connection body must be a string; it is sent as one text
// frame, followed by a 1000 close frame when closeAfterSent is set.
func (ch *Channel) Send(body any, closeAfterSent bool) (bool, error) {
	return ch.send(ch.applyHook(body), closeAfterSent)
}

// applyHook runs the send hook chain on a body that is not yet encoded.
func (ch *Channel) applyHook(body any) any {
	if hook := ch.sendHook(); hook != nil {
		return hook(body)
	}
	return body
}

// send is Send after the hook chain has run.
func (ch *Channel) send(body any, last bool) (bool, error) {
	ch.sendMu.Lock()
	ok, ended, status, err := ch.sendLocked(body, last)
	ch.sendMu.Unlock()

	if ended {
		ch.onClose(status)
	}
	return ok, err
}

func (ch *Channel) sendLocked(body any, last bool) (ok, ended bool, status int, err error) {
	if ch.closed.Load() {
		return false, false, 0, nil
	}

	if ch.t.isWebSocket() {
		return ch.sendTextLocked(body, last)
	}

	data, ctype, err := http.EncodeBody(body)
	if err != nil {
		return false, false, 0, err
	}
	return ch.writeLocked(data, ctype, last), last, StatusServerClose, nil
}

func (ch *Channel) sendTextLocked(body any, last bool) (bool, bool, int, error) {
	var text string
	switch b := body.(type) {
	case nil:
		if !last {
			return true, false, 0, nil
		}
	case string:
		text = b
	default:
		return false, false, 0, fmt.Errorf("%w: %T", ErrNotText, body)
	}

	var frame []byte
	if body != nil {
		frame = websocket.AppendText(frame, text)
	}
	if last {
		frame = websocket.AppendClose(frame, websocket.CloseNormal)
		ch.closed.Store(true)
	}
	return ch.t.enqueue(frame, last, last), last, StatusServerClose, nil
}

// writeLocked frames data as HTTP. The caller holds sendMu.
func (ch *Channel) writeLocked(data []byte, ctype string, last bool) bool {
	var b []byte

	if ch.firstWritten.CompareAndSwap(false, true) {
		h := ch.headLocked(ctype)
		omitBody := ch.req.Method == "HEAD"

		switch {
		case last:
			h.Set(HeaderContentLength, strconv.Itoa(len(data)))
			b = http.AppendResponseHead(make([]byte, 0, 256+len(data)), ch.status, h)
			if !omitBody {
				b = append(b, data...)
			}
		case ch.req.Version == http.HTTP10:
			// no chunked framing for HTTP/1.0; the body ends with the connection
			ch.raw = true
			ch.keepAlive = false
			h.Set(HeaderConnection, "close")
			b = http.AppendResponseHead(nil, ch.status, h)
			b = append(b, data...)
		default:
			h.Set(HeaderTransferEncoding, "chunked")
			b = http.AppendResponseHead(nil, ch.status, h)
			b = http.AppendChunk(b, data)
		}
	} else if ch.raw {
		b = data
	} else {
		b = http.AppendChunk(nil, data)
		if last {
			b = append(b, http.LastChunk()...)
		}
	}

	if last {
		ch.closed.Store(true)
	} else if len(b) == 0 {
		return true
	}
	return ch.t.enqueue(b, last, last && !ch.keepAlive)
}

// headLocked builds the response headers for the first write.
func (ch *Channel) headLocked(ctype string) http.Header {
	h := ch.header.Clone()
	h.Del(HeaderContentLength)
	h.Del(HeaderTransferEncoding)

	if !h.Has(HeaderContentType) {
		if ctype == "" {
			ctype = defaultContentType
		}
		h.Set(HeaderContentType, ctype)
	}

	if h.HasToken(HeaderConnection, "close") {
		ch.keepAlive = false
	}
	switch {
	case !ch.keepAlive:
		h.Set(HeaderConnection, "close")
	case ch.req.Version == http.HTTP10:
		h.Set(HeaderConnection, "keep-alive")
	}
	return h
}

// ServerClose ends the exchange from the server side: the final chunk on
// HTTP, a close frame carrying status on WebSocket. It returns false if
// the channel was already closed.
func (ch *Channel) ServerClose(status int) bool {
	ch.sendMu.Lock()
	if !ch.closed.CompareAndSwap(false, true) {
		ch.sendMu.Unlock()
		return false
	}

	if ch.t.isWebSocket() {
		if status <= 0 {
			status = websocket.CloseNormal
		}
		ch.t.enqueue(websocket.AppendClose(nil, status), true, true)
	} else {
		var b []byte
		switch {
		case ch.firstWritten.CompareAndSwap(false, true):
			// nothing sent yet: an empty chunked response
			h := ch.headLocked("")
			h.Set(HeaderTransferEncoding, "chunked")
			b = http.AppendResponseHead(nil, ch.status, h)
			b = append(b, http.LastChunk()...)
		case !ch.raw:
			b = http.LastChunk()
		}
		ch.t.enqueue(b, true, !ch.keepAlive)
	}
	ch.sendMu.Unlock()

	ch.onClose(StatusServerClose)
	return true
}

// Fail reports a handler failure. Before anything was sent it answers 500
// with the error text; mid-stream it aborts the connection. Either way the
// connection closes afterwards.
func (ch *Channel) Fail(err error) {
	ch.failWith(500, err)
}

func (ch *Channel) failWith(status int, err error) {
	ch.sendMu.Lock()
	if ch.closed.Load() {
		ch.sendMu.Unlock()
		return
	}
	ch.keepAlive = false

	if !ch.firstWritten.Load() && !ch.t.isWebSocket() {
		ch.status = status
		ch.header = http.Header{HeaderContentType: "text/plain; charset=utf-8"}
		ch.writeLocked([]byte(err.Error()), "", true)
	} else {
		ch.closed.Store(true)
		ch.t.enqueue(nil, true, true)
	}
	ch.sendMu.Unlock()

	ch.onClose(StatusServerClose)
}

// onClose fires the close handler once, mapping status to a CloseReason.
func (ch *Channel) onClose(status int) {
	ch.closed.Store(true)

	ch.mu.Lock()
	if ch.fired {
		ch.mu.Unlock()
		return
	}
	ch.fired = true
	h := ch.closeHandler
	ch.mu.Unlock()

	if h != nil {
		h(ReasonFor(status))
	}
}

// SetCloseHandler registers fn to run once when the channel closes. If the
// channel already closed, fn runs immediately with CloseUnknown. A second
// registration returns ErrCloseHandlerSet.
func (ch *Channel) SetCloseHandler(fn func(CloseReason)) error {
	ch.mu.Lock()
	if ch.closeSet {
		ch.mu.Unlock()
		return ErrCloseHandlerSet
	}
	ch.closeSet = true
	ch.closeHandler = fn
	fired := ch.fired
	ch.mu.Unlock()

	if fired && fn != nil {
		fn(CloseUnknown)
	}
	return nil
}

// SetReceiveHandler registers fn for inbound WebSocket text messages.
// Messages arrive in order on the reactor goroutine. A second registration
// returns ErrReceiveHandlerSet.
func (ch *Channel) SetReceiveHandler(fn func(text string)) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.receiveSet {
		return ErrReceiveHandlerSet
	}
	ch.receiveSet = true
	ch.receiveHandler = fn
	return nil
}

func (ch *Channel) receive(text string) bool {
	ch.mu.Lock()
	h := ch.receiveHandler
	ch.mu.Unlock()

	if h == nil {
		return false
	}
	h(text)
	return true
}

// Upgrade answers a WebSocket upgrade request with the 101 handshake and
// switches the connection to frame mode.
func (ch *Channel) Upgrade() error {
	if !websocket.IsUpgrade(ch.req) {
		return ErrNotUpgrade
	}
	return ch.sendHandshake(websocket.HandshakeHeader(ch.req))
}

// sendHandshake writes a 101 head directly, outside the streaming path.
func (ch *Channel) sendHandshake(h http.Header) error {
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()

	if ch.closed.Load() {
		return ErrServerClosed
	}
	if !ch.firstWritten.CompareAndSwap(false, true) {
		return ErrResponseStarted
	}
	if !ch.t.upgrade(http.EncodeResponse(101, h, nil)) {
		return ErrServerClosed
	}
	return nil
}

// peerClose answers a close frame from the client: the frame is echoed
// unless the server already sent one, then the socket closes.
func (ch *Channel) peerClose(code int) {
	ch.sendMu.Lock()
	if ch.closed.CompareAndSwap(false, true) {
		reply := code
		if reply == websocket.CloseNoStatus {
			reply = websocket.CloseNormal
		}
		ch.t.enqueue(websocket.AppendClose(nil, reply), true, true)
	} else {
		ch.t.enqueue(nil, true, true)
	}
	ch.sendMu.Unlock()

	ch.onClose(code)
}
