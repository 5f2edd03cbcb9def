package core

import (
	"fmt"

	"github.com/searchktools/httpkit/core/http"
	"github.com/searchktools/httpkit/core/pools"
	"github.com/searchktools/httpkit/core/websocket"
)

// Handler serves decoded requests. Serve runs on the reactor goroutine; a
// slow handler keeps ch and completes it later from any goroutine.
type Handler interface {
	Serve(req *http.Request, ch *Channel)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *http.Request, ch *Channel)

func (f HandlerFunc) Serve(req *http.Request, ch *Channel) { f(req, ch) }

// Offload runs h on a worker pool instead of the reactor goroutine. A
// request the pool cannot take is answered with 503.
func Offload(p *pools.WorkerPool, h Handler) Handler {
	return HandlerFunc(func(req *http.Request, ch *Channel) {
		err := p.Submit(func() {
			defer func() {
				if r := recover(); r != nil {
					ch.Fail(fmt.Errorf("%v", r))
				}
			}()
			h.Serve(req, ch)
		})
		if err != nil {
			ch.failWith(503, err)
		}
	})
}

// Response is a complete status, header and body triple. A deferred body
// may resolve to one.
type Response struct {
	Status int
	Header http.Header
	Body   any
}

// CloseReason tells a close handler why its channel ended.
type CloseReason int

const (
	CloseUnknown CloseReason = iota
	CloseByServer
	CloseByClient
	CloseNormal
	CloseAway
	CloseProtocolError
	CloseNotAcceptable
)

var closeReasonNames = [...]string{
	CloseUnknown:       "unknown",
	CloseByServer:      "server-close",
	CloseByClient:      "client-close",
	CloseNormal:        "normal",
	CloseAway:          "away",
	CloseProtocolError: "protocol-error",
	CloseNotAcceptable: "not-acceptable",
}

func (r CloseReason) String() string {
	if r >= 0 && int(r) < len(closeReasonNames) {
		return closeReasonNames[r]
	}
	return "unknown"
}

// ReasonFor maps a close status to its reason.
func ReasonFor(status int) CloseReason {
	switch status {
	case StatusServerClose:
		return CloseByServer
	case StatusClientClose:
		return CloseByClient
	case websocket.CloseNormal:
		return CloseNormal
	case websocket.CloseGoingAway:
		return CloseAway
	case websocket.CloseProtocolError:
		return CloseProtocolError
	case websocket.CloseUnsupported:
		return CloseNotAcceptable
	}
	return CloseUnknown
}
