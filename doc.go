/*
Package httpkit is an embeddable, non-blocking HTTP/1.x and WebSocket
server with a small matching client transport.

One reactor goroutine owns every socket. It accepts connections, feeds
inbound bytes to an incremental decoder and flushes queued writes. Handlers
receive a decoded request and a Channel, and may answer at once, later from
another goroutine, as a stream of chunks, or by upgrading to WebSocket.

Quick Start

	package main

	import (
	    "context"
	    "log"

	    "github.com/searchktools/httpkit/app"
	    "github.com/searchktools/httpkit/config"
	    "github.com/searchktools/httpkit/core"
	    "github.com/searchktools/httpkit/core/http"
	)

	func main() {
	    h := core.HandlerFunc(func(req *http.Request, ch *core.Channel) {
	        ch.Respond(200, nil, map[string]string{"path": req.Path})
	    })
	    a, err := app.New(config.New(), h)
	    if err != nil {
	        log.Fatal(err)
	    }
	    log.Fatal(a.Run(context.Background()))
	}

Modules

  - app: wiring, logging and signal-driven shutdown
  - config: flags, JSON file and HTTPKIT_* environment
  - core: reactor, connection state and Channel
  - core/http: incremental request/response decoder and wire encoding
  - core/websocket: frame codec and broadcast hub
  - core/sse: server-sent event streams over a Channel
  - core/client: one-shot HTTP client transport
  - core/codec: JSON and protobuf body encoding
  - core/poller: epoll and kqueue readiness
  - core/pools: worker pool and byte buffers
  - core/observability: OpenTelemetry metrics
*/
package httpkit
