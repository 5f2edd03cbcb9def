package sse

import (
	"github.com/searchktools/httpkit/core"
	"github.com/searchktools/httpkit/core/http"
)

// Headers are sent with every event stream.
var Headers = http.Header{
	"Content-Type":      "text/event-stream",
	"Cache-Control":     "no-cache",
	"X-Accel-Buffering": "no",
}

// Handler subscribes each request to s. The client id is the client_id
// query parameter, or the remote address. The response stays open as a
// chunked stream until the client leaves or the stream closes.
func Handler(s *Stream) core.Handler {
	return core.HandlerFunc(func(req *http.Request, ch *core.Channel) {
		id := req.Query().Get("client_id")
		if id == "" {
			id = req.RemoteAddr
		}

		h := ch.Header()
		for k, v := range Headers {
			h.Set(k, v)
		}

		c, err := s.Subscribe(id, req.Header.Get("Last-Event-ID"), ch)
		if err != nil {
			ch.Respond(503, http.Header{"Content-Type": "text/plain; charset=utf-8"}, err.Error())
			return
		}
		ch.Send(FormatEvent(&Event{Event: "connected", Data: "client_id:" + id}), false)

		ch.SetCloseHandler(func(core.CloseReason) {
			s.Unsubscribe(c)
		})
	})
}
