package core

import (
	"github.com/searchktools/httpkit/core/http"
)

// Respond sends a complete response. body may be nil, a string, []byte,
// []string, an io.Reader (closed afterwards if it is an io.Closer), a
// proto.Message, or any JSON encodable value. A deferred body, <-chan any
// or chan any, is awaited off the reactor: a *Response result replaces the
// whole triple, an error becomes a 500, anything else is the body.
//
// The send hook chain sees the body before it is encoded. Status 101 writes
// the header as a handshake and switches the connection to WebSocket
// framing. A body that cannot be encoded produces a 500 with
// the error text, and the error is returned.
func (ch *Channel) Respond(status int, header http.Header, body any) error {
	switch d := body.(type) {
	case <-chan any:
		go ch.await(status, header, d)
		return nil
	case chan any:
		go ch.await(status, header, d)
		return nil
	}

	if status == 101 {
		return ch.sendHandshake(header)
	}

	data, ctype, err := http.EncodeBody(ch.applyHook(body))
	if err != nil {
		ch.Fail(err)
		return err
	}

	ch.sendMu.Lock()
	if status > 0 {
		ch.status = status
	}
	if len(header) > 0 {
		h := ch.Header()
		for k, v := range header {
			h.Set(k, v)
		}
	}
	if ctype != "" && !ch.Header().Has(HeaderContentType) {
		ch.header.Set(HeaderContentType, ctype)
	}
	ch.sendMu.Unlock()

	_, err = ch.send(data, true)
	return err
}

func (ch *Channel) await(status int, header http.Header, d <-chan any) {
	v, ok := <-d
	if !ok {
		v = nil
	}

	switch r := v.(type) {
	case *Response:
		ch.Respond(r.Status, r.Header, r.Body)
	case Response:
		ch.Respond(r.Status, r.Header, r.Body)
	case error:
		ch.Fail(r)
	default:
		ch.Respond(status, header, v)
	}
}
