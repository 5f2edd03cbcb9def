package http

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestHeaderCanonicalAndMerged(t *testing.T) {
	h := make(Header)
	h.Add("content-type", "text/plain")
	h.Add("X-TAG", "a")
	h.Add("x-tag", "b")

	if got := h.Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := h["X-Tag"]; got != "a, b" {
		t.Errorf("X-Tag = %q, want %q", got, "a, b")
	}

	h.Set("Connection", "Upgrade, keep-alive")
	if !h.HasToken("connection", "upgrade") {
		t.Error("HasToken missed a case-insensitive token")
	}
	h.Del("connection")
	if h.Has("Connection") {
		t.Error("Del left the key behind")
	}
}

func TestHeaderAppendToSorted(t *testing.T) {
	h := Header{"B": "2", "A": "1"}
	if got := string(h.AppendTo(nil)); got != "A: 1\r\nB: 2\r\n" {
		t.Errorf("AppendTo = %q", got)
	}
}

func TestSplitInitialLine(t *testing.T) {
	a, b, c := splitInitialLine("  HTTP/1.1   404   Not  Found  ")
	if a != "HTTP/1.1" || b != "404" || c != "Not  Found" {
		t.Errorf("got %q %q %q", a, b, c)
	}

	a, b, c = splitInitialLine("GET")
	if a != "GET" || b != "" || c != "" {
		t.Errorf("got %q %q %q", a, b, c)
	}
}

func TestSplitHeader(t *testing.T) {
	name, value, err := splitHeader("Host:   example.com  ")
	if err != nil || name != "Host" || value != "example.com" {
		t.Errorf("got %q %q %v", name, value, err)
	}

	if _, _, err := splitHeader(": nothing"); !errors.Is(err, ErrProtocol) {
		t.Errorf("empty name: err = %v", err)
	}
	if _, _, err := splitHeader("Bad Name: x"); !errors.Is(err, ErrProtocol) {
		t.Errorf("space in name: err = %v", err)
	}
}

func TestLineReaderSplitCRLF(t *testing.T) {
	r := newLineReader(16)

	line, n, ok, err := r.readLine([]byte("abc\r"))
	if err != nil || !ok || line != "abc" || n != 4 || !r.skipLF {
		t.Fatalf("got %q n=%d ok=%v skipLF=%v err=%v", line, n, ok, r.skipLF, err)
	}

	r.reset()
	if r.skipLF {
		t.Error("reset kept skipLF")
	}

	_, n, ok, _ = r.readLine([]byte("par"))
	if ok || n != 3 {
		t.Fatalf("partial line: n=%d ok=%v", n, ok)
	}
	line, _, ok, _ = r.readLine([]byte("tial\n"))
	if !ok || line != "partial" {
		t.Errorf("resumed line = %q ok=%v", line, ok)
	}
}

func TestEncodeResponse(t *testing.T) {
	got := string(EncodeResponse(200, Header{"Content-Type": "text/plain"}, []byte("hi")))
	want := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nContent-Type: text/plain\r\n\r\nhi"
	if got != want {
		t.Errorf("EncodeResponse =\n%q\nwant\n%q", got, want)
	}

	got = string(EncodeResponse(101, Header{"Upgrade": "websocket"}, nil))
	if strings.Contains(got, "Content-Length") {
		t.Errorf("101 response carries Content-Length: %q", got)
	}

	got = string(AppendStatusLine(nil, 799))
	if got != "HTTP/1.1 799 Unknown\r\n" {
		t.Errorf("unknown status line = %q", got)
	}
}

func TestEncodeResponseDecodes(t *testing.T) {
	raw := EncodeResponse(404, Header{"X-Id": "7"}, []byte("missing"))

	r := &recorder{}
	d := NewResponseDecoder(r, 0)
	if s := feed(t, d, raw); s != AllRead {
		t.Fatalf("state = %v", s)
	}
	if r.status != 404 || r.header.Get("X-Id") != "7" || string(r.body) != "missing" {
		t.Errorf("decoded %+v", r)
	}
}

func TestAppendRequest(t *testing.T) {
	req := NewRequest("POST", "/items?id=3")
	req.Header.Set("Host", "example.com")
	req.Body = []byte("payload")

	got := string(AppendRequest(nil, req))
	want := "POST /items?id=3 HTTP/1.1\r\nContent-Length: 7\r\nHost: example.com\r\n\r\npayload"
	if got != want {
		t.Errorf("AppendRequest =\n%q\nwant\n%q", got, want)
	}
	if req.Header.Has("Content-Length") {
		t.Error("AppendRequest mutated the caller's header")
	}
	if req.Path != "/items" || req.Query().Get("id") != "3" {
		t.Errorf("path %q query %q", req.Path, req.RawQuery)
	}
}

func TestRequestKeepAlive(t *testing.T) {
	cases := []struct {
		version Version
		conn    string
		want    bool
	}{
		{HTTP11, "", true},
		{HTTP11, "close", false},
		{HTTP10, "", false},
		{HTTP10, "Keep-Alive", true},
	}
	for _, tc := range cases {
		r := &Request{Version: tc.version, Header: Header{}}
		if tc.conn != "" {
			r.Header.Set("Connection", tc.conn)
		}
		if got := r.KeepAlive(); got != tc.want {
			t.Errorf("%v Connection=%q: KeepAlive = %v", tc.version, tc.conn, got)
		}
	}
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestEncodeBody(t *testing.T) {
	cases := []struct {
		name string
		body any
		want string
	}{
		{"nil", nil, ""},
		{"string", "text", "text"},
		{"bytes", []byte("raw"), "raw"},
		{"strings", []string{"a", "b", "c"}, "abc"},
	}
	for _, tc := range cases {
		data, ct, err := EncodeBody(tc.body)
		if err != nil || string(data) != tc.want || ct != "" {
			t.Errorf("%s: got %q %q %v", tc.name, data, ct, err)
		}
	}

	rc := &closeTracker{Reader: strings.NewReader("streamed")}
	data, _, err := EncodeBody(rc)
	if err != nil || string(data) != "streamed" || !rc.closed {
		t.Errorf("reader: %q closed=%v err=%v", data, rc.closed, err)
	}

	data, ct, err := EncodeBody(map[string]int{"n": 1})
	if err != nil || string(data) != `{"n":1}` || !strings.HasPrefix(ct, "application/json") {
		t.Errorf("map: %q %q %v", data, ct, err)
	}

	if _, _, err := EncodeBody(42); !errors.Is(err, ErrUnsupportedBody) {
		t.Errorf("int: err = %v", err)
	}
}
