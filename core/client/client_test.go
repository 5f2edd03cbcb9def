package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/searchktools/httpkit/core"
	"github.com/searchktools/httpkit/core/http"
)

func hostOf(ts *httptest.Server) string {
	return strings.TrimPrefix(ts.URL, "http://")
}

func TestGetFixedLength(t *testing.T) {
	ts := httptest.NewServer(stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		w.Header().Set("X-Path", r.URL.Path+"?"+r.URL.RawQuery)
		io.WriteString(w, "fixed body")
	}))
	defer ts.Close()

	resp, err := New(hostOf(ts)).Get(context.Background(), "/a/b?q=1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 || string(resp.Body) != "fixed body" {
		t.Errorf("status %d body %q", resp.Status, resp.Body)
	}
	if got := resp.Header.Get("x-path"); got != "/a/b?q=1" {
		t.Errorf("X-Path = %q", got)
	}
}

func TestPostBody(t *testing.T) {
	ts := httptest.NewServer(stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		w.WriteHeader(201)
		w.Write(b)
	}))
	defer ts.Close()

	resp, err := New(hostOf(ts)).Post(context.Background(), "/items", "application/json", []byte(`{"id":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 201 || string(resp.Body) != `{"id":1}` || resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("status %d body %q header %v", resp.Status, resp.Body, resp.Header)
	}
}

func TestChunkedStreamsToCallback(t *testing.T) {
	ts := httptest.NewServer(stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		f := w.(stdhttp.Flusher)
		for _, part := range []string{"one ", "two ", "three"} {
			io.WriteString(w, part)
			f.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer ts.Close()

	var got strings.Builder
	fragments := 0
	c := New(hostOf(ts), WithBodyFunc(func(p []byte) error {
		fragments++
		got.Write(p)
		return nil
	}))

	resp, err := c.Get(context.Background(), "/stream")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Header.Get("Transfer-Encoding") != "chunked" {
		t.Errorf("Transfer-Encoding = %q", resp.Header.Get("Transfer-Encoding"))
	}
	if got.String() != "one two three" || len(resp.Body) != 0 {
		t.Errorf("streamed %q, collected %q", got.String(), resp.Body)
	}
	if fragments < 3 {
		t.Errorf("fragments = %d", fragments)
	}
}

func TestBodyCallbackError(t *testing.T) {
	ts := httptest.NewServer(stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		io.WriteString(w, "payload")
	}))
	defer ts.Close()

	stopErr := errors.New("stop")
	_, err := New(hostOf(ts), WithBodyFunc(func([]byte) error { return stopErr })).Get(context.Background(), "/")

	var ce *Error
	if !errors.As(err, &ce) || ce.Op != OpDecode || !errors.Is(err, stopErr) {
		t.Errorf("err = %v", err)
	}
}

func TestHead(t *testing.T) {
	ts := httptest.NewServer(stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		w.Header().Set("Content-Length", "1000")
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := New(hostOf(ts)).Do(ctx, http.NewRequest("HEAD", "/"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Header.Get("Content-Length") != "1000" || len(resp.Body) != 0 {
		t.Errorf("header %v body %q", resp.Header, resp.Body)
	}
}

// rawServer answers every connection with reply and then closes it.
func rawServer(t *testing.T, reply string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				buf := make([]byte, 4096)
				c.Read(buf)
				io.WriteString(c, reply)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestCloseDelimitedBody(t *testing.T) {
	addr := rawServer(t, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\nuntil the end")

	resp, err := New(addr).Get(context.Background(), "/")
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "until the end" {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestInterimResponseSkipped(t *testing.T) {
	addr := rawServer(t, "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")

	resp, err := New(addr).Get(context.Background(), "/")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 || string(resp.Body) != "ok" {
		t.Errorf("status %d body %q", resp.Status, resp.Body)
	}
}

func TestTruncatedResponse(t *testing.T) {
	addr := rawServer(t, "HTTP/1.1 200 OK\r\nContent-Length: 50\r\n\r\nshort")

	_, err := New(addr).Get(context.Background(), "/")
	var ce *Error
	if !errors.As(err, &ce) || ce.Op != OpRead || !errors.Is(err, ErrTruncated) {
		t.Errorf("err = %v", err)
	}
}

func TestMalformedResponse(t *testing.T) {
	addr := rawServer(t, "HTTP/1.1 abc Bad\r\n\r\n")

	_, err := New(addr).Get(context.Background(), "/")
	if !errors.Is(err, http.ErrProtocol) {
		t.Errorf("err = %v", err)
	}
}

func TestDialError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = New(addr, WithDialTimeout(time.Second)).Get(context.Background(), "/")
	var ce *Error
	if !errors.As(err, &ce) || ce.Op != OpDial || ce.Addr != addr {
		t.Errorf("err = %v", err)
	}
}

func TestContextCancel(t *testing.T) {
	ts := httptest.NewServer(stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := New(hostOf(ts)).Get(ctx, "/hang")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("cancel did not abort the read")
	}
}

func TestAgainstReactor(t *testing.T) {
	srv := core.NewServer(core.HandlerFunc(func(req *http.Request, ch *core.Channel) {
		go func() {
			ch.Header().Set("Content-Type", "text/plain")
			ch.Send("a", false)
			ch.Send("b", false)
			ch.Send("c", true)
		}()
	}), core.Options{
		Addr:          "127.0.0.1:0",
		SelectTimeout: 20 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	resp, err := New(srv.Addr().String()).Get(context.Background(), "/")
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "abc" || resp.Header.Get("Transfer-Encoding") != "chunked" {
		t.Errorf("body %q header %v", resp.Body, resp.Header)
	}
}
