package sse

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	stdhttp "net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/searchktools/httpkit/core"
)

type recorder struct {
	mu     sync.Mutex
	chunks []string
	ended  bool
	closed bool
}

func (r *recorder) Send(body any, last bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.ended {
		return false, nil
	}
	if b, ok := body.([]byte); ok && len(b) > 0 {
		r.chunks = append(r.chunks, string(b))
	}
	r.ended = last
	return true, nil
}

func (r *recorder) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed || r.ended
}

func (r *recorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.chunks, "")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFormatEvent(t *testing.T) {
	got := string(FormatEvent(&Event{ID: "123", Event: "message", Data: "Hello, World!", Retry: 5000}))
	want := "id: 123\nevent: message\nretry: 5000\ndata: Hello, World!\n\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	got = string(FormatEvent(&Event{Data: "line1\r\nline2\nline3"}))
	if got != "data: line1\ndata: line2\ndata: line3\n\n" {
		t.Errorf("multi-line = %q", got)
	}
}

func TestErrorEventEscapes(t *testing.T) {
	e := NewErrorEvent(500, `bad "quote"`)
	if e.Data != `{"code":500,"message":"bad \"quote\""}` {
		t.Errorf("data = %s", e.Data)
	}
}

func TestStreamBroadcast(t *testing.T) {
	s := NewStream("news")
	defer s.Close()

	a, b := &recorder{}, &recorder{}
	if _, err := s.Subscribe("a", "", a); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Subscribe("b", "", b); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Subscribe("a", "", &recorder{}); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate subscribe: %v", err)
	}

	s.Send("update", "v1")
	want := "id: news-1\nevent: update\ndata: v1\n\n"
	waitFor(t, func() bool { return a.text() == want && b.text() == want })

	if err := s.SendTo("b", "private", "x"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(b.text(), "id: news-2\nevent: private") || strings.Contains(a.text(), "private") {
		t.Errorf("SendTo leaked: a=%q b=%q", a.text(), b.text())
	}
	if err := s.SendTo("nobody", "x", "y"); !errors.Is(err, ErrClientUnknown) {
		t.Errorf("SendTo unknown: %v", err)
	}
}

func TestClosedClientDropped(t *testing.T) {
	s := NewStream("t")
	defer s.Close()

	gone := &recorder{closed: true}
	s.Subscribe("gone", "", gone)
	s.Subscribe("live", "", &recorder{})

	s.Broadcast("hi")
	waitFor(t, func() bool { return s.ClientCount() == 1 && s.Stats().Sent == 1 })
	if st := s.Stats(); st.Dropped != 1 || st.Sent != 1 || st.TotalClients != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestUnsubscribeKeepsNewerClient(t *testing.T) {
	s := NewStream("t")
	defer s.Close()

	old, _ := s.Subscribe("same", "", &recorder{})
	s.Unsubscribe(old)
	newer, err := s.Subscribe("same", "", &recorder{})
	if err != nil {
		t.Fatal(err)
	}
	s.Unsubscribe(old)
	if got, ok := s.broker.GetClient("same"); !ok || got != newer {
		t.Error("stale unsubscribe removed the newer client")
	}
}

func TestBrokerLimitsAndClose(t *testing.T) {
	b := NewBroker(1, 0)
	r := &recorder{}
	if err := b.Register(newClient("one", r)); err != nil {
		t.Fatal(err)
	}
	if err := b.Register(newClient("two", &recorder{})); err == nil {
		t.Error("max clients not enforced")
	}

	b.Close()
	if !r.ended {
		t.Error("Close did not end the stream")
	}
	for i := 0; i < 100; i++ {
		if err := b.Publish(NewMessageEvent("late")); !errors.Is(err, ErrBrokerClosed) {
			t.Fatalf("publish %d after close: %v", i, err)
		}
	}
	if err := b.Register(newClient("three", &recorder{})); !errors.Is(err, ErrBrokerClosed) {
		t.Errorf("register after close: %v", err)
	}
	b.Close()
}

func TestKeepalive(t *testing.T) {
	b := NewBroker(10, 10*time.Millisecond)
	defer b.Close()

	r := &recorder{}
	b.Register(newClient("k", r))
	waitFor(t, func() bool { return strings.HasPrefix(r.text(), ": keepalive\n\n") })
}

func TestRoom(t *testing.T) {
	room := NewRoom("lobby")
	a, b := newClient("a", &recorder{}), newClient("b", &recorder{closed: true})
	room.Join(a)
	room.Join(b)

	if n := room.Broadcast(NewMessageEvent("hey")); n != 1 {
		t.Errorf("reached %d", n)
	}
	if room.ClientCount() != 1 {
		t.Errorf("count = %d", room.ClientCount())
	}
	room.Leave("a")
	if room.ClientCount() != 0 || room.Name() != "lobby" {
		t.Error("leave failed")
	}
}

func TestHandlerOverReactor(t *testing.T) {
	stream := NewStream("live")
	srv := core.NewServer(Handler(stream), core.Options{
		Addr:          "127.0.0.1:0",
		SelectTimeout: 20 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	io.WriteString(conn, "GET /events?client_id=c1 HTTP/1.1\r\nLast-Event-ID: live-0\r\n\r\n")

	resp, err := stdhttp.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	lines := bufio.NewReader(resp.Body)

	readEvent := func() string {
		var b strings.Builder
		for {
			line, err := lines.ReadString('\n')
			if err != nil {
				t.Fatalf("read event: %v", err)
			}
			if line == "\n" {
				return b.String()
			}
			b.WriteString(line)
		}
	}

	if got := readEvent(); got != "event: connected\ndata: client_id:c1\n" {
		t.Errorf("first event = %q", got)
	}
	c, ok := stream.broker.GetClient("c1")
	if !ok || c.LastID != "live-0" {
		t.Fatalf("client not registered: %v", c)
	}

	stream.Send("tick", "1")
	if got := readEvent(); got != "id: live-1\nevent: tick\ndata: 1\n" {
		t.Errorf("tick = %q", got)
	}

	stream.Close()
	if _, err := lines.ReadString('\n'); !errors.Is(err, io.EOF) {
		t.Errorf("stream not terminated: %v", err)
	}
}
