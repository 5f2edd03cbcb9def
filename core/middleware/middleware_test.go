package middleware

import (
	"io"
	"log/slog"
	stdhttp "net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/searchktools/httpkit/core"
	"github.com/searchktools/httpkit/core/http"
	"github.com/searchktools/httpkit/core/observability"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func serve(t *testing.T, h core.Handler) string {
	t.Helper()
	s := core.NewServer(h, core.Options{
		Addr:          "127.0.0.1:0",
		SelectTimeout: 20 * time.Millisecond,
		Logger:        discard,
	})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop() })
	return "http://" + s.Addr().String()
}

func do(t *testing.T, method, url string, header map[string]string) (*stdhttp.Response, string) {
	t.Helper()
	req, err := stdhttp.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	c := &stdhttp.Client{Timeout: 5 * time.Second}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(body)
}

// lockedBuffer is written on the reactor goroutine and read by the test.
type lockedBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

var ok = core.HandlerFunc(func(req *http.Request, ch *core.Channel) {
	ch.Respond(200, nil, "ok")
})

func TestPipelineOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []int
	)
	mark := func(n int) Middleware {
		return func(next core.Handler) core.Handler {
			return core.HandlerFunc(func(req *http.Request, ch *core.Channel) {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				next.Serve(req, ch)
			})
		}
	}

	p := NewPipeline(mark(1), mark(2)).Use(mark(3))
	if p.Len() != 3 {
		t.Errorf("Len = %d", p.Len())
	}
	h := p.Then(core.HandlerFunc(func(req *http.Request, ch *core.Channel) {
		mu.Lock()
		order = append(order, 0)
		mu.Unlock()
		ch.Respond(200, nil, nil)
	}))
	do(t, "GET", serve(t, h)+"/", nil)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 || order[0] != 1 || order[1] != 2 || order[2] != 3 || order[3] != 0 {
		t.Errorf("order = %v", order)
	}
}

func TestRequestID(t *testing.T) {
	url := serve(t, Chain(ok, RequestID()))

	first, _ := do(t, "GET", url+"/", nil)
	second, _ := do(t, "GET", url+"/", nil)
	if first.Header.Get("X-Request-ID") != "1" || second.Header.Get("X-Request-ID") != "2" {
		t.Errorf("ids %q %q", first.Header.Get("X-Request-ID"), second.Header.Get("X-Request-ID"))
	}

	resp, _ := do(t, "GET", url+"/", map[string]string{"X-Request-ID": "abc"})
	if got := resp.Header.Get("X-Request-ID"); got != "abc" {
		t.Errorf("incoming id not reused: %q", got)
	}
}

func TestCORS(t *testing.T) {
	var called atomic.Bool
	h := Chain(core.HandlerFunc(func(req *http.Request, ch *core.Channel) {
		called.Store(true)
		ch.Respond(200, nil, "ok")
	}), CORS("*"))
	url := serve(t, h)

	resp, _ := do(t, "OPTIONS", url+"/items", nil)
	if resp.StatusCode != 204 || called.Load() {
		t.Errorf("preflight status %d, handler called %v", resp.StatusCode, called.Load())
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("headers = %v", resp.Header)
	}

	resp, body := do(t, "GET", url+"/items", nil)
	if resp.StatusCode != 200 || body != "ok" || !called.Load() {
		t.Errorf("status %d body %q", resp.StatusCode, body)
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Methods"), "OPTIONS") {
		t.Errorf("headers = %v", resp.Header)
	}
}

func TestRateLimiter(t *testing.T) {
	url := serve(t, Chain(ok, RateLimiter(2)))

	var codes []int
	for i := 0; i < 3; i++ {
		resp, _ := do(t, "GET", url+"/", nil)
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != 429 {
		t.Errorf("codes = %v", codes)
	}
}

func TestMonitorAndRecovery(t *testing.T) {
	m, err := observability.NewMonitor(nil)
	if err != nil {
		t.Fatal(err)
	}
	h := Chain(core.HandlerFunc(func(req *http.Request, ch *core.Channel) {
		if req.Path == "/boom" {
			panic("boom")
		}
		ch.Respond(200, nil, "ok")
	}), Recovery(discard), Monitor(m, nil))
	url := serve(t, h)

	do(t, "GET", url+"/fine", nil)
	resp, body := do(t, "GET", url+"/boom", nil)
	if resp.StatusCode != 500 || body != "boom" {
		t.Errorf("status %d body %q", resp.StatusCode, body)
	}

	if s, found := m.Route("GET /fine"); !found || s.Count != 1 || s.Errors != 0 {
		t.Errorf("fine = %+v", s)
	}
	if s, found := m.Route("GET /boom"); !found || s.Count != 1 || s.Errors != 1 {
		t.Errorf("boom = %+v", s)
	}
}

func TestLogger(t *testing.T) {
	var sb lockedBuffer
	log := slog.New(slog.NewTextHandler(&sb, &slog.HandlerOptions{Level: slog.LevelDebug}))
	url := serve(t, Chain(ok, Logger(log)))

	do(t, "GET", url+"/logged?x=1", nil)
	if out := sb.String(); !strings.Contains(out, "path=/logged") || !strings.Contains(out, "method=GET") {
		t.Errorf("log = %q", out)
	}
}
