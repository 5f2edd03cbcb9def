package middleware

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/httpkit/core"
	"github.com/searchktools/httpkit/core/http"
	"github.com/searchktools/httpkit/core/observability"
)

// Middleware wraps a handler. It may answer ch itself and skip next.
type Middleware func(next core.Handler) core.Handler

// Pipeline is an ordered middleware list.
type Pipeline struct {
	mws []Middleware
}

// NewPipeline creates a pipeline from mws, outermost first.
func NewPipeline(mws ...Middleware) *Pipeline {
	return &Pipeline{mws: append([]Middleware(nil), mws...)}
}

// Use appends a middleware; it runs after the ones already added.
func (p *Pipeline) Use(mw Middleware) *Pipeline {
	p.mws = append(p.mws, mw)
	return p
}

// Len returns the number of middlewares.
func (p *Pipeline) Len() int { return len(p.mws) }

// Then returns h wrapped by every middleware in the pipeline.
func (p *Pipeline) Then(h core.Handler) core.Handler {
	for i := len(p.mws) - 1; i >= 0; i-- {
		h = p.mws[i](h)
	}
	return h
}

// Chain is NewPipeline(mws...).Then(h).
func Chain(h core.Handler, mws ...Middleware) core.Handler {
	return NewPipeline(mws...).Then(h)
}

// Logger logs every request at debug level.
func Logger(log *slog.Logger) Middleware {
	return func(next core.Handler) core.Handler {
		return core.HandlerFunc(func(req *http.Request, ch *core.Channel) {
			log.Debug("request",
				"method", req.Method,
				"path", req.Path,
				"version", req.Version.String(),
				"remote", req.RemoteAddr)
			next.Serve(req, ch)
		})
	}
}

// RequestID tags each response with X-Request-ID, reusing the request's
// own value when it carries one.
func RequestID() Middleware {
	var counter atomic.Uint64
	return func(next core.Handler) core.Handler {
		return core.HandlerFunc(func(req *http.Request, ch *core.Channel) {
			id := req.Header.Get("X-Request-ID")
			if id == "" {
				id = strconv.FormatUint(counter.Add(1), 10)
			}
			ch.Header().Set("X-Request-ID", id)
			next.Serve(req, ch)
		})
	}
}

// CORS allows cross-origin requests from origin ("*" for any) and answers
// preflight OPTIONS requests with 204.
func CORS(origin string) Middleware {
	return func(next core.Handler) core.Handler {
		return core.HandlerFunc(func(req *http.Request, ch *core.Channel) {
			h := ch.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if req.Method == "OPTIONS" {
				ch.Respond(204, nil, nil)
				return
			}
			next.Serve(req, ch)
		})
	}
}

// RateLimiter admits at most requestsPerSecond requests per one-second
// window and answers the rest with 429.
func RateLimiter(requestsPerSecond int) Middleware {
	var (
		mu         sync.Mutex
		tokens     = requestsPerSecond
		lastRefill = time.Now()
	)
	allow := func() bool {
		mu.Lock()
		defer mu.Unlock()
		if now := time.Now(); now.Sub(lastRefill) >= time.Second {
			tokens = requestsPerSecond
			lastRefill = now
		}
		if tokens > 0 {
			tokens--
			return true
		}
		return false
	}

	return func(next core.Handler) core.Handler {
		return core.HandlerFunc(func(req *http.Request, ch *core.Channel) {
			if !allow() {
				ch.Header().Set("Retry-After", "1")
				ch.Respond(429, nil, map[string]string{"error": "Too Many Requests"})
				return
			}
			next.Serve(req, ch)
		})
	}
}

// Monitor times next's Serve call per route. route names a request; nil
// uses "METHOD path". A panic counts as a failure and is re-raised.
func Monitor(m *observability.Monitor, route func(*http.Request) string) Middleware {
	if route == nil {
		route = func(req *http.Request) string { return req.Method + " " + req.Path }
	}
	return func(next core.Handler) core.Handler {
		return core.HandlerFunc(func(req *http.Request, ch *core.Channel) {
			start := time.Now()
			defer func() {
				r := recover()
				m.Record(route(req), time.Since(start), r != nil)
				if r != nil {
					panic(r)
				}
			}()
			next.Serve(req, ch)
		})
	}
}

// Recovery turns a panic in next into a 500 response and logs it.
func Recovery(log *slog.Logger) Middleware {
	return func(next core.Handler) core.Handler {
		return core.HandlerFunc(func(req *http.Request, ch *core.Channel) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered", "path", req.Path, "panic", r)
					ch.Fail(fmt.Errorf("%v", r))
				}
			}()
			next.Serve(req, ch)
		})
	}
}
