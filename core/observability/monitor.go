package observability

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Upper bounds of the local latency buckets; the last bucket is open.
var bucketBounds = [...]time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	5 * time.Second,
	10 * time.Second,
}

// Thresholds used by Bottlenecks.
const (
	SlowRouteThreshold = 100 * time.Millisecond
	ErrorRateThreshold = 0.05
)

// Monitor tracks handler latency per route. A nil *Monitor is valid and
// records nothing.
type Monitor struct {
	routes   *xsync.MapOf[string, *routeStats]
	duration metric.Float64Histogram
}

type routeStats struct {
	count   atomic.Uint64
	errors  atomic.Uint64
	total   atomic.Uint64
	min     atomic.Uint64
	max     atomic.Uint64
	buckets [len(bucketBounds) + 1]atomic.Uint64
}

// RouteSnapshot is a point-in-time view of one route.
type RouteSnapshot struct {
	Route   string
	Count   uint64
	Errors  uint64
	Avg     time.Duration
	Min     time.Duration
	Max     time.Duration
	Buckets []uint64
}

// ErrorRate is Errors/Count, or 0 for an unused route.
func (s RouteSnapshot) ErrorRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Count)
}

// Bottleneck flags a route that is slow or failing often.
type Bottleneck struct {
	Type    string // "latency" or "errors"
	Route   string
	Details string
}

// NewMonitor creates the duration histogram on mp, or on the global
// provider when mp is nil.
func NewMonitor(mp metric.MeterProvider) (*Monitor, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	hist, err := mp.Meter(meterName).Float64Histogram("httpkit.handler.duration",
		metric.WithDescription("Time spent in the handler's Serve call"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &Monitor{
		routes:   xsync.NewMapOf[string, *routeStats](),
		duration: hist,
	}, nil
}

// Record adds one handler invocation.
func (m *Monitor) Record(route string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	s, _ := m.routes.LoadOrCompute(route, func() *routeStats { return &routeStats{} })

	ns := uint64(max(d, 0))
	s.count.Add(1)
	if failed {
		s.errors.Add(1)
	}
	s.total.Add(ns)
	for {
		cur := s.min.Load()
		if (cur != 0 && ns >= cur) || s.min.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := s.max.Load()
		if ns <= cur || s.max.CompareAndSwap(cur, ns) {
			break
		}
	}
	s.buckets[bucketFor(d)].Add(1)

	m.duration.Record(context.Background(), d.Seconds(), metric.WithAttributes(
		attribute.String("http.route", route),
		attribute.Bool("error", failed)))
}

func bucketFor(d time.Duration) int {
	for i, bound := range bucketBounds {
		if d < bound {
			return i
		}
	}
	return len(bucketBounds)
}

// Route returns the snapshot for one route.
func (m *Monitor) Route(route string) (RouteSnapshot, bool) {
	if m == nil {
		return RouteSnapshot{}, false
	}
	s, ok := m.routes.Load(route)
	if !ok {
		return RouteSnapshot{}, false
	}
	return s.snapshot(route), true
}

// Snapshot returns every route, sorted by name.
func (m *Monitor) Snapshot() []RouteSnapshot {
	if m == nil {
		return nil
	}
	var out []RouteSnapshot
	m.routes.Range(func(route string, s *routeStats) bool {
		out = append(out, s.snapshot(route))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}

// Slowest returns up to n routes with the highest average latency.
func (m *Monitor) Slowest(n int) []RouteSnapshot {
	all := m.Snapshot()
	sort.SliceStable(all, func(i, j int) bool { return all[i].Avg > all[j].Avg })
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Bottlenecks lists routes averaging over SlowRouteThreshold or failing
// more often than ErrorRateThreshold.
func (m *Monitor) Bottlenecks() []Bottleneck {
	var out []Bottleneck
	for _, s := range m.Snapshot() {
		if s.Avg > SlowRouteThreshold {
			out = append(out, Bottleneck{
				Type:    "latency",
				Route:   s.Route,
				Details: fmt.Sprintf("high latency (%v avg)", s.Avg),
			})
		}
		if rate := s.ErrorRate(); rate > ErrorRateThreshold {
			out = append(out, Bottleneck{
				Type:    "errors",
				Route:   s.Route,
				Details: fmt.Sprintf("%.1f%% error rate", rate*100),
			})
		}
	}
	return out
}

func (s *routeStats) snapshot(route string) RouteSnapshot {
	snap := RouteSnapshot{
		Route:   route,
		Count:   s.count.Load(),
		Errors:  s.errors.Load(),
		Min:     time.Duration(s.min.Load()),
		Max:     time.Duration(s.max.Load()),
		Buckets: make([]uint64, len(s.buckets)),
	}
	if snap.Count > 0 {
		snap.Avg = time.Duration(s.total.Load() / snap.Count)
	}
	for i := range s.buckets {
		snap.Buckets[i] = s.buckets[i].Load()
	}
	return snap
}
