package observability

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/searchktools/httpkit/core"

// Metrics counts reactor activity. Every counter is mirrored into an
// OpenTelemetry instrument and into a local atomic for Snapshot. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	accepted     atomic.Int64
	active       atomic.Int64
	requests     atomic.Int64
	decodeErrors atomic.Int64
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64

	acceptedCnt  metric.Int64Counter
	activeCnt    metric.Int64UpDownCounter
	requestCnt   metric.Int64Counter
	decodeErrCnt metric.Int64Counter
	readCnt      metric.Int64Counter
	writeCnt     metric.Int64Counter
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Accepted     int64
	Active       int64
	Requests     int64
	DecodeErrors int64
	BytesRead    int64
	BytesWritten int64
}

// NewMetrics creates the instruments on mp, or on the global provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	m := &Metrics{}
	var err error

	if m.acceptedCnt, err = meter.Int64Counter("httpkit.connections.accepted",
		metric.WithDescription("Connections accepted by the reactor"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, err
	}
	if m.activeCnt, err = meter.Int64UpDownCounter("httpkit.connections.active",
		metric.WithDescription("Connections currently open"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, err
	}
	if m.requestCnt, err = meter.Int64Counter("httpkit.requests",
		metric.WithDescription("Requests decoded and handed to the handler"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.decodeErrCnt, err = meter.Int64Counter("httpkit.decode.errors",
		metric.WithDescription("Connections dropped for malformed input"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if m.readCnt, err = meter.Int64Counter("httpkit.io.read",
		metric.WithDescription("Bytes read from sockets"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.writeCnt, err = meter.Int64Counter("httpkit.io.written",
		metric.WithDescription("Bytes written to sockets"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.accepted.Add(1)
	m.active.Add(1)
	m.acceptedCnt.Add(context.Background(), 1)
	m.activeCnt.Add(context.Background(), 1)
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.active.Add(-1)
	m.activeCnt.Add(context.Background(), -1)
}

func (m *Metrics) Request(method string) {
	if m == nil {
		return
	}
	m.requests.Add(1)
	m.requestCnt.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("http.request.method", method)))
}

// DecodeError records a rejected message; kind is a short error class.
func (m *Metrics) DecodeError(kind string) {
	if m == nil {
		return
	}
	m.decodeErrors.Add(1)
	m.decodeErrCnt.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("error.type", kind)))
}

func (m *Metrics) BytesRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRead.Add(int64(n))
	m.readCnt.Add(context.Background(), int64(n))
}

func (m *Metrics) BytesWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesWritten.Add(int64(n))
	m.writeCnt.Add(context.Background(), int64(n))
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Accepted:     m.accepted.Load(),
		Active:       m.active.Load(),
		Requests:     m.requests.Load(),
		DecodeErrors: m.decodeErrors.Load(),
		BytesRead:    m.bytesRead.Load(),
		BytesWritten: m.bytesWritten.Load(),
	}
}
