// Package sse serves Server-Sent Events over streaming channels. Each
// subscriber is a chunked response that stays open; events are written to
// it as chunks.
package sse

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Event represents a Server-Sent Event
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int // milliseconds
}

// AppendEvent appends e in text/event-stream form. Multi-line data becomes
// one data field per line.
func AppendEvent(b []byte, e *Event) []byte {
	if e.ID != "" {
		b = appendField(b, "id", e.ID)
	}
	if e.Event != "" {
		b = appendField(b, "event", e.Event)
	}
	if e.Retry > 0 {
		b = appendField(b, "retry", strconv.Itoa(e.Retry))
	}
	if e.Data != "" {
		for _, line := range strings.Split(strings.ReplaceAll(e.Data, "\r\n", "\n"), "\n") {
			b = appendField(b, "data", line)
		}
	}
	return append(b, '\n')
}

func appendField(b []byte, name, value string) []byte {
	b = append(b, name...)
	b = append(b, ": "...)
	b = append(b, value...)
	return append(b, '\n')
}

// FormatEvent returns e in text/event-stream form.
func FormatEvent(e *Event) []byte {
	return AppendEvent(nil, e)
}

// keepaliveComment is ignored by clients but keeps proxies from timing out.
var keepaliveComment = []byte(": keepalive\n\n")

func NewMessageEvent(message string) *Event {
	return &Event{Event: "message", Data: message}
}

func NewHeartbeatEvent() *Event {
	return &Event{
		Event: "heartbeat",
		Data:  "timestamp:" + strconv.FormatInt(time.Now().Unix(), 10),
	}
}

// NewJSONEvent encodes v as the event data.
func NewJSONEvent(eventType string, v any) (*Event, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Event{Event: eventType, Data: string(data)}, nil
}

func NewErrorEvent(code int, message string) *Event {
	e, _ := NewJSONEvent("error", struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}{code, message})
	return e
}
