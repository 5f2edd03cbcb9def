package sse

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Stream is a named event source. It numbers events as namespace-N and
// publishes them through its broker.
type Stream struct {
	broker    *Broker
	eventID   atomic.Uint64
	namespace string
}

func NewStream(namespace string) *Stream {
	return &Stream{
		broker:    NewBroker(10000, 30*time.Second),
		namespace: namespace,
	}
}

// WithBroker replaces the default broker. Call before subscribing.
func (s *Stream) WithBroker(broker *Broker) *Stream {
	s.broker.Close()
	s.broker = broker
	return s
}

// Subscribe registers sender under clientID. lastEventID is the id a
// reconnecting client reported, or "".
func (s *Stream) Subscribe(clientID, lastEventID string, sender Sender) (*Client, error) {
	c := newClient(clientID, sender)
	c.LastID = lastEventID
	if err := s.broker.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Stream) Unsubscribe(c *Client) {
	s.broker.Unregister(c)
}

func (s *Stream) next(eventType, data string) *Event {
	return &Event{
		ID:    s.namespace + "-" + strconv.FormatUint(s.eventID.Add(1), 10),
		Event: eventType,
		Data:  data,
	}
}

// Send publishes an event to every subscriber.
func (s *Stream) Send(eventType, data string) error {
	return s.broker.Publish(s.next(eventType, data))
}

// SendTo writes an event to one subscriber.
func (s *Stream) SendTo(clientID, eventType, data string) error {
	return s.broker.PublishTo(clientID, s.next(eventType, data))
}

func (s *Stream) Broadcast(message string) error {
	return s.Send("message", message)
}

func (s *Stream) ClientCount() int {
	return s.broker.ClientCount()
}

// Close ends every subscriber's response.
func (s *Stream) Close() {
	s.broker.Close()
}

// StreamStats adds the stream identity to the broker counters.
type StreamStats struct {
	BrokerStats
	Namespace string
	LastID    uint64
}

func (s *Stream) Stats() StreamStats {
	return StreamStats{
		BrokerStats: s.broker.Stats(),
		Namespace:   s.namespace,
		LastID:      s.eventID.Load(),
	}
}

// Room is a subset of a stream's clients addressed together.
type Room struct {
	name    string
	clients *xsync.MapOf[string, *Client]
}

func NewRoom(name string) *Room {
	return &Room{
		name:    name,
		clients: xsync.NewMapOf[string, *Client](),
	}
}

func (r *Room) Name() string { return r.name }

func (r *Room) Join(c *Client) {
	r.clients.Store(c.ID, c)
}

func (r *Room) Leave(clientID string) {
	r.clients.Delete(clientID)
}

// Broadcast writes e to every member and drops members whose stream ended.
// It returns the number of members reached.
func (r *Room) Broadcast(e *Event) int {
	msg := FormatEvent(e)
	n := 0
	r.clients.Range(func(id string, c *Client) bool {
		if c.write(msg) {
			n++
		} else {
			r.clients.Delete(id)
		}
		return true
	})
	return n
}

func (r *Room) ClientCount() int {
	return r.clients.Size()
}
