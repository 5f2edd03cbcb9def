package sse

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrBrokerClosed  = errors.New("sse: broker closed")
	ErrDuplicateID   = errors.New("sse: client id already subscribed")
	ErrClientUnknown = errors.New("sse: client not subscribed")
)

// Sender is the streaming side of a subscriber; *core.Channel satisfies it.
type Sender interface {
	Send(body any, closeAfterSent bool) (bool, error)
	IsClosed() bool
}

// Client is one subscribed event stream.
type Client struct {
	ID     string
	LastID string // Last-Event-ID sent on reconnect

	sender Sender
	closed atomic.Bool
}

func newClient(id string, s Sender) *Client {
	return &Client{ID: id, sender: s}
}

func (c *Client) IsClosed() bool {
	return c.closed.Load() || c.sender.IsClosed()
}

// write sends one formatted event as a chunk.
func (c *Client) write(b []byte) bool {
	if c.IsClosed() {
		return false
	}
	ok, err := c.sender.Send(b, false)
	return ok && err == nil
}

// end terminates the response.
func (c *Client) end() {
	if c.closed.CompareAndSwap(false, true) {
		c.sender.Send(nil, true)
	}
}

// Broker fans events out to subscribed clients from a single goroutine.
type Broker struct {
	clients  *xsync.MapOf[string, *Client]
	messages chan []byte
	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once

	total   atomic.Int64
	sent    atomic.Int64
	dropped atomic.Int64

	keepaliveInterval time.Duration
	maxClients        int
}

// NewBroker starts a broker. A zero keepalive interval disables keepalive
// comments.
func NewBroker(maxClients int, keepaliveInterval time.Duration) *Broker {
	if maxClients <= 0 {
		maxClients = 10000
	}

	b := &Broker{
		clients:           xsync.NewMapOf[string, *Client](),
		messages:          make(chan []byte, 1000),
		done:              make(chan struct{}),
		stopped:           make(chan struct{}),
		keepaliveInterval: keepaliveInterval,
		maxClients:        maxClients,
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	var tick <-chan time.Time
	if b.keepaliveInterval > 0 {
		t := time.NewTicker(b.keepaliveInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case msg := <-b.messages:
			b.broadcast(msg)
		case <-tick:
			b.broadcast(keepaliveComment)
		case <-b.done:
			return
		}
	}
}

func (b *Broker) broadcast(msg []byte) {
	b.clients.Range(func(id string, c *Client) bool {
		if c.write(msg) {
			b.sent.Add(1)
		} else {
			b.dropped.Add(1)
			b.clients.Delete(id)
		}
		return true
	})
}

// Register subscribes c. Ids are unique per broker.
func (b *Broker) Register(c *Client) error {
	if b.isClosed() {
		return ErrBrokerClosed
	}
	if b.clients.Size() >= b.maxClients {
		return fmt.Errorf("sse: max clients reached (%d)", b.maxClients)
	}
	if _, loaded := b.clients.LoadOrStore(c.ID, c); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateID, c.ID)
	}
	b.total.Add(1)
	return nil
}

// Unregister drops c without ending its response.
func (b *Broker) Unregister(c *Client) {
	b.clients.Compute(c.ID, func(cur *Client, loaded bool) (*Client, bool) {
		return cur, !loaded || cur == c
	})
}

// Publish queues a formatted event for every client.
func (b *Broker) Publish(e *Event) error {
	msg := FormatEvent(e)
	select {
	case <-b.done:
		return ErrBrokerClosed
	default:
	}
	select {
	case b.messages <- msg:
		return nil
	case <-b.done:
		return ErrBrokerClosed
	}
}

// PublishTo writes e to one client directly.
func (b *Broker) PublishTo(clientID string, e *Event) error {
	c, ok := b.clients.Load(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientUnknown, clientID)
	}
	if !c.write(FormatEvent(e)) {
		b.clients.Delete(clientID)
		b.dropped.Add(1)
		return fmt.Errorf("%w: %s", ErrClientUnknown, clientID)
	}
	b.sent.Add(1)
	return nil
}

func (b *Broker) GetClient(clientID string) (*Client, bool) {
	return b.clients.Load(clientID)
}

func (b *Broker) ClientCount() int {
	return b.clients.Size()
}

func (b *Broker) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Close stops the broker and ends every subscribed response.
func (b *Broker) Close() {
	b.once.Do(func() {
		close(b.done)
		<-b.stopped
		b.clients.Range(func(id string, c *Client) bool {
			c.end()
			b.clients.Delete(id)
			return true
		})
	})
}

// BrokerStats counts broker traffic.
type BrokerStats struct {
	TotalClients   int64
	CurrentClients int
	Sent           int64
	Dropped        int64
}

func (b *Broker) Stats() BrokerStats {
	return BrokerStats{
		TotalClients:   b.total.Load(),
		CurrentClients: b.clients.Size(),
		Sent:           b.sent.Load(),
		Dropped:        b.dropped.Load(),
	}
}
