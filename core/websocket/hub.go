package websocket

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Sender is the outbound side of an upgraded connection. core.Channel
// satisfies it.
type Sender interface {
	Send(body any, closeAfterSent bool) (bool, error)
	IsClosed() bool
}

type Client struct {
	ID     string
	Sender Sender
	closed atomic.Bool
}

func NewClient(id string, s Sender) *Client {
	return &Client{ID: id, Sender: s}
}

// send delivers one text message and reports whether the client is still usable.
func (c *Client) send(text string) bool {
	if c.closed.Load() || c.Sender.IsClosed() {
		return false
	}
	ok, err := c.Sender.Send(text, false)
	return ok && err == nil
}

func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// Hub tracks upgraded connections and fans text messages out to them.
// Clients whose connection has closed are dropped on the next broadcast.
type Hub struct {
	clients   sync.Map
	rooms     sync.Map
	broadcast chan *BroadcastMessage
	done      chan struct{}
	closeOnce sync.Once

	current      atomic.Int64
	totalClients atomic.Int64
	messageCount atomic.Int64
	maxClients   int
}

type BroadcastMessage struct {
	Text string
	Room string
	sent chan struct{}
}

func NewHub(maxClients int) *Hub {
	if maxClients <= 0 {
		maxClients = 10000
	}

	hub := &Hub{
		broadcast:  make(chan *BroadcastMessage, 1000),
		done:       make(chan struct{}),
		maxClients: maxClients,
	}

	go hub.run()

	return hub
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return

		case msg := <-h.broadcast:
			h.messageCount.Add(1)

			if msg.Room == "" {
				h.clients.Range(func(_, value any) bool {
					h.deliver(value.(*Client), msg.Text)
					return true
				})
			} else if room, ok := h.GetRoom(msg.Room); ok {
				room.clients.Range(func(_, value any) bool {
					h.deliver(value.(*Client), msg.Text)
					return true
				})
			}
			if msg.sent != nil {
				close(msg.sent)
			}
		}
	}
}

func (h *Hub) deliver(c *Client, text string) {
	if !c.send(text) {
		h.Unregister(c.ID)
	}
}

// Register adds a client under id. The id must be unique within the hub.
func (h *Hub) Register(id string, s Sender) (*Client, error) {
	if h.isClosed() {
		return nil, ErrHubClosed
	}
	if h.current.Add(1) > int64(h.maxClients) {
		h.current.Add(-1)
		return nil, fmt.Errorf("%w: %d clients", ErrHubFull, h.maxClients)
	}

	client := NewClient(id, s)
	if old, loaded := h.clients.Swap(id, client); loaded {
		old.(*Client).closed.Store(true)
		h.current.Add(-1)
	}
	h.totalClients.Add(1)
	return client, nil
}

// Unregister drops the client and removes it from every room.
func (h *Hub) Unregister(id string) {
	val, ok := h.clients.LoadAndDelete(id)
	if !ok {
		return
	}
	val.(*Client).closed.Store(true)
	h.current.Add(-1)

	h.rooms.Range(func(_, value any) bool {
		value.(*Room).Leave(id)
		return true
	})
}

// BroadcastText queues text for every client, or only for members of room
// when room is not empty.
func (h *Hub) BroadcastText(text string, room string) error {
	return h.queue(&BroadcastMessage{Text: text, Room: room})
}

// BroadcastWait is BroadcastText that returns once delivery has been attempted.
func (h *Hub) BroadcastWait(text string, room string) error {
	msg := &BroadcastMessage{Text: text, Room: room, sent: make(chan struct{})}
	if err := h.queue(msg); err != nil {
		return err
	}
	select {
	case <-msg.sent:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

func (h *Hub) queue(msg *BroadcastMessage) error {
	// a closed hub must refuse even when the buffer has room
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case <-h.done:
		return ErrHubClosed
	case h.broadcast <- msg:
		return nil
	}
}

func (h *Hub) SendTo(clientID string, text string) error {
	client, ok := h.GetClient(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	if !client.send(text) {
		h.Unregister(clientID)
		return fmt.Errorf("%w: %s is closed", ErrUnknownClient, clientID)
	}
	return nil
}

func (h *Hub) GetClient(clientID string) (*Client, bool) {
	val, ok := h.clients.Load(clientID)
	if !ok {
		return nil, false
	}
	return val.(*Client), true
}

func (h *Hub) ClientCount() int {
	return int(h.current.Load())
}

func (h *Hub) Stats() map[string]any {
	return map[string]any{
		"total_clients":   h.totalClients.Load(),
		"current_clients": h.ClientCount(),
		"messages_sent":   h.messageCount.Load(),
		"rooms":           h.RoomCount(),
	}
}

// Close stops the broadcast loop. Registered connections are left open.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) isClosed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

type Room struct {
	Name    string
	clients sync.Map
	hub     *Hub
}

func (h *Hub) CreateRoom(name string) *Room {
	room := &Room{
		Name: name,
		hub:  h,
	}
	actual, _ := h.rooms.LoadOrStore(name, room)
	return actual.(*Room)
}

func (h *Hub) GetRoom(name string) (*Room, bool) {
	val, ok := h.rooms.Load(name)
	if !ok {
		return nil, false
	}
	return val.(*Room), true
}

func (h *Hub) DeleteRoom(name string) {
	h.rooms.Delete(name)
}

func (h *Hub) RoomCount() int {
	count := 0
	h.rooms.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (r *Room) Join(clientID string) error {
	client, ok := r.hub.GetClient(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}

	r.clients.Store(clientID, client)
	return nil
}

func (r *Room) Leave(clientID string) {
	r.clients.Delete(clientID)
}

func (r *Room) ClientCount() int {
	count := 0
	r.clients.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (r *Room) ClientIDs() []string {
	ids := make([]string, 0)
	r.clients.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	return ids
}
