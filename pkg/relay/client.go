package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabpulse/tabpulse/pkg/logger"
	"github.com/tabpulse/tabpulse/pkg/storage"
)

// Client connects one tab to the relay hub. It implements
// storage.ChangeFeed for incoming events and publishes this tab's own
// writes so other tabs hear about them.
type Client struct {
	log  *logger.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[int]func(storage.Event)
	nextSub int
	closed  bool
}

// Dial connects to a relay hub at url (ws:// or wss://).
func Dial(url string, log *logger.Logger) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	c := &Client{
		log:  log.WithComponent("relay-client"),
		conn: conn,
		subs: make(map[int]func(storage.Event)),
	}
	go c.readLoop()
	return c, nil
}

// Publish announces a key change to every other tab on the hub.
func (c *Client) Publish(key, value string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.log.RelayEvent("publish", key)
	if err := c.conn.WriteJSON(message{Key: key, Value: value}); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Subscribe registers fn for change events from other tabs until cancel
// is called.
func (c *Client) Subscribe(fn func(storage.Event)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, storage.ErrClosed
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}, nil
}

func (c *Client) readLoop() {
	for {
		var msg message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				// Degraded, not fatal: the tab keeps working on local state
				// without cross-tab sync.
				c.log.Error("relay connection lost", err)
			}
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			return
		}
		c.log.RelayEvent("receive", msg.Key)
		c.dispatch(storage.Event{Key: msg.Key, Value: msg.Value})
	}
}

func (c *Client) dispatch(event storage.Event) {
	c.mu.Lock()
	subs := make([]func(storage.Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
}

// Close disconnects from the hub.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// publishingBackend decorates a Backend so every successful write is also
// announced on the relay. Remote events received by the tracker are not
// re-persisted, so they never echo back through here.
type publishingBackend struct {
	storage.Backend
	client *Client
}

// Backend wraps inner so writes announce themselves on the relay.
func Backend(inner storage.Backend, client *Client) storage.Backend {
	return &publishingBackend{Backend: inner, client: client}
}

func (b *publishingBackend) Set(key, value string) error {
	if err := b.Backend.Set(key, value); err != nil {
		return err
	}
	// Best effort: a missed announcement heals on the next write or read.
	if err := b.client.Publish(key, value); err != nil {
		b.client.log.Error("failed to announce write", err, "key", key)
	}
	return nil
}
