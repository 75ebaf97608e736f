package fabric

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// AuthContext is the project scope a connection was admitted with. The
// wildcard scope admits every project.
type AuthContext struct {
	Wildcard bool
	Projects map[string]struct{}
}

// Allows reports whether the context admits a project subscription.
func (a AuthContext) Allows(projectID string) bool {
	if a.Wildcard {
		return true
	}
	_, ok := a.Projects[projectID]
	return ok
}

// Connection is one duplex peer. The hub owns the registry; the connection
// owns its subscription set and outbound queue. All outbound frames funnel
// through send so writes to the socket are serialized by the writer loop.
type Connection struct {
	id   string
	ws   *websocket.Conn
	auth AuthContext
	send chan []byte

	mu            sync.Mutex
	subscriptions map[string]struct{}
	lastSeen      time.Time
	closed        bool
}

func newConnection(id string, ws *websocket.Conn, auth AuthContext, queueSize int) *Connection {
	return &Connection{
		id:            id,
		ws:            ws,
		auth:          auth,
		send:          make(chan []byte, queueSize),
		subscriptions: map[string]struct{}{},
		lastSeen:      time.Now(),
	}
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// touch records liveness on any inbound ping or pong.
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Connection) lastSeenAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// subscribe records a subscription, reporting whether it was new.
func (c *Connection) subscribe(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[projectID]; ok {
		return false
	}
	c.subscriptions[projectID] = struct{}{}
	return true
}

func (c *Connection) unsubscribe(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[projectID]; !ok {
		return false
	}
	delete(c.subscriptions, projectID)
	return true
}

func (c *Connection) subscriptionList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for p := range c.subscriptions {
		out = append(out, p)
	}
	return out
}

// enqueue hands a frame to the writer loop without blocking. A full queue
// reports false; the hub treats that as a slow consumer and disconnects.
// The channel send happens under the mutex so closeSend cannot close the
// channel between the closed check and the send.
func (c *Connection) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// closeSend stops the writer loop. Idempotent.
func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writeLoop drains the send queue onto the socket. It exits when closeSend
// runs or a write fails.
func (c *Connection) writeLoop(writeTimeout time.Duration) {
	for frame := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}
