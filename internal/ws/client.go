package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// transport is the subset of *websocket.Conn the server writes through.
// Tests substitute fakes.
type transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

const writeTimeout = 10 * time.Second

// client is one live subscriber. Never persisted; destroyed on disconnect,
// heartbeat timeout, or ban.
type client struct {
	ID          uuid.UUID
	RemoteAddr  string
	ConnectedAt time.Time

	mu            sync.Mutex
	conn          transport
	authenticated bool
	userID        string
	role          string
	subscriptions map[string]bool
	limiter       *rate.Limiter
	strikes       int
	lastPong      time.Time
}

func newClient(conn transport, remoteAddr string, perMinute int) *client {
	now := time.Now().UTC()
	return &client{
		ID:            uuid.New(),
		RemoteAddr:    remoteAddr,
		ConnectedAt:   now,
		conn:          conn,
		subscriptions: make(map[string]bool),
		limiter:       rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		lastPong:      now,
	}
}

// send serializes writes on the connection; gorilla conns do not allow
// concurrent writers.
func (c *client) send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *client) ping(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *client) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	_ = c.conn.Close()
}

func (c *client) markPong() {
	c.mu.Lock()
	c.lastPong = time.Now().UTC()
	c.mu.Unlock()
}

func (c *client) pongAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastPong)
}

func (c *client) setIdentity(userID, role string) {
	c.mu.Lock()
	c.authenticated = true
	c.userID = userID
	c.role = role
	c.mu.Unlock()
}

func (c *client) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// banKey identifies the party a ban applies to: the authenticated user when
// known, the remote host before that.
func (c *client) banKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authenticated && c.userID != "" {
		return "user:" + c.userID
	}
	return "addr:" + c.RemoteAddr
}

func (c *client) subscribe(topics []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	added := make([]string, 0, len(topics))
	for _, t := range topics {
		if t == "" {
			continue
		}
		c.subscriptions[t] = true
		added = append(added, t)
	}
	return added
}

func (c *client) unsubscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subscriptions, t)
	}
}

func (c *client) subscribedTo(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[topic] || c.subscriptions["*"]
}

func (c *client) subscriptionList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		out = append(out, t)
	}
	return out
}

// ClientInfo is the point-in-time descriptor returned by the admin surface.
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	UserID        string    `json:"user_id,omitempty"`
	Subscriptions []string  `json:"subscriptions"`
	ConnectedAt   time.Time `json:"connected_at"`
}

func (c *client) info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		subs = append(subs, t)
	}
	return ClientInfo{
		ID:            c.ID.String(),
		Authenticated: c.authenticated,
		UserID:        c.userID,
		Subscriptions: subs,
		ConnectedAt:   c.ConnectedAt,
	}
}
