package models

import (
	"sync"
	"time"
)

// Transport is the write side of a live client connection (WebSocket, SSE)
type Transport interface {
	Send(env *Envelope) error
	Ping() error
	Close() error
}

// Connection represents a single live client connection on this instance
type Connection struct {
	ConnID        string
	UserID        string
	SessionID     string
	CorrelationID string // optional filter; SSE subscribers only see this id
	ClientIP      string
	CreatedAt     time.Time
	Transport     Transport

	mutex           sync.Mutex
	alive           bool
	lastHeartbeatAt time.Time
	closed          bool
}

// NewConnection builds a live connection that counts as alive until the first sweep
func NewConnection(connID, userID, sessionID string, t Transport) *Connection {
	now := time.Now()
	return &Connection{
		ConnID:          connID,
		UserID:          userID,
		SessionID:       sessionID,
		CreatedAt:       now,
		Transport:       t,
		alive:           true,
		lastHeartbeatAt: now,
	}
}

// Accepts reports whether an envelope passes this connection's correlation filter
func (c *Connection) Accepts(env *Envelope) bool {
	return c.CorrelationID == "" || c.CorrelationID == env.CorrelationID
}

// MarkAlive records a heartbeat (pong or any inbound frame)
func (c *Connection) MarkAlive() {
	c.mutex.Lock()
	c.alive = true
	c.lastHeartbeatAt = time.Now()
	c.mutex.Unlock()
}

// SwapAlive sets the alive flag and returns the previous value
func (c *Connection) SwapAlive(alive bool) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	prev := c.alive
	c.alive = alive
	return prev
}

// IsAlive returns the current heartbeat flag
func (c *Connection) IsAlive() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.alive
}

// LastHeartbeatAt returns when the connection last proved liveness
func (c *Connection) LastHeartbeatAt() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lastHeartbeatAt
}

// SafeSend writes an envelope, returning false if the connection is closed or the write fails
func (c *Connection) SafeSend(env *Envelope) bool {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return false
	}
	c.mutex.Unlock()

	if err := c.Transport.Send(env); err != nil {
		return false
	}
	return true
}

// Close closes the transport once
func (c *Connection) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	c.mutex.Unlock()
	return c.Transport.Close()
}

// IsClosed returns true if the connection has been closed
func (c *Connection) IsClosed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}
