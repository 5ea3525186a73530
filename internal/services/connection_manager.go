package services

import (
	"context"
	"log"
	"sync"
	"time"

	"courier/internal/models"
)

// ConnectionManager is this instance's registry of live client connections,
// indexed by connection, user and session. Sessions live in the namespace of
// the user that opened them.
type ConnectionManager struct {
	connections map[string]*models.Connection
	byUser      map[string]map[string]*models.Connection
	bySession   map[sessionKey]*models.Connection
	metrics     *Metrics
	mutex       sync.RWMutex
}

type sessionKey struct {
	userID    string
	sessionID string
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(metrics *Metrics) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*models.Connection),
		byUser:      make(map[string]map[string]*models.Connection),
		bySession:   make(map[sessionKey]*models.Connection),
		metrics:     metrics,
	}
}

// Add registers a connection
func (cm *ConnectionManager) Add(conn *models.Connection) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	cm.connections[conn.ConnID] = conn
	userConns, ok := cm.byUser[conn.UserID]
	if !ok {
		userConns = make(map[string]*models.Connection)
		cm.byUser[conn.UserID] = userConns
	}
	userConns[conn.ConnID] = conn
	if conn.SessionID != "" {
		cm.bySession[sessionKey{conn.UserID, conn.SessionID}] = conn
	}
	cm.metrics.RecordConnect()

	log.Printf("✅ Connection added: %s user=%s (Total: %d)", conn.ConnID, conn.UserID, len(cm.connections))
}

// Remove unregisters a connection and drops empty per-user sets
func (cm *ConnectionManager) Remove(connID string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.removeLocked(connID)
}

func (cm *ConnectionManager) removeLocked(connID string) *models.Connection {
	conn, exists := cm.connections[connID]
	if !exists {
		return nil
	}

	delete(cm.connections, connID)
	if userConns, ok := cm.byUser[conn.UserID]; ok {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(cm.byUser, conn.UserID)
		}
	}
	key := sessionKey{conn.UserID, conn.SessionID}
	if current, ok := cm.bySession[key]; ok && current.ConnID == connID {
		delete(cm.bySession, key)
	}
	cm.metrics.RecordDisconnect()

	log.Printf("❌ Connection removed: %s (Total: %d)", connID, len(cm.connections))
	return conn
}

// Get retrieves a connection by ID
func (cm *ConnectionManager) Get(connID string) (*models.Connection, bool) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	conn, exists := cm.connections[connID]
	return conn, exists
}

// Count returns the number of active connections
func (cm *ConnectionManager) Count() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.connections)
}

// UserCount returns the number of connections a user has on this instance
func (cm *ConnectionManager) UserCount(userID string) int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.byUser[userID])
}

// SendToUser fans env out to every connection of the user that accepts it.
// It returns the number of successful writes.
func (cm *ConnectionManager) SendToUser(userID string, env *models.Envelope) int {
	cm.mutex.RLock()
	targets := make([]*models.Connection, 0, len(cm.byUser[userID]))
	for _, conn := range cm.byUser[userID] {
		targets = append(targets, conn)
	}
	cm.mutex.RUnlock()

	sent := 0
	for _, conn := range targets {
		if !conn.Accepts(env) {
			continue
		}
		if conn.SafeSend(env) {
			sent++
		}
	}
	return sent
}

// SendToSession writes env to the user's connection bound to sessionID
func (cm *ConnectionManager) SendToSession(userID, sessionID string, env *models.Envelope) bool {
	cm.mutex.RLock()
	conn, ok := cm.bySession[sessionKey{userID, sessionID}]
	cm.mutex.RUnlock()

	if !ok || conn.UserID != env.UserID || !conn.Accepts(env) {
		return false
	}
	return conn.SafeSend(env)
}

// SendToSubscribers writes env to the user's connections filtered on its
// correlation id, such as SSE streams opened for one request.
func (cm *ConnectionManager) SendToSubscribers(userID string, env *models.Envelope) int {
	if env.CorrelationID == "" {
		return 0
	}

	cm.mutex.RLock()
	var targets []*models.Connection
	for _, conn := range cm.byUser[userID] {
		if conn.CorrelationID == env.CorrelationID {
			targets = append(targets, conn)
		}
	}
	cm.mutex.RUnlock()

	sent := 0
	for _, conn := range targets {
		if conn.SafeSend(env) {
			sent++
		}
	}
	return sent
}

// Sweep runs one heartbeat round: connections that have not proven liveness
// since the previous round are closed and removed, the rest are marked
// not-alive and probed. It returns the number of connections removed.
func (cm *ConnectionManager) Sweep() int {
	cm.mutex.RLock()
	all := make([]*models.Connection, 0, len(cm.connections))
	for _, conn := range cm.connections {
		all = append(all, conn)
	}
	cm.mutex.RUnlock()

	var dead []*models.Connection
	for _, conn := range all {
		if conn.IsClosed() || !conn.SwapAlive(false) {
			dead = append(dead, conn)
			continue
		}
		if err := conn.Transport.Ping(); err != nil {
			// Stays registered until the next round confirms it is gone
			log.Printf("⚠️  Heartbeat probe failed for %s: %v", conn.ConnID, err)
		}
	}

	if len(dead) == 0 {
		return 0
	}

	cm.mutex.Lock()
	for _, conn := range dead {
		cm.removeLocked(conn.ConnID)
	}
	cm.mutex.Unlock()

	for _, conn := range dead {
		conn.Close()
	}
	log.Printf("💓 Heartbeat sweep removed %d dead connection(s)", len(dead))
	return len(dead)
}

// StartHeartbeat sweeps every interval until ctx is done
func (cm *ConnectionManager) StartHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.Sweep()
		}
	}
}

// CloseAll closes every connection, used on shutdown
func (cm *ConnectionManager) CloseAll() {
	cm.mutex.Lock()
	all := make([]*models.Connection, 0, len(cm.connections))
	for id := range cm.connections {
		if conn := cm.removeLocked(id); conn != nil {
			all = append(all, conn)
		}
	}
	cm.mutex.Unlock()

	for _, conn := range all {
		conn.Close()
	}
}
