package services

import (
	"errors"
	"sync"
	"testing"

	"courier/internal/models"
)

// fakeTransport records what the registry writes to a connection
type fakeTransport struct {
	mu      sync.Mutex
	sent    []*models.Envelope
	pings   int
	closed  bool
	sendErr error
}

func (f *fakeTransport) Send(env *models.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Sent() []*models.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Envelope(nil), f.sent...)
}

func (f *fakeTransport) SentTypes() []models.EnvelopeType {
	var types []models.EnvelopeType
	for _, env := range f.Sent() {
		types = append(types, env.Type())
	}
	return types
}

func (f *fakeTransport) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func addTestConnection(cm *ConnectionManager, connID, userID, sessionID string) (*models.Connection, *fakeTransport) {
	transport := &fakeTransport{}
	conn := models.NewConnection(connID, userID, sessionID, transport)
	cm.Add(conn)
	return conn, transport
}

func TestConnectionManager_AddRemove(t *testing.T) {
	cm := NewConnectionManager(nil)

	addTestConnection(cm, "c1", "user-1", "s1")
	addTestConnection(cm, "c2", "user-1", "s2")
	addTestConnection(cm, "c3", "user-2", "s3")

	if cm.Count() != 3 {
		t.Errorf("Expected 3 connections, got %d", cm.Count())
	}
	if cm.UserCount("user-1") != 2 {
		t.Errorf("Expected 2 connections for user-1, got %d", cm.UserCount("user-1"))
	}

	cm.Remove("c1")
	cm.Remove("c2")
	if cm.UserCount("user-1") != 0 {
		t.Error("user-1 should have no connections left")
	}
	cm.Remove("c1") // removing twice is a no-op
	if cm.Count() != 1 {
		t.Errorf("Expected 1 connection, got %d", cm.Count())
	}
}

func TestConnectionManager_SendToUser(t *testing.T) {
	cm := NewConnectionManager(nil)
	_, t1 := addTestConnection(cm, "c1", "user-1", "s1")
	_, t2 := addTestConnection(cm, "c2", "user-1", "s2")
	_, t3 := addTestConnection(cm, "c3", "user-2", "s3")

	env := models.NewEnvelope("user-1", "", "corr-1", models.ChunkPayload{Content: "hi"})
	if sent := cm.SendToUser("user-1", env); sent != 2 {
		t.Errorf("Expected 2 writes, got %d", sent)
	}
	if len(t1.Sent()) != 1 || len(t2.Sent()) != 1 {
		t.Error("Both of user-1's connections should receive the envelope")
	}
	if len(t3.Sent()) != 0 {
		t.Error("user-2 must not receive user-1's envelope")
	}

	// A failed write is not counted
	t2.sendErr = errors.New("buffer full")
	if sent := cm.SendToUser("user-1", env); sent != 1 {
		t.Errorf("Expected 1 successful write, got %d", sent)
	}

	if sent := cm.SendToUser("nobody", env); sent != 0 {
		t.Errorf("Expected no writes for an unknown user, got %d", sent)
	}
}

func TestConnectionManager_CorrelationFilter(t *testing.T) {
	cm := NewConnectionManager(nil)
	_, plain := addTestConnection(cm, "c1", "user-1", "s1")
	filtered, sub := addTestConnection(cm, "c2", "user-1", "s2")
	filtered.CorrelationID = "corr-b"

	cm.SendToUser("user-1", models.NewEnvelope("user-1", "", "corr-a", models.ChunkPayload{}))
	if len(plain.Sent()) != 1 {
		t.Error("Unfiltered connection should receive corr-a")
	}
	if len(sub.Sent()) != 0 {
		t.Error("Connection filtered on corr-b should not receive corr-a")
	}

	env := models.NewEnvelope("user-1", "s1", "corr-b", models.ChunkPayload{})
	if sent := cm.SendToSubscribers("user-1", env); sent != 1 {
		t.Errorf("Expected 1 subscriber write, got %d", sent)
	}
	if len(sub.Sent()) != 1 {
		t.Error("Subscriber should receive its own correlation id")
	}
}

func TestConnectionManager_SendToSession(t *testing.T) {
	cm := NewConnectionManager(nil)
	_, t1 := addTestConnection(cm, "c1", "user-1", "s1")
	addTestConnection(cm, "c2", "user-1", "s2")

	env := models.NewEnvelope("user-1", "s1", "corr-1", models.TypingPayload{Active: true})
	if !cm.SendToSession("user-1", "s1", env) {
		t.Fatal("Expected session delivery to succeed")
	}
	if len(t1.Sent()) != 1 {
		t.Error("Session connection should receive the envelope")
	}
	if cm.SendToSession("user-1", "missing", env) {
		t.Error("Unknown session should not be delivered to")
	}
}

func TestConnectionManager_SessionsAreScopedToUser(t *testing.T) {
	cm := NewConnectionManager(nil)
	_, owner := addTestConnection(cm, "c1", "user-1", "sess-1")
	_, other := addTestConnection(cm, "c2", "user-2", "sess-1")

	env := models.NewEnvelope("user-1", "sess-1", "corr-1", models.ChunkPayload{Content: "secret"})
	if !cm.SendToSession("user-1", "sess-1", env) {
		t.Fatal("Owner's session should still be reachable")
	}
	if len(owner.Sent()) != 1 {
		t.Errorf("Owner should receive its chunk, got %d", len(owner.Sent()))
	}
	if len(other.Sent()) != 0 {
		t.Errorf("Another user's connection on the same session id got %d envelopes", len(other.Sent()))
	}

	if cm.SendToSession("user-2", "sess-1", env) {
		t.Error("An envelope must not be written to a session of a different user")
	}

	cm.Remove("c2")
	if !cm.SendToSession("user-1", "sess-1", env) {
		t.Error("Removing the other user's connection must not unbind the owner's session")
	}
}

func TestConnectionManager_HeartbeatSweep(t *testing.T) {
	cm := NewConnectionManager(nil)
	conn1, t1 := addTestConnection(cm, "c1", "user-1", "s1")
	_, t2 := addTestConnection(cm, "c2", "user-1", "s2")

	// First round: both alive, both probed
	if removed := cm.Sweep(); removed != 0 {
		t.Errorf("Expected no removals on the first sweep, got %d", removed)
	}
	if t1.pings != 1 || t2.pings != 1 {
		t.Errorf("Expected one probe each, got %d and %d", t1.pings, t2.pings)
	}

	// Only c1 answers
	conn1.MarkAlive()

	if removed := cm.Sweep(); removed != 1 {
		t.Errorf("Expected 1 removal, got %d", removed)
	}
	if _, ok := cm.Get("c2"); ok {
		t.Error("c2 should be gone after missing a heartbeat")
	}
	if !t2.IsClosed() {
		t.Error("c2's transport should be closed")
	}
	if _, ok := cm.Get("c1"); !ok {
		t.Error("c1 should survive the sweep")
	}
}

func TestConnectionManager_CloseAll(t *testing.T) {
	cm := NewConnectionManager(nil)
	_, t1 := addTestConnection(cm, "c1", "user-1", "s1")
	_, t2 := addTestConnection(cm, "c2", "user-2", "s2")

	cm.CloseAll()

	if cm.Count() != 0 {
		t.Errorf("Expected no connections, got %d", cm.Count())
	}
	if !t1.IsClosed() || !t2.IsClosed() {
		t.Error("All transports should be closed")
	}
}
