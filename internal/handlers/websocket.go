package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"sync"
	"time"

	"courier/internal/logging"
	"courier/internal/models"
	"courier/internal/services"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

const (
	wsReadTimeout  = 360 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// wsTransport hands envelopes to the connection's write loop
type wsTransport struct {
	conn      *websocket.Conn
	writeChan chan *models.Envelope
	done      chan struct{}
	once      sync.Once
	mutex     sync.Mutex // serializes writes to conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{
		conn:      conn,
		writeChan: make(chan *models.Envelope, 100),
		done:      make(chan struct{}),
	}
}

func (t *wsTransport) Send(env *models.Envelope) error {
	select {
	case <-t.done:
		return errStreamClosed
	default:
	}
	select {
	case t.writeChan <- env:
		return nil
	default:
		return errStreamFull
	}
}

func (t *wsTransport) Ping() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteTimeout))
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// writeLoop drains writeChan until the transport closes
func (t *wsTransport) writeLoop(connID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in writeLoop: %v", r)
		}
	}()

	for {
		select {
		case <-t.done:
			return
		case env := <-t.writeChan:
			t.mutex.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := t.conn.WriteJSON(env)
			t.mutex.Unlock()
			if err != nil {
				log.Printf("❌ WebSocket write error for %s: %v", connID, err)
				return
			}
		}
	}
}

// WebSocketHandler accepts request envelopes and pushes results back
type WebSocketHandler struct {
	registry *services.ConnectionManager
	router   *services.DeliveryRouter
	relay    services.Relay
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(registry *services.ConnectionManager, router *services.DeliveryRouter, relay services.Relay) *WebSocketHandler {
	return &WebSocketHandler{
		registry: registry,
		router:   router,
		relay:    relay,
	}
}

// Handle handles a new WebSocket connection. Clients may pass ?sessionId=
// to resume one of their own sessions after reconnecting; sessions are
// scoped to the authenticated user.
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	connID := uuid.New().String()
	userID, _ := c.Locals("user_id").(string)
	clientIP, _ := c.Locals("client_ip").(string)

	sessionID := c.Query("sessionId")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	transport := newWSTransport(c)
	conn := models.NewConnection(connID, userID, sessionID, transport)
	conn.ClientIP = clientIP
	logger := logging.WithConnection(connID, userID, sessionID)

	h.registry.Add(conn)
	defer func() {
		h.registry.Remove(connID)
		conn.Close()
	}()

	// Allow long executions between client frames; heartbeats keep it fresh
	c.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.SetPongHandler(func(appData string) error {
		c.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.MarkAlive()
		return nil
	})

	go transport.writeLoop(connID)

	conn.SafeSend(models.NewEnvelope(userID, sessionID, "", models.ConnectedPayload{SessionID: sessionID}))
	go h.router.ReplayUndelivered(context.Background(), conn)

	logger.Info("websocket connected")
	h.readLoop(c, conn, logger)
}

// readLoop handles incoming envelopes from the client
func (h *WebSocketHandler) readLoop(c *websocket.Conn, conn *models.Connection, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in readLoop: %v", r)
		}
	}()

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read error", "error", err)
			}
			return
		}

		c.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.MarkAlive()

		var env models.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			code := "invalid_format"
			if errors.Is(err, models.ErrUnknownEnvelopeType) {
				code = "unknown_type"
			}
			h.sendError(conn, "", code, err.Error())
			continue
		}

		switch p := env.Payload.(type) {
		case models.PingPayload:
			conn.SafeSend(models.NewEnvelope(conn.UserID, conn.SessionID, "", models.PongPayload{}))

		case models.PongPayload:
			// Liveness already recorded above

		case models.RequestPayload:
			h.handleRequest(conn, &env, p)

		default:
			h.sendError(conn, env.CorrelationID, "unsupported_type",
				"Clients may only send request and ping envelopes")
		}
	}
}

// handleRequest stamps the envelope with the authenticated identity and
// relays it to the executor side
func (h *WebSocketHandler) handleRequest(conn *models.Connection, env *models.Envelope, p models.RequestPayload) {
	if p.Prompt == "" {
		h.sendError(conn, env.CorrelationID, "invalid_request", "prompt is required")
		return
	}

	out := models.NewEnvelope(conn.UserID, conn.SessionID, env.CorrelationID, p)
	if env.MessageID != "" {
		out.MessageID = env.MessageID
	}
	if out.CorrelationID == "" {
		out.CorrelationID = out.MessageID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.relay.Publish(ctx, services.ChannelToExecutor, out); err != nil {
		log.Printf("❌ Failed to relay request from %s: %v", conn.ConnID, err)
		h.sendError(conn, out.CorrelationID, "relay_unavailable", "Request could not be forwarded")
	}
}

func (h *WebSocketHandler) sendError(conn *models.Connection, correlationID, code, message string) {
	conn.SafeSend(models.NewEnvelope(conn.UserID, conn.SessionID, correlationID,
		models.ErrorPayload{Code: code, Message: message}))
}
