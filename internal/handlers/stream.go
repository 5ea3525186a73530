package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"courier/internal/logging"
	"courier/internal/models"
	"courier/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

var (
	errStreamClosed = errors.New("stream closed")
	errStreamFull   = errors.New("stream buffer full")
)

// sseTransport queues envelopes for the goroutine that owns the response writer
type sseTransport struct {
	events chan *models.Envelope
	pings  chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSSETransport(buffer int) *sseTransport {
	return &sseTransport{
		events: make(chan *models.Envelope, buffer),
		pings:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (t *sseTransport) Send(env *models.Envelope) error {
	select {
	case <-t.done:
		return errStreamClosed
	default:
	}
	select {
	case t.events <- env:
		return nil
	default:
		return errStreamFull
	}
}

func (t *sseTransport) Ping() error {
	select {
	case <-t.done:
		return errStreamClosed
	case t.pings <- struct{}{}:
	default:
	}
	return nil
}

func (t *sseTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

// StreamHandler serves result envelopes over Server-Sent Events
type StreamHandler struct {
	registry  *services.ConnectionManager
	router    *services.DeliveryRouter
	keepAlive time.Duration
}

// NewStreamHandler creates an SSE handler
func NewStreamHandler(registry *services.ConnectionManager, router *services.DeliveryRouter) *StreamHandler {
	return &StreamHandler{
		registry:  registry,
		router:    router,
		keepAlive: 15 * time.Second,
	}
}

// Handle serves GET /api/tasks/stream. With a correlationId the stream only
// carries that request and ends after its terminal envelope.
func (h *StreamHandler) Handle(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	correlationID := c.Query("correlationId")

	connID := uuid.New().String()
	transport := newSSETransport(64)
	conn := models.NewConnection(connID, userID, connID, transport)
	conn.CorrelationID = correlationID
	conn.ClientIP = c.IP()

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // Disable nginx buffering

	registry, router, keepAlive := h.registry, h.router, h.keepAlive
	logger := logging.WithConnection(connID, userID, connID)

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		registry.Add(conn)
		defer func() {
			registry.Remove(connID)
			conn.Close()
			logger.Debug("sse stream closed")
		}()

		if err := writeEvent(w, models.NewEnvelope(userID, connID, correlationID,
			models.ConnectedPayload{SessionID: connID})); err != nil {
			return
		}
		go router.ReplayUndelivered(context.Background(), conn)

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-transport.done:
				return

			case env := <-transport.events:
				if err := writeEvent(w, env); err != nil {
					return
				}
				conn.MarkAlive()
				if correlationID != "" && isTerminal(env) {
					return
				}

			case <-transport.pings:
				if err := writeComment(w, "ping"); err != nil {
					return
				}
				conn.MarkAlive()

			case <-ticker.C:
				if err := writeComment(w, "keep-alive"); err != nil {
					return
				}
			}
		}
	}))
	return nil
}

func isTerminal(env *models.Envelope) bool {
	switch env.Payload.(type) {
	case models.CompletePayload, models.ErrorPayload:
		return true
	}
	return false
}

// writeEvent writes one SSE event named after the envelope type and flushes
func writeEvent(w *bufio.Writer, env *models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type(), data); err != nil {
		return err
	}
	return w.Flush()
}

func writeComment(w *bufio.Writer, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	return w.Flush()
}
