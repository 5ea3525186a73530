package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"courier/internal/models"
	"courier/internal/services"

	"github.com/gofiber/fiber/v2"
)

// TaskHandler exposes submission, status and the pull delivery paths
type TaskHandler struct {
	router *services.DeliveryRouter
}

// NewTaskHandler creates a task handler
func NewTaskHandler(router *services.DeliveryRouter) *TaskHandler {
	return &TaskHandler{router: router}
}

// Register mounts the task routes on r. Static paths precede /:id.
func (h *TaskHandler) Register(r fiber.Router) {
	r.Post("/", h.Submit)
	r.Get("/undelivered", h.Undelivered)
	r.Post("/deliver", h.Deliver)
	r.Post("/ack", h.Ack)
	r.Get("/:id", h.Get)
	r.Post("/:id/retry", h.Retry)
}

// SubmitTaskRequest is the POST /api/tasks body
type SubmitTaskRequest struct {
	ConversationID string          `json:"conversationId"`
	Prompt         string          `json:"prompt"`
	Model          string          `json:"model,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	Type           string          `json:"type,omitempty"`
	Expected       json.RawMessage `json:"expected,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
}

// AckRequest is the POST /api/tasks/ack body
type AckRequest struct {
	CorrelationIDs []string `json:"correlationIds"`
}

// TaskView is the client-facing shape of a correlation record
type TaskView struct {
	CorrelationID  string                   `json:"correlationId"`
	ConversationID string                   `json:"conversationId"`
	Status         models.CorrelationStatus `json:"status"`
	Response       *models.TaskResponse     `json:"response"`
	ErrorMessage   *string                  `json:"errorMessage"`
	RetryCount     int                      `json:"retryCount"`
	CreatedAt      time.Time                `json:"createdAt"`
	ExpiresAt      time.Time                `json:"expiresAt"`
	DeliveredAt    *time.Time               `json:"deliveredAt,omitempty"`
}

func newTaskView(rec *models.CorrelationRecord) TaskView {
	view := TaskView{
		CorrelationID:  rec.CorrelationID,
		ConversationID: rec.ConversationID,
		Status:         rec.EffectiveStatus(time.Now()),
		RetryCount:     rec.RetryCount,
		CreatedAt:      rec.CreatedAt,
		ExpiresAt:      rec.ExpiresAt,
		DeliveredAt:    rec.DeliveredAt,
	}
	if rec.Status.HasResponse() {
		view.Response = rec.Response
	}
	if rec.ErrorMessage != "" {
		msg := rec.ErrorMessage
		view.ErrorMessage = &msg
	}
	return view
}

func newTaskViews(recs []*models.CorrelationRecord) []TaskView {
	views := make([]TaskView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, newTaskView(rec))
	}
	return views
}

// Submit handles POST /api/tasks
func (h *TaskHandler) Submit(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var req SubmitTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid_request", "Invalid request body")
	}

	rec, err := h.router.Submit(c.UserContext(), services.SubmitRequest{
		UserID:        userID,
		CorrelationID: req.CorrelationID,
		Request: models.TaskRequest{
			ConversationID: req.ConversationID,
			Prompt:         req.Prompt,
			Model:          req.Model,
			SessionID:      req.SessionID,
			Type:           req.Type,
			Expected:       req.Expected,
		},
	})
	if err != nil {
		if errors.Is(err, services.ErrQueueUnavailable) && rec != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"correlationId": rec.CorrelationID,
				"status":        rec.Status,
				"errorMessage":  rec.ErrorMessage,
				"error":         "Request could not be queued",
				"code":          "queue_unavailable",
			})
		}
		return h.handleError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"correlationId": rec.CorrelationID,
		"status":        rec.EffectiveStatus(time.Now()),
	})
}

// Get handles GET /api/tasks/:id
func (h *TaskHandler) Get(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	rec, err := h.router.Get(c.UserContext(), userID, c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}
	return c.JSON(newTaskView(rec))
}

// Undelivered handles GET /api/tasks/undelivered; it never marks anything
func (h *TaskHandler) Undelivered(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	recs, err := h.router.PeekUndelivered(c.UserContext(), userID, c.QueryInt("limit", 0))
	if err != nil {
		return h.handleError(c, err)
	}
	return c.JSON(fiber.Map{
		"results": newTaskViews(recs),
		"count":   len(recs),
	})
}

// Deliver handles POST /api/tasks/deliver: returns and marks results delivered
func (h *TaskHandler) Deliver(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	recs, err := h.router.PollAndDeliver(c.UserContext(), userID, c.QueryInt("limit", 0))
	if err != nil {
		return h.handleError(c, err)
	}
	return c.JSON(fiber.Map{
		"results": newTaskViews(recs),
		"count":   len(recs),
	})
}

// Ack handles POST /api/tasks/ack
func (h *TaskHandler) Ack(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var req AckRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid_request", "Invalid request body")
	}

	if err := h.router.Ack(c.UserContext(), userID, req.CorrelationIDs); err != nil {
		return h.handleError(c, err)
	}
	return c.JSON(fiber.Map{
		"acknowledged": len(req.CorrelationIDs),
	})
}

// Retry handles POST /api/tasks/:id/retry
func (h *TaskHandler) Retry(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	rec, err := h.router.Retry(c.UserContext(), userID, c.Params("id"))
	if err != nil {
		if errors.Is(err, services.ErrQueueUnavailable) && rec != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"correlationId": rec.CorrelationID,
				"status":        rec.Status,
				"errorMessage":  rec.ErrorMessage,
				"error":         "Request could not be queued",
				"code":          "queue_unavailable",
			})
		}
		return h.handleError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(newTaskView(rec))
}

// handleError maps service errors to structured responses
func (h *TaskHandler) handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrInvalidRequest):
		return errorResponse(c, fiber.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, services.ErrCorrelationNotFound):
		return errorResponse(c, fiber.StatusNotFound, "not_found", "Request not found")
	case errors.Is(err, services.ErrCorrelationExists):
		return errorResponse(c, fiber.StatusConflict, "duplicate_correlation_id", "Correlation id already in use")
	case errors.Is(err, services.ErrNotRetryable):
		return errorResponse(c, fiber.StatusConflict, "not_retryable", "Only failed requests can be retried")
	case services.IsInvalidTransition(err):
		return errorResponse(c, fiber.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, services.ErrQueueUnavailable):
		return errorResponse(c, fiber.StatusServiceUnavailable, "queue_unavailable", "Work queue unavailable")
	default:
		log.Printf("❌ [TASKS] %s %s failed: %v", c.Method(), c.Path(), err)
		return errorResponse(c, fiber.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

// errorResponse writes the {error, code} body used by every endpoint
func errorResponse(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": message,
		"code":  code,
	})
}
