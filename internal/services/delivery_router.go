package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"courier/internal/logging"
	"courier/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrInvalidRequest is returned for submissions missing required fields
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotRetryable is returned by Retry for records that are not failed
	ErrNotRetryable = errors.New("only failed requests can be retried")
)

const (
	maxCorrelationIDLength = 128
	pollRaceAttempts       = 3
)

// SubmitRequest is one submission from any transport
type SubmitRequest struct {
	UserID         string
	CorrelationID  string // optional; makes the submission idempotent
	ReplySessionID string // WebSocket session that should receive progress
	Request        models.TaskRequest
}

// DeliveryRouterConfig wires the router's collaborators
type DeliveryRouterConfig struct {
	Store    CorrelationStore
	Queue    WorkQueue
	Relay    Relay
	Registry *ConnectionManager
	Metrics  *Metrics
	TTL      time.Duration
}

// DeliveryRouter owns the client-facing side of a request: submission,
// status lookups, the pull delivery paths and pushing relayed results to
// live connections on this instance.
type DeliveryRouter struct {
	store    CorrelationStore
	queue    WorkQueue
	relay    Relay
	registry *ConnectionManager
	metrics  *Metrics
	ttl      time.Duration
	now      func() time.Time
}

// NewDeliveryRouter creates a delivery router
func NewDeliveryRouter(cfg DeliveryRouterConfig) *DeliveryRouter {
	if cfg.TTL <= 0 {
		cfg.TTL = models.DefaultCorrelationTTL
	}
	return &DeliveryRouter{
		store:    cfg.Store,
		queue:    cfg.Queue,
		relay:    cfg.Relay,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		ttl:      cfg.TTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit creates a pending record and enqueues it. Replaying a known
// correlation id returns the existing record without enqueueing again.
// When the queue rejects the message the record is marked failed and
// returned together with an error wrapping ErrQueueUnavailable.
func (r *DeliveryRouter) Submit(ctx context.Context, req SubmitRequest) (*models.CorrelationRecord, error) {
	rec, _, err := r.submit(ctx, req)
	return rec, err
}

// submit also reports whether this call created the record
func (r *DeliveryRouter) submit(ctx context.Context, req SubmitRequest) (*models.CorrelationRecord, bool, error) {
	if req.UserID == "" {
		return nil, false, fmt.Errorf("%w: missing user", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Request.Prompt) == "" {
		return nil, false, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if len(req.CorrelationID) > maxCorrelationIDLength {
		return nil, false, fmt.Errorf("%w: correlationId exceeds %d characters", ErrInvalidRequest, maxCorrelationIDLength)
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	logger := logging.WithCorrelation(correlationID, req.UserID)

	rec := models.NewCorrelationRecord(correlationID, req.UserID, req.Request, r.ttl, r.now())
	rec.ReplySessionID = req.ReplySessionID

	if err := r.store.Create(ctx, rec); err != nil {
		if !errors.Is(err, ErrCorrelationExists) {
			return nil, false, fmt.Errorf("failed to create correlation record: %w", err)
		}
		existing, getErr := r.store.Get(ctx, correlationID)
		if getErr != nil {
			return nil, false, fmt.Errorf("failed to load existing correlation record: %w", getErr)
		}
		if existing.UserID != req.UserID {
			return nil, false, ErrCorrelationExists
		}
		r.metrics.RecordSubmission("duplicate")
		logger.Debug("duplicate submission", "status", existing.Status)
		return existing, false, nil
	}

	msg := TaskMessage{CorrelationID: correlationID, UserID: req.UserID, SubmittedAt: rec.CreatedAt}
	if err := r.queue.Submit(ctx, msg); err != nil {
		r.metrics.RecordSubmission("queue_failed")
		logger.Error("queue submit failed", "error", err)
		failed, err := r.failSubmission(ctx, rec, err)
		return failed, true, err
	}

	r.metrics.RecordSubmission("accepted")
	logger.Info("request accepted")
	return rec, true, nil
}

// failSubmission marks a record failed after the queue rejected it
func (r *DeliveryRouter) failSubmission(ctx context.Context, rec *models.CorrelationRecord, queueErr error) (*models.CorrelationRecord, error) {
	if !errors.Is(queueErr, ErrQueueUnavailable) {
		queueErr = fmt.Errorf("%w: %v", ErrQueueUnavailable, queueErr)
	}
	msg := queueErr.Error()

	if err := r.store.MarkAsFailed(ctx, rec.CorrelationID, msg); err != nil {
		log.Printf("⚠️  [ROUTER] Failed to mark %s failed after queue error: %v", rec.CorrelationID, err)
	}
	rec.Status = models.CorrelationStatusFailed
	rec.ErrorMessage = msg
	return rec, queueErr
}

// Get returns a record owned by userID. Records of other users read as not found.
func (r *DeliveryRouter) Get(ctx context.Context, userID, correlationID string) (*models.CorrelationRecord, error) {
	rec, err := r.store.Get(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrCorrelationNotFound
	}
	return rec, nil
}

// PeekUndelivered lists completed results without marking them
func (r *DeliveryRouter) PeekUndelivered(ctx context.Context, userID string, limit int) ([]*models.CorrelationRecord, error) {
	return r.store.ListUndelivered(ctx, userID, limit)
}

// PollAndDeliver returns the user's completed results and marks them
// delivered in one batch. A concurrent delivery of any listed id aborts the
// batch, so the listing is retried a bounded number of times.
func (r *DeliveryRouter) PollAndDeliver(ctx context.Context, userID string, limit int) ([]*models.CorrelationRecord, error) {
	var lastErr error
	for i := 0; i < pollRaceAttempts; i++ {
		recs, err := r.store.ListUndelivered(ctx, userID, limit)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return recs, nil
		}

		ids := make([]string, len(recs))
		for j, rec := range recs {
			ids[j] = rec.CorrelationID
		}

		err = r.store.MarkAsDelivered(ctx, ids...)
		if err == nil {
			now := r.now()
			for _, rec := range recs {
				rec.Status = models.CorrelationStatusDelivered
				rec.DeliveredAt = &now
			}
			r.metrics.RecordDelivery("poll", len(recs))
			return recs, nil
		}
		if !IsInvalidTransition(err) && !errors.Is(err, ErrCorrelationNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("delivery kept racing with other readers: %w", lastErr)
}

// Ack marks the given results delivered after checking ownership
func (r *DeliveryRouter) Ack(ctx context.Context, userID string, correlationIDs []string) error {
	ids := uniqueIDs(correlationIDs)
	if len(ids) == 0 {
		return fmt.Errorf("%w: correlationIds is required", ErrInvalidRequest)
	}
	for _, id := range ids {
		if _, err := r.Get(ctx, userID, id); err != nil {
			return err
		}
	}
	if err := r.store.MarkAsDelivered(ctx, ids...); err != nil {
		return err
	}
	r.metrics.RecordDelivery("ack", len(ids))
	return nil
}

// Retry moves a failed record back to pending and enqueues it again
func (r *DeliveryRouter) Retry(ctx context.Context, userID, correlationID string) (*models.CorrelationRecord, error) {
	if _, err := r.Get(ctx, userID, correlationID); err != nil {
		return nil, err
	}

	rec, err := r.store.ResetForRetry(ctx, correlationID)
	if err != nil {
		if IsInvalidTransition(err) {
			return nil, fmt.Errorf("%w: %v", ErrNotRetryable, err)
		}
		return nil, err
	}

	msg := TaskMessage{CorrelationID: correlationID, UserID: userID, SubmittedAt: r.now()}
	if err := r.queue.Submit(ctx, msg); err != nil {
		r.metrics.RecordSubmission("queue_failed")
		return r.failSubmission(ctx, rec, err)
	}

	logging.WithCorrelation(correlationID, userID).Info("request retried", "retry_count", rec.RetryCount)
	return rec, nil
}

// Redispatch enqueues an existing pending record again. Duplicate
// deliveries are absorbed by the claim in the worker.
func (r *DeliveryRouter) Redispatch(ctx context.Context, rec *models.CorrelationRecord) error {
	return r.queue.Submit(ctx, TaskMessage{
		CorrelationID: rec.CorrelationID,
		UserID:        rec.UserID,
		SubmittedAt:   r.now(),
	})
}

// HandleResult pushes an envelope from the executor side to this instance's
// live connections. A complete result that reached at least one connection
// is marked delivered; otherwise it stays completed for a later pull.
func (r *DeliveryRouter) HandleResult(ctx context.Context, env *models.Envelope) {
	switch p := env.Payload.(type) {
	case models.CompletePayload:
		sent := r.registry.SendToUser(env.UserID, env)
		if sent == 0 || p.Status != models.CorrelationStatusCompleted {
			return
		}
		r.markDelivered(ctx, "push", env.CorrelationID)

	case models.ErrorPayload:
		r.registry.SendToUser(env.UserID, env)

	case models.TypingPayload, models.ChunkPayload, models.ProgressPayload:
		if env.SessionID == "" {
			r.registry.SendToUser(env.UserID, env)
			return
		}
		r.registry.SendToSession(env.UserID, env.SessionID, env)
		r.registry.SendToSubscribers(env.UserID, env)

	case models.RequestPayload, models.ConnectedPayload, models.PingPayload, models.PongPayload:
		// Not results; ignored on this channel
	}
}

// HandleRequest turns a relayed request envelope into a submission. Every
// subscribed process sees the envelope, so the message id doubles as the
// correlation id and the duplicates collapse into one record. Only the
// process that created the record acknowledges it.
func (r *DeliveryRouter) HandleRequest(ctx context.Context, env *models.Envelope) {
	p, ok := env.Payload.(models.RequestPayload)
	if !ok {
		return
	}

	correlationID := env.CorrelationID
	if correlationID == "" {
		correlationID = env.MessageID
	}

	rec, created, err := r.submit(ctx, SubmitRequest{
		UserID:         env.UserID,
		CorrelationID:  correlationID,
		ReplySessionID: env.SessionID,
		Request:        p.TaskRequest,
	})
	if err != nil {
		code := "submit_failed"
		switch {
		case errors.Is(err, ErrQueueUnavailable):
			code = "queue_unavailable"
		case errors.Is(err, ErrInvalidRequest):
			code = "invalid_request"
		case errors.Is(err, ErrCorrelationExists):
			code = "duplicate_correlation_id"
		}
		r.publish(ctx, models.NewEnvelope(env.UserID, env.SessionID, correlationID,
			models.ErrorPayload{Code: code, Message: err.Error()}))
		return
	}
	if !created {
		return
	}

	r.publish(ctx, models.NewEnvelope(env.UserID, env.SessionID, rec.CorrelationID,
		models.ProgressPayload{Status: rec.Status, Message: "queued"}))
}

// ReplayUndelivered sends stored results to a newly registered connection
// and marks the ones that went out delivered. A connection filtered on one
// correlation id receives that request's terminal state even if it was
// already delivered elsewhere.
func (r *DeliveryRouter) ReplayUndelivered(ctx context.Context, conn *models.Connection) int {
	if conn.CorrelationID != "" {
		return r.replayOne(ctx, conn)
	}

	recs, err := r.store.ListUndelivered(ctx, conn.UserID, 0)
	if err != nil {
		log.Printf("⚠️  [ROUTER] Replay listing failed for user %s: %v", conn.UserID, err)
		return 0
	}

	var sent []string
	for _, rec := range recs {
		if conn.SafeSend(CompleteEnvelope(rec)) {
			sent = append(sent, rec.CorrelationID)
		}
	}
	r.markDelivered(ctx, "replay", sent...)
	return len(sent)
}

func (r *DeliveryRouter) replayOne(ctx context.Context, conn *models.Connection) int {
	rec, err := r.Get(ctx, conn.UserID, conn.CorrelationID)
	if err != nil {
		if !errors.Is(err, ErrCorrelationNotFound) {
			log.Printf("⚠️  [ROUTER] Replay lookup failed for %s: %v", conn.CorrelationID, err)
		}
		return 0
	}

	switch rec.Status {
	case models.CorrelationStatusCompleted:
		if conn.SafeSend(CompleteEnvelope(rec)) {
			r.markDelivered(ctx, "replay", rec.CorrelationID)
			return 1
		}
	case models.CorrelationStatusDelivered:
		if conn.SafeSend(CompleteEnvelope(rec)) {
			return 1
		}
	case models.CorrelationStatusFailed:
		if conn.SafeSend(FailureEnvelope(rec)) {
			return 1
		}
	}
	return 0
}

// markDelivered marks ids delivered. A batch that loses a race to another
// delivery path falls back to per-id marking so the rest still move.
func (r *DeliveryRouter) markDelivered(ctx context.Context, path string, ids ...string) {
	if len(ids) == 0 {
		return
	}

	err := r.store.MarkAsDelivered(ctx, ids...)
	if err == nil {
		r.metrics.RecordDelivery(path, len(ids))
		return
	}
	if !IsInvalidTransition(err) && !errors.Is(err, ErrCorrelationNotFound) {
		log.Printf("⚠️  [ROUTER] Failed to mark %d result(s) delivered: %v", len(ids), err)
		return
	}
	if len(ids) == 1 {
		return
	}

	marked := 0
	for _, id := range ids {
		if err := r.store.MarkAsDelivered(ctx, id); err == nil {
			marked++
		}
	}
	r.metrics.RecordDelivery(path, marked)
}

func (r *DeliveryRouter) publish(ctx context.Context, env *models.Envelope) {
	if err := r.relay.Publish(ctx, ChannelFromExecutor, env); err != nil {
		log.Printf("⚠️  [ROUTER] Failed to publish %s for %s: %v", env.Type(), env.CorrelationID, err)
	}
}

// CompleteEnvelope builds the result envelope for a completed or delivered record
func CompleteEnvelope(rec *models.CorrelationRecord) *models.Envelope {
	return models.NewEnvelope(rec.UserID, rec.ReplySessionID, rec.CorrelationID,
		models.CompletePayload{Status: rec.Status, Response: rec.Response})
}

// FailureEnvelope builds the error envelope for a failed record
func FailureEnvelope(rec *models.CorrelationRecord) *models.Envelope {
	return models.NewEnvelope(rec.UserID, rec.ReplySessionID, rec.CorrelationID,
		models.ErrorPayload{Code: "task_failed", Message: rec.ErrorMessage})
}
