package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"time"

	"courier/internal/execution"
	"courier/internal/logging"
	"courier/internal/models"

	"golang.org/x/sync/errgroup"
)

const defaultTaskType = "chat"

// ErrClaimHeld is returned for a delivery whose record is processing under a
// claim that has not gone stale yet
var ErrClaimHeld = errors.New("record claimed by another consumer")

// TaskWorkerConfig tunes the consumer pool
type TaskWorkerConfig struct {
	InstanceID    string
	Concurrency   int
	TaskTimeout   time.Duration
	StaleAfter    time.Duration // a processing claim older than this may be taken over
	MaxDeliveries int           // deliveries after which a message is failed instead of run
	Stream        bool          // relay executor output as chunk envelopes
}

// TaskWorker consumes the work queue and drives each request through the
// eval loop, writing the outcome to the store and the relay.
type TaskWorker struct {
	store  CorrelationStore
	queue  WorkQueue
	relay  Relay
	loop   *execution.EvalLoop
	config TaskWorkerConfig
	now    func() time.Time
}

// NewTaskWorker creates a worker pool
func NewTaskWorker(store CorrelationStore, queue WorkQueue, relay Relay, loop *execution.EvalLoop, cfg TaskWorkerConfig) *TaskWorker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "worker"
	}
	return &TaskWorker{
		store:  store,
		queue:  queue,
		relay:  relay,
		loop:   loop,
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run starts Concurrency consumers and blocks until ctx is done or one fails
func (w *TaskWorker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", w.config.InstanceID, i)
		g.Go(func() error {
			log.Printf("👷 [WORKER] Consumer %s started", consumer)
			defer log.Printf("👷 [WORKER] Consumer %s stopped", consumer)
			return w.queue.Consume(gctx, consumer, func(ctx context.Context, d *Delivery) error {
				return w.Handle(ctx, consumer, d)
			})
		})
	}
	return g.Wait()
}

// Handle processes one delivery. A nil return acknowledges the message; an
// error leaves it on the queue for redelivery.
func (w *TaskWorker) Handle(ctx context.Context, consumer string, d *Delivery) error {
	id := d.Message.CorrelationID
	logger := logging.WithWorker(logging.WithCorrelation(id, d.Message.UserID), consumer, d.Attempt)

	rec, err := w.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrCorrelationNotFound) {
			logger.Warn("dropping message for missing or expired record")
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", id, err)
	}

	if rec.Status.IsTerminal() {
		logger.Info("record already terminal, republishing", "status", rec.Status)
		w.publishTerminal(ctx, rec)
		return nil
	}

	if d.Attempt > w.config.MaxDeliveries {
		msg := fmt.Sprintf("giving up after %d deliveries", d.Attempt-1)
		return w.fail(ctx, rec, msg, logger)
	}

	claimed, err := w.store.MarkAsProcessing(ctx, id, models.Claim{
		WorkerID:    consumer,
		StaleBefore: w.now().Add(-w.config.StaleAfter),
	})
	if err != nil {
		if errors.Is(err, ErrCorrelationNotFound) {
			logger.Warn("record expired before it was claimed", "error", err)
			return nil
		}
		if IsInvalidTransition(err) {
			return w.claimMissed(ctx, id, logger)
		}
		return fmt.Errorf("failed to claim %s: %w", id, err)
	}

	w.publish(ctx, claimed, models.ProgressPayload{
		Status:  models.CorrelationStatusProcessing,
		Attempt: d.Attempt,
	})
	w.publish(ctx, claimed, models.TypingPayload{Active: true})

	result, err := w.execute(ctx, claimed)
	w.publish(ctx, claimed, models.TypingPayload{Active: false})
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown: the claim goes stale and the message is redelivered
			return ctx.Err()
		}
		return w.fail(ctx, claimed, fmt.Sprintf("task timed out after %s", w.config.TaskTimeout), logger)
	}

	if !result.Success() && !result.NeedsClarification {
		return w.fail(ctx, claimed, failureMessage(result), logger)
	}

	resp, err := buildResponse(result)
	if err != nil {
		return w.fail(ctx, claimed, err.Error(), logger)
	}
	if err := w.store.MarkAsCompleted(ctx, id, resp); err != nil {
		if IsInvalidTransition(err) || errors.Is(err, ErrCorrelationNotFound) {
			logger.Warn("completion lost to another writer", "error", err)
			return nil
		}
		return fmt.Errorf("failed to complete %s: %w", id, err)
	}

	logger.Info("request completed",
		"outcome", result.Outcome,
		"attempts", result.Attempts,
		"duration_ms", result.Duration.Milliseconds())
	w.publish(ctx, claimed, models.CompletePayload{Status: models.CorrelationStatusCompleted, Response: resp})
	return nil
}

// claimMissed decides what to do with a message whose record another
// consumer holds. The holder may have crashed, so the message stays
// unacknowledged until the claim goes stale and a redelivery can take it over.
func (w *TaskWorker) claimMissed(ctx context.Context, id string, logger *slog.Logger) error {
	rec, err := w.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrCorrelationNotFound) {
			return nil
		}
		return fmt.Errorf("failed to reload %s: %w", id, err)
	}

	if rec.Status.IsTerminal() {
		logger.Info("record finished by another consumer", "status", rec.Status)
		w.publishTerminal(ctx, rec)
		return nil
	}

	logger.Info("record held by another consumer, retrying later",
		"status", rec.Status,
		"claimed_by", rec.ClaimedBy)
	return fmt.Errorf("%w: %s held by %q", ErrClaimHeld, id, rec.ClaimedBy)
}

// execute runs the eval loop under the overall task timeout
func (w *TaskWorker) execute(ctx context.Context, rec *models.CorrelationRecord) (*execution.Result, error) {
	tctx, cancel := context.WithTimeout(ctx, w.config.TaskTimeout)
	defer cancel()

	if w.config.Stream {
		tctx = execution.WithChunkSink(tctx, func(content string) {
			w.publish(ctx, rec, models.ChunkPayload{Content: content})
		})
	}
	return w.loop.Run(tctx, buildTask(rec))
}

func (w *TaskWorker) fail(ctx context.Context, rec *models.CorrelationRecord, msg string, logger *slog.Logger) error {
	if err := w.store.MarkAsFailed(ctx, rec.CorrelationID, msg); err != nil {
		if IsInvalidTransition(err) || errors.Is(err, ErrCorrelationNotFound) {
			logger.Warn("failure lost to another writer", "error", err)
			return nil
		}
		return fmt.Errorf("failed to mark %s failed: %w", rec.CorrelationID, err)
	}

	logger.Warn("request failed", "reason", msg)
	rec.Status = models.CorrelationStatusFailed
	rec.ErrorMessage = msg
	w.publishTerminal(ctx, rec)
	return nil
}

func (w *TaskWorker) publishTerminal(ctx context.Context, rec *models.CorrelationRecord) {
	var env *models.Envelope
	switch {
	case rec.Status.HasResponse():
		env = CompleteEnvelope(rec)
	case rec.Status == models.CorrelationStatusFailed:
		env = FailureEnvelope(rec)
	default:
		return
	}
	if err := w.relay.Publish(ctx, ChannelFromExecutor, env); err != nil {
		log.Printf("⚠️  [WORKER] Failed to publish %s for %s: %v", env.Type(), rec.CorrelationID, err)
	}
}

func (w *TaskWorker) publish(ctx context.Context, rec *models.CorrelationRecord, payload models.Payload) {
	env := models.NewEnvelope(rec.UserID, rec.ReplySessionID, rec.CorrelationID, payload)
	if err := w.relay.Publish(ctx, ChannelFromExecutor, env); err != nil {
		log.Printf("⚠️  [WORKER] Failed to publish %s for %s: %v", env.Type(), rec.CorrelationID, err)
	}
}

// buildTask maps a stored request onto an eval loop task
func buildTask(rec *models.CorrelationRecord) *models.Task {
	task := &models.Task{
		ID:      rec.CorrelationID,
		UserID:  rec.UserID,
		Type:    rec.Request.Type,
		Input:   rec.Request.Prompt,
		Context: map[string]interface{}{},
	}
	if task.Type == "" {
		task.Type = defaultTaskType
	}
	if len(rec.Request.Expected) > 0 && string(rec.Request.Expected) != "null" {
		var expected interface{}
		if err := json.Unmarshal(rec.Request.Expected, &expected); err == nil {
			task.Expected = expected
		}
	}
	if rec.Request.SessionID != "" {
		task.Context[models.HintSessionID] = rec.Request.SessionID
	}
	if rec.ConversationID != "" {
		task.Context[models.HintConversationID] = rec.ConversationID
	}
	return task
}

func buildResponse(result *execution.Result) (*models.TaskResponse, error) {
	resp := &models.TaskResponse{
		SessionID:          result.SessionID,
		TokensIn:           result.TokensIn,
		TokensOut:          result.TokensOut,
		Attempts:           result.Attempts,
		ResearchApplied:    result.ResearchApplied,
		NeedsClarification: result.NeedsClarification,
		Questions:          result.Questions,
		DurationMs:         result.Duration.Milliseconds(),
	}
	if result.Output != nil {
		output, err := json.Marshal(result.Output)
		if err != nil {
			return nil, fmt.Errorf("failed to encode executor output: %w", err)
		}
		resp.Output = output
	}
	return resp, nil
}

func failureMessage(result *execution.Result) string {
	diffs := result.Differences
	if len(diffs) > 3 {
		diffs = diffs[:3]
	}
	msg := fmt.Sprintf("no acceptable output after %d attempt(s)", result.Attempts)
	if len(diffs) > 0 {
		msg += ": " + strings.Join(diffs, "; ")
	}
	return msg
}
