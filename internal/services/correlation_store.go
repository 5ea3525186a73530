package services

import (
	"context"
	"errors"
	"time"

	"courier/internal/models"
)

var (
	// ErrCorrelationNotFound covers both missing and expired records
	ErrCorrelationNotFound = errors.New("correlation not found")
	// ErrCorrelationExists is returned by Create for a duplicate correlation id
	ErrCorrelationExists = errors.New("correlation already exists")

	errBatchAborted = errors.New("delivery batch aborted")
)

// CorrelationStore persists correlation records and enforces the lifecycle
// state machine. Every writer is a compare-and-set on status: a record that
// is not in a valid predecessor state yields *models.ErrInvalidTransition and
// is left untouched. Reads never return a record past its expiresAt.
type CorrelationStore interface {
	Create(ctx context.Context, rec *models.CorrelationRecord) error
	Get(ctx context.Context, correlationID string) (*models.CorrelationRecord, error)

	// MarkAsProcessing claims a pending record, or re-claims a processing
	// record whose claim started before claim.StaleBefore.
	MarkAsProcessing(ctx context.Context, correlationID string, claim models.Claim) (*models.CorrelationRecord, error)
	MarkAsCompleted(ctx context.Context, correlationID string, resp *models.TaskResponse) error
	MarkAsFailed(ctx context.Context, correlationID string, errMsg string) error
	// MarkAsDelivered moves every id from completed to delivered in one
	// transaction. If any id cannot move, none do.
	MarkAsDelivered(ctx context.Context, correlationIDs ...string) error
	ResetForRetry(ctx context.Context, correlationID string) (*models.CorrelationRecord, error)

	// ListUndelivered is a read-only peek at a user's completed records, oldest first
	ListUndelivered(ctx context.Context, userID string, limit int) ([]*models.CorrelationRecord, error)
	// ListStale returns live records in status whose age reference is before olderThan.
	// Pending records age from createdAt, processing records from processingStartedAt.
	ListStale(ctx context.Context, status models.CorrelationStatus, olderThan time.Time, limit int) ([]*models.CorrelationRecord, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	Ping(ctx context.Context) error
}

// IsInvalidTransition reports whether err is a lifecycle CAS miss
func IsInvalidTransition(err error) bool {
	var target *models.ErrInvalidTransition
	return errors.As(err, &target)
}

// classifyMiss turns a zero-row conditional update into the right error:
// not found for missing or expired records, invalid transition otherwise.
func classifyMiss(ctx context.Context, store CorrelationStore, correlationID string, to models.CorrelationStatus) error {
	rec, err := store.Get(ctx, correlationID)
	if err != nil {
		return err
	}
	return &models.ErrInvalidTransition{CorrelationID: correlationID, From: rec.Status, To: to}
}

// uniqueIDs drops empty and duplicate ids, keeping order
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
