package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"courier/internal/database"
	"courier/internal/models"
)

// testClock is a settable time source shared by stores and routers in tests
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func setupSQLStore(t *testing.T) (*SQLCorrelationStore, *testClock) {
	t.Helper()

	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	if err := db.Initialize(); err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := newTestClock()
	store := NewSQLCorrelationStore(db)
	store.now = clock.Now
	return store, clock
}

func createTestRecord(t *testing.T, store CorrelationStore, clock *testClock, id, userID string) *models.CorrelationRecord {
	t.Helper()
	rec := models.NewCorrelationRecord(id, userID, models.TaskRequest{
		ConversationID: "conv-" + id,
		Prompt:         "prompt for " + id,
	}, time.Hour, clock.Now())
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("Failed to create record %s: %v", id, err)
	}
	return rec
}

func completeTestRecord(t *testing.T, store CorrelationStore, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.MarkAsProcessing(ctx, id, models.Claim{WorkerID: "w1"}); err != nil {
		t.Fatalf("Failed to claim %s: %v", id, err)
	}
	resp := &models.TaskResponse{Output: json.RawMessage(`"answer"`), Attempts: 1}
	if err := store.MarkAsCompleted(ctx, id, resp); err != nil {
		t.Fatalf("Failed to complete %s: %v", id, err)
	}
}

func TestSQLStore_CreateAndGet(t *testing.T) {
	store, clock := setupSQLStore(t)
	ctx := context.Background()

	createTestRecord(t, store, clock, "corr-1", "user-1")

	rec, err := store.Get(ctx, "corr-1")
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if rec.Status != models.CorrelationStatusPending {
		t.Errorf("Expected pending, got %s", rec.Status)
	}
	if rec.Request.Prompt != "prompt for corr-1" {
		t.Errorf("Request not preserved: %+v", rec.Request)
	}
	if !rec.CreatedAt.Equal(clock.Now()) {
		t.Errorf("Expected createdAt %v, got %v", clock.Now(), rec.CreatedAt)
	}

	dup := models.NewCorrelationRecord("corr-1", "user-2", models.TaskRequest{Prompt: "x"}, time.Hour, clock.Now())
	if err := store.Create(ctx, dup); !errors.Is(err, ErrCorrelationExists) {
		t.Errorf("Expected ErrCorrelationExists, got %v", err)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrCorrelationNotFound) {
		t.Errorf("Expected ErrCorrelationNotFound, got %v", err)
	}
}

func TestSQLStore_Lifecycle(t *testing.T) {
	store, clock := setupSQLStore(t)
	ctx := context.Background()
	createTestRecord(t, store, clock, "corr-1", "user-1")

	rec, err := store.MarkAsProcessing(ctx, "corr-1", models.Claim{WorkerID: "worker-a"})
	if err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}
	if rec.Status != models.CorrelationStatusProcessing || rec.ClaimedBy != "worker-a" {
		t.Errorf("Unexpected claimed record: status=%s claimedBy=%s", rec.Status, rec.ClaimedBy)
	}
	if rec.ProcessingStartedAt == nil {
		t.Error("Expected processingStartedAt to be set")
	}

	resp := &models.TaskResponse{Output: json.RawMessage(`{"text":"hi"}`), TokensIn: 3, TokensOut: 5}
	if err := store.MarkAsCompleted(ctx, "corr-1", resp); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}

	rec, _ = store.Get(ctx, "corr-1")
	if rec.Status != models.CorrelationStatusCompleted {
		t.Fatalf("Expected completed, got %s", rec.Status)
	}
	if rec.Response == nil || rec.Response.TokensOut != 5 {
		t.Errorf("Response not stored: %+v", rec.Response)
	}

	if err := store.MarkAsDelivered(ctx, "corr-1"); err != nil {
		t.Fatalf("Failed to mark delivered: %v", err)
	}
	rec, _ = store.Get(ctx, "corr-1")
	if rec.Status != models.CorrelationStatusDelivered || rec.DeliveredAt == nil {
		t.Errorf("Expected delivered with timestamp, got %s %v", rec.Status, rec.DeliveredAt)
	}
	if rec.Response == nil {
		t.Error("Delivered record should keep its response")
	}
}

func TestSQLStore_IllegalTransitions(t *testing.T) {
	store, clock := setupSQLStore(t)
	ctx := context.Background()
	createTestRecord(t, store, clock, "corr-1", "user-1")

	// pending -> completed skips processing
	err := store.MarkAsCompleted(ctx, "corr-1", &models.TaskResponse{})
	if !IsInvalidTransition(err) {
		t.Fatalf("Expected invalid transition, got %v", err)
	}
	var transitionErr *models.ErrInvalidTransition
	errors.As(err, &transitionErr)
	if transitionErr.From != models.CorrelationStatusPending || transitionErr.To != models.CorrelationStatusCompleted {
		t.Errorf("Unexpected transition error: %+v", transitionErr)
	}

	// pending -> delivered
	if err := store.MarkAsDelivered(ctx, "corr-1"); !IsInvalidTransition(err) {
		t.Errorf("Expected invalid transition for delivered, got %v", err)
	}

	// pending -> pending via retry
	if _, err := store.ResetForRetry(ctx, "corr-1"); !IsInvalidTransition(err) {
		t.Errorf("Expected invalid transition for retry of pending, got %v", err)
	}

	rec, _ := store.Get(ctx, "corr-1")
	if rec.Status != models.CorrelationStatusPending || rec.Response != nil {
		t.Errorf("Record should be untouched, got status=%s response=%v", rec.Status, rec.Response)
	}

	// delivered -> completed
	completeTestRecord(t, store, "corr-1")
	if err := store.MarkAsDelivered(ctx, "corr-1"); err != nil {
		t.Fatalf("Failed to mark delivered: %v", err)
	}
	if err := store.MarkAsCompleted(ctx, "corr-1", &models.TaskResponse{}); !IsInvalidTransition(err) {
		t.Errorf("Expected invalid transition from delivered, got %v", err)
	}
	if err := store.MarkAsFailed(ctx, "corr-1", "late failure"); !IsInvalidTransition(err) {
		t.Errorf("Expected invalid transition for delivered -> failed, got %v", err)
	}
}

func TestSQLStore_SecondClaimLoses(t *testing.T) {
	store, clock := setupSQLStore(t)
	ctx := context.Background()
	createTestRecord(t, store, clock, "corr-1", "user-1")

	if _, err := store.MarkAsProcessing(ctx, "corr-1", models.Claim{WorkerID: "worker-a"}); err != nil {
		t.Fatalf("First claim failed: %v", err)
	}
	_, err := store.MarkAsProcessing(ctx, "corr-1", models.Claim{WorkerID: "worker-b"})
	if !IsInvalidTransition(err) {
		t.Errorf("Expected second claim to lose, got %v", err)
	}
}

func TestSQLStore_StaleReclaim(t *testing.T) {
	store, clock := setupSQLStore(t)
	ctx := context.Background()
	createTestRecord(t, store, clock, "corr-1", "user-1")

	if _, err := store.MarkAsProcessing(ctx, "corr-1", models.Claim{WorkerID: "worker-a"}); err != nil {
		t.Fatalf("First claim failed: %v", err)
	}

	// A fresh claim cannot be taken over
	_, err := store.MarkAsProcessing(ctx, "corr-1", models.Claim{
		WorkerID:    "worker-b",
		StaleBefore: clock.Now().Add(-time.Minute),
	})
	if !IsInvalidTransition(err) {
		t.Fatalf("Expected fresh claim to be kept, got %v", err)
	}

	clock.Advance(10 * time.Minute)
	rec, err := store.MarkAsProcessing(ctx, "corr-1", models.Claim{
		WorkerID:    "worker-b",
		StaleBefore: clock.Now().Add(-5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Expected stale claim to be re-claimed, got %v", err)
	}
	if rec.ClaimedBy != "worker-b" {
		t.Errorf("Expected worker-b to own the record, got %s", rec.ClaimedBy)
	}
}

func TestSQLStore_Expiry(t *testing.T) {
	store, clock := setupSQLStore(t)
	ctx := context.Background()
	createTestRecord(t, store, clock, "corr-1", "user-1")
	completeTestRecord(t, store, "corr-1")

	clock.Advance(2 * time.Hour)

	if _, err := store.Get(ctx, "corr-1"); !errors.Is(err, ErrCorrelationNotFound) {
		t.Errorf("Expected expired record to be not found, got %v", err)
	}
	if err := store.MarkAsDelivered(ctx, "corr-1"); !errors.Is(err, ErrCorrelationNotFound) {
		t.Errorf("Expected expired record to refuse delivery, got %v", err)
	}
	recs, err := store.ListUndelivered(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("Failed to list undelivered: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("Expected expired records to be hidden, got %d", len(recs))
	}

	deleted, err := store.DeleteExpired(ctx, clock.Now())
	if err != nil {
		t.Fatalf("Failed to delete expired: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted record, got %d", deleted)
	}
}

func TestSQLStore_MarkAsDeliveredIsAtomic(t *testing.T) {
	store, clock := setupSQLStore(t)
	ctx := context.Background()

	createTestRecord(t, store, clock, "corr-1", "user-1")
	createTestRecord(t, store, clock, "corr-2", "user-1")
	createTestRecord(t, store, clock, "corr-3", "user-1")
	completeTestRecord(t, store, "corr-1")
	completeTestRecord(t, store, "corr-2")
	// corr-3 stays pending

	err := store.MarkAsDelivered(ctx, "corr-1", "corr-2", "corr-3")
	if !IsInvalidTransition(err) {
		t.Fatalf("Expected invalid transition for the pending id, got %v", err)
	}

	for _, id := range []string{"corr-1", "corr-2"} {
		rec, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Failed to get %s: %v", id, err)
		}
		if rec.Status != models.CorrelationStatusCompleted {
			t.Errorf("%s should have been rolled back to completed, got %s", id, rec.Status)
		}
	}

	if err := store.MarkAsDelivered(ctx, "corr-1", "corr-2", "corr-1"); err != nil {
		t.Fatalf("Failed to deliver a valid batch with duplicates: %v", err)
	}
}

func TestSQLStore_ResetForRetry(t *testing.T) {
	store, clock := setupSQLStore(t)
	ctx := context.Background()
	createTestRecord(t, store, clock, "corr-1", "user-1")

	if err := store.MarkAsFailed(ctx, "corr-1", "queue unavailable"); err != nil {
		t.Fatalf("Failed to fail pending record: %v", err)
	}

	rec, err := store.ResetForRetry(ctx, "corr-1")
	if err != nil {
		t.Fatalf("Failed to reset: %v", err)
	}
	if rec.Status != models.CorrelationStatusPending {
		t.Errorf("Expected pending, got %s", rec.Status)
	}
	if rec.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", rec.RetryCount)
	}
	if rec.ErrorMessage != "" {
		t.Errorf("Expected error message cleared, got %q", rec.ErrorMessage)
	}
}

func TestSQLStore_ListUndeliveredAndStale(t *testing.T) {
	store, clock := setupSQLStore(t)
	ctx := context.Background()

	createTestRecord(t, store, clock, "corr-1", "user-1")
	clock.Advance(time.Second)
	createTestRecord(t, store, clock, "corr-2", "user-1")
	clock.Advance(time.Second)
	createTestRecord(t, store, clock, "corr-3", "user-2")
	clock.Advance(time.Second)
	createTestRecord(t, store, clock, "corr-4", "user-1")

	completeTestRecord(t, store, "corr-2")
	completeTestRecord(t, store, "corr-1")
	completeTestRecord(t, store, "corr-3")

	recs, err := store.ListUndelivered(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("Failed to list undelivered: %v", err)
	}
	if len(recs) != 2 || recs[0].CorrelationID != "corr-1" || recs[1].CorrelationID != "corr-2" {
		t.Fatalf("Expected corr-1, corr-2 oldest first, got %v", correlationIDs(recs))
	}

	// Peeking does not mark anything
	again, _ := store.ListUndelivered(ctx, "user-1", 10)
	if len(again) != 2 {
		t.Errorf("Expected peek to be repeatable, got %d", len(again))
	}

	clock.Advance(time.Minute)
	stale, err := store.ListStale(ctx, models.CorrelationStatusPending, clock.Now().Add(-30*time.Second), 10)
	if err != nil {
		t.Fatalf("Failed to list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].CorrelationID != "corr-4" {
		t.Errorf("Expected only corr-4 to be stale pending, got %v", correlationIDs(stale))
	}
}

func correlationIDs(recs []*models.CorrelationRecord) []string {
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.CorrelationID)
	}
	return ids
}
