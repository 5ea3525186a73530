package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"courier/internal/database"
	"courier/internal/models"
	"courier/internal/services"
)

func setupStore(t *testing.T) *services.SQLCorrelationStore {
	t.Helper()
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	if err := db.Initialize(); err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return services.NewSQLCorrelationStore(db)
}

// createRecord stores a pending record created age ago that lives for ttl
func createRecord(t *testing.T, store services.CorrelationStore, id string, age, ttl time.Duration) {
	t.Helper()
	created := time.Now().UTC().Add(-age)
	rec := models.NewCorrelationRecord(id, "user-1", models.TaskRequest{Prompt: "p"}, ttl, created)
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("Failed to create %s: %v", id, err)
	}
}

type recordingDispatcher struct {
	ids []string
	err error
}

func (d *recordingDispatcher) Redispatch(ctx context.Context, rec *models.CorrelationRecord) error {
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, rec.CorrelationID)
	return nil
}

func TestExpiredRecordReaperJob(t *testing.T) {
	store := setupStore(t)
	createRecord(t, store, "short", 0, time.Minute)
	createRecord(t, store, "long", 0, 24*time.Hour)

	job := NewExpiredRecordReaperJob(store)
	job.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := store.Get(context.Background(), "long"); err != nil {
		t.Errorf("Unexpired record should survive: %v", err)
	}
	deleted, _ := store.DeleteExpired(context.Background(), time.Now().UTC().Add(time.Hour))
	if deleted != 0 {
		t.Errorf("Expired record should already be gone, %d left", deleted)
	}
}

func TestStaleProcessingCleanupJob(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	createRecord(t, store, "stuck", 0, 2*time.Hour)
	createRecord(t, store, "waiting", 0, 2*time.Hour)
	if _, err := store.MarkAsProcessing(ctx, "stuck", models.Claim{WorkerID: "crashed"}); err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}

	relay := services.NewMemoryRelay(nil)
	var published []*models.Envelope
	relay.Subscribe(services.ChannelFromExecutor, func(ctx context.Context, env *models.Envelope) {
		published = append(published, env)
	})
	relay.Start(ctx)

	job := NewStaleProcessingCleanupJob(store, relay, 10*time.Minute)
	job.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	stuck, _ := store.Get(ctx, "stuck")
	if stuck.Status != models.CorrelationStatusFailed || stuck.ErrorMessage == "" {
		t.Errorf("Expected the stuck record to fail, got %s %q", stuck.Status, stuck.ErrorMessage)
	}
	waiting, _ := store.Get(ctx, "waiting")
	if waiting.Status != models.CorrelationStatusPending {
		t.Errorf("Pending records are not touched, got %s", waiting.Status)
	}

	if len(published) != 1 || published[0].CorrelationID != "stuck" {
		t.Fatalf("Expected one failure envelope for stuck, got %d", len(published))
	}
	if p, ok := published[0].Payload.(models.ErrorPayload); !ok || p.Code != "task_failed" {
		t.Errorf("Unexpected payload %+v", published[0].Payload)
	}
}

func TestStaleProcessingCleanupJob_FreshClaimSurvives(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	createRecord(t, store, "busy", 0, 2*time.Hour)
	store.MarkAsProcessing(ctx, "busy", models.Claim{WorkerID: "w1"})

	job := NewStaleProcessingCleanupJob(store, nil, 10*time.Minute)
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	busy, _ := store.Get(ctx, "busy")
	if busy.Status != models.CorrelationStatusProcessing {
		t.Errorf("A fresh claim should survive, got %s", busy.Status)
	}
}

func TestPendingRedispatchJob(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	createRecord(t, store, "old", 30*time.Minute, 2*time.Hour)
	createRecord(t, store, "new", 0, 2*time.Hour)

	dispatcher := &recordingDispatcher{}
	job := NewPendingRedispatchJob(store, dispatcher, 10*time.Minute)
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(dispatcher.ids) != 1 || dispatcher.ids[0] != "old" {
		t.Errorf("Expected only the old record to be re-enqueued, got %v", dispatcher.ids)
	}

	failing := &recordingDispatcher{err: services.ErrQueueUnavailable}
	job = NewPendingRedispatchJob(store, failing, 10*time.Minute)
	if err := job.Run(ctx); !errors.Is(err, services.ErrQueueUnavailable) {
		t.Errorf("Expected the queue error, got %v", err)
	}
}

type fakeLocker struct {
	mu       sync.Mutex
	grant    bool
	acquired []string
	released []string
}

func (l *fakeLocker) AcquireLock(ctx context.Context, lockKey, lockValue string, expiration time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.grant {
		return false, nil
	}
	l.acquired = append(l.acquired, lockKey)
	return true, nil
}

func (l *fakeLocker) ReleaseLock(ctx context.Context, lockKey, lockValue string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, lockKey)
	return true, nil
}

type countingJob struct {
	runs int
	err  error
}

func (j *countingJob) Run(ctx context.Context) error {
	j.runs++
	return j.err
}

func TestJobScheduler_RunNowHonorsLock(t *testing.T) {
	locker := &fakeLocker{}
	scheduler, err := NewJobScheduler(locker, "instance-1")
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}

	job := &countingJob{}
	if err := scheduler.Register("reaper", "*/5 * * * *", job); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := scheduler.RunNow("reaper"); err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if job.runs != 0 {
		t.Error("Job should not run when another instance holds the lock")
	}

	locker.grant = true
	if err := scheduler.RunNow("reaper"); err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if job.runs != 1 {
		t.Errorf("Expected one run, got %d", job.runs)
	}
	if len(locker.acquired) != 1 || locker.acquired[0] != "courier:jobs:reaper" || len(locker.released) != 1 {
		t.Errorf("Expected lock acquire and release, got %v / %v", locker.acquired, locker.released)
	}

	if err := scheduler.RunNow("missing"); err == nil {
		t.Error("Expected an error for an unknown job")
	}
}

func TestJobScheduler_WithoutLocker(t *testing.T) {
	scheduler, err := NewJobScheduler(nil, "instance-1")
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}

	job := &countingJob{err: errors.New("boom")}
	if err := scheduler.Register("failing", "* * * * *", job); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := scheduler.RunNow("failing"); err == nil {
		t.Error("Expected the job error to be returned")
	}
	if job.runs != 1 {
		t.Errorf("Expected one run, got %d", job.runs)
	}

	if err := scheduler.Register("bad", "not a cron", job); err == nil {
		t.Error("Expected an invalid schedule to be rejected")
	}
}

func TestValidateSchedule(t *testing.T) {
	valid := []string{"* * * * *", "*/15 * * * *", "0 3 * * 1-5"}
	for _, expr := range valid {
		if err := ValidateSchedule(expr); err != nil {
			t.Errorf("ValidateSchedule(%q) = %v", expr, err)
		}
	}
	invalid := []string{"", "* * * *", "61 * * * *", "@every 5m"}
	for _, expr := range invalid {
		if err := ValidateSchedule(expr); err == nil {
			t.Errorf("ValidateSchedule(%q) should fail", expr)
		}
	}
}
