package jobs

import (
	"context"
	"log"
	"time"

	"courier/internal/models"
	"courier/internal/services"
)

// Dispatcher re-enqueues an existing record
type Dispatcher interface {
	Redispatch(ctx context.Context, rec *models.CorrelationRecord) error
}

// PendingRedispatchJob re-enqueues records that have sat in "pending" too
// long, covering messages lost between the store write and the queue.
// Extra copies are harmless: only one worker wins the claim.
type PendingRedispatchJob struct {
	store      services.CorrelationStore
	dispatcher Dispatcher
	olderThan  time.Duration
	batch      int
	now        func() time.Time
}

// NewPendingRedispatchJob creates the redispatch job
func NewPendingRedispatchJob(store services.CorrelationStore, dispatcher Dispatcher, olderThan time.Duration) *PendingRedispatchJob {
	return &PendingRedispatchJob{
		store:      store,
		dispatcher: dispatcher,
		olderThan:  olderThan,
		batch:      100,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run re-enqueues old pending records
func (j *PendingRedispatchJob) Run(ctx context.Context) error {
	recs, err := j.store.ListStale(ctx, models.CorrelationStatusPending, j.now().Add(-j.olderThan), j.batch)
	if err != nil {
		return err
	}

	dispatched := 0
	for _, rec := range recs {
		if err := j.dispatcher.Redispatch(ctx, rec); err != nil {
			// Queue is down; the next run tries again
			log.Printf("⚠️  [REDISPATCH] Failed to re-enqueue %s: %v", rec.CorrelationID, err)
			return err
		}
		dispatched++
	}

	if dispatched > 0 {
		log.Printf("🔁 [REDISPATCH] Re-enqueued %d pending request(s)", dispatched)
	}
	return nil
}
