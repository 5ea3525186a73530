package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"courier/internal/models"
	"courier/internal/services"
)

// StaleProcessingCleanupJob fails records stuck in "processing" (a worker
// crashed and the message was lost) so clients stop waiting on them.
type StaleProcessingCleanupJob struct {
	store  services.CorrelationStore
	relay  services.Relay
	maxAge time.Duration // claims older than this are abandoned
	batch  int
	now    func() time.Time
}

// NewStaleProcessingCleanupJob creates the cleanup job. relay may be nil.
func NewStaleProcessingCleanupJob(store services.CorrelationStore, relay services.Relay, maxAge time.Duration) *StaleProcessingCleanupJob {
	return &StaleProcessingCleanupJob{
		store:  store,
		relay:  relay,
		maxAge: maxAge,
		batch:  100,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run marks abandoned processing records failed
func (j *StaleProcessingCleanupJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-j.maxAge)
	recs, err := j.store.ListStale(ctx, models.CorrelationStatusProcessing, cutoff, j.batch)
	if err != nil {
		return err
	}

	failed := 0
	for _, rec := range recs {
		msg := fmt.Sprintf("processing abandoned: no result within %s", j.maxAge)
		if err := j.store.MarkAsFailed(ctx, rec.CorrelationID, msg); err != nil {
			if services.IsInvalidTransition(err) || errors.Is(err, services.ErrCorrelationNotFound) {
				continue
			}
			log.Printf("❌ [STALE-CLEANUP] Failed to fail %s: %v", rec.CorrelationID, err)
			continue
		}
		failed++

		if j.relay != nil {
			rec.Status = models.CorrelationStatusFailed
			rec.ErrorMessage = msg
			if err := j.relay.Publish(ctx, services.ChannelFromExecutor, services.FailureEnvelope(rec)); err != nil {
				log.Printf("⚠️  [STALE-CLEANUP] Failed to publish failure for %s: %v", rec.CorrelationID, err)
			}
		}
	}

	if failed > 0 {
		log.Printf("🧹 [STALE-CLEANUP] Failed %d abandoned request(s) (claimed before %s)",
			failed, cutoff.Format(time.RFC3339))
	}
	return nil
}
