package jobs

import (
	"context"
	"log"
	"time"

	"courier/internal/services"
)

// ExpiredRecordReaperJob deletes correlation records past their expiresAt.
// MongoDB also expires them through its TTL index; the SQL backends rely on
// this job alone.
type ExpiredRecordReaperJob struct {
	store services.CorrelationStore
	now   func() time.Time
}

// NewExpiredRecordReaperJob creates the reaper
func NewExpiredRecordReaperJob(store services.CorrelationStore) *ExpiredRecordReaperJob {
	return &ExpiredRecordReaperJob{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Run deletes expired records
func (j *ExpiredRecordReaperJob) Run(ctx context.Context) error {
	deleted, err := j.store.DeleteExpired(ctx, j.now())
	if err != nil {
		return err
	}
	if deleted > 0 {
		log.Printf("🧹 [REAPER] Deleted %d expired correlation record(s)", deleted)
	}
	return nil
}
