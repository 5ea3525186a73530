package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
)

// Job is a unit of periodic maintenance
type Job interface {
	Run(ctx context.Context) error
}

// Locker provides a cluster-wide mutex so each run happens on one instance
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, lockValue string, expiration time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error)
}

const lockTTL = 5 * time.Minute

// JobScheduler runs registered jobs on cron schedules
type JobScheduler struct {
	scheduler  gocron.Scheduler
	locker     Locker
	instanceID string
	jobs       map[string]Job
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
}

// NewJobScheduler creates a scheduler. locker may be nil on single-node setups.
func NewJobScheduler(locker Locker, instanceID string) (*JobScheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &JobScheduler{
		scheduler:  scheduler,
		locker:     locker,
		instanceID: instanceID,
		jobs:       make(map[string]Job),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// ValidateSchedule checks a standard 5-field cron expression
func ValidateSchedule(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Register adds a job under name on the given cron schedule
func (s *JobScheduler) Register(name, schedule string, job Job) error {
	if err := ValidateSchedule(schedule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.scheduler.NewJob(
		gocron.CronJob(schedule, false),
		gocron.NewTask(func() {
			s.runJob(name, job)
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to register job %s: %w", name, err)
	}

	s.jobs[name] = job
	log.Printf("✅ [SCHEDULER] Registered job: %s (%s)", name, schedule)
	return nil
}

// Start begins running registered jobs
func (s *JobScheduler) Start() {
	s.mu.Lock()
	count := len(s.jobs)
	s.mu.Unlock()

	s.scheduler.Start()
	log.Printf("🚀 [SCHEDULER] Started with %d jobs", count)
}

// Stop cancels running jobs and shuts the scheduler down
func (s *JobScheduler) Stop() {
	log.Println("🛑 [SCHEDULER] Stopping job scheduler...")
	s.cancel()
	if err := s.scheduler.Shutdown(); err != nil {
		log.Printf("⚠️  [SCHEDULER] Shutdown error: %v", err)
	}
	log.Println("✅ [SCHEDULER] Job scheduler stopped")
}

// RunNow runs a job immediately, honoring the cluster lock
func (s *JobScheduler) RunNow(name string) error {
	s.mu.Lock()
	job, exists := s.jobs[name]
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("job %q not found", name)
	}
	return s.runJob(name, job)
}

// runJob executes a job once if this instance wins the lock
func (s *JobScheduler) runJob(name string, job Job) error {
	ctx := s.ctx

	if s.locker != nil {
		lockKey := "courier:jobs:" + name
		acquired, err := s.locker.AcquireLock(ctx, lockKey, s.instanceID, lockTTL)
		if err != nil {
			log.Printf("⚠️  [SCHEDULER] Lock error for %s: %v", name, err)
			return err
		}
		if !acquired {
			return nil
		}
		defer func() {
			if _, err := s.locker.ReleaseLock(context.Background(), lockKey, s.instanceID); err != nil {
				log.Printf("⚠️  [SCHEDULER] Failed to release lock for %s: %v", name, err)
			}
		}()
	}

	startTime := time.Now()
	if err := job.Run(ctx); err != nil {
		log.Printf("❌ [SCHEDULER] Job '%s' failed: %v", name, err)
		return err
	}
	log.Printf("✅ [SCHEDULER] Job '%s' completed in %v", name, time.Since(startTime))
	return nil
}
