package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"courier/internal/config"
	"courier/internal/models"

	"github.com/google/uuid"
)

// Executor runs one attempt of a task. hints carries retry feedback,
// research and learnings on later attempts.
type Executor interface {
	Execute(ctx context.Context, task *models.Task, hints map[string]interface{}) (*models.ExecutionResult, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, task *models.Task, hints map[string]interface{}) (*models.ExecutionResult, error)

// Execute calls f
func (f ExecutorFunc) Execute(ctx context.Context, task *models.Task, hints map[string]interface{}) (*models.ExecutionResult, error) {
	return f(ctx, task, hints)
}

// ResearchResult is background material for a final attempt
type ResearchResult struct {
	Summary   string   `json:"summary"`
	Sources   []string `json:"sources,omitempty"`
	Learnings []string `json:"learnings,omitempty"`
}

// Researcher gathers background for a task that exhausted its retries
type Researcher interface {
	Research(ctx context.Context, query string) (*ResearchResult, error)
}

// LearningRecorder persists eval outcomes
type LearningRecorder interface {
	Record(ctx context.Context, learning *models.Learning) error
}

// Observer receives attempt and outcome measurements
type Observer interface {
	ObserveAttempt(success bool, d time.Duration)
	ObserveOutcome(outcome models.EvalOutcome, d time.Duration)
}

// Result is the outcome of one eval loop run
type Result struct {
	Outcome            models.EvalOutcome
	Output             interface{}
	SessionID          string
	Attempts           int // executor calls, including the research call
	ResearchApplied    bool
	NeedsClarification bool
	Questions          []string
	Differences        []string
	TokensIn           int
	TokensOut          int
	Duration           time.Duration
}

// Success reports whether the run produced an accepted output
func (r *Result) Success() bool {
	return r.Outcome == models.EvalOutcomeSuccess || r.Outcome == models.EvalOutcomeResearchSuccess
}

// evalState is a step of the bounded loop
type evalState int

const (
	stateAttempt evalState = iota
	stateResearch
	stateClarify
	stateDone
)

const fallbackQuestion = "Should I try a different approach?"

// EvalLoop wraps an executor with retry, research and clarification.
// Each run makes at most MaxRetries+1 executor calls and one research call.
type EvalLoop struct {
	executor       Executor
	researcher     Researcher
	learnings      LearningRecorder
	observer       Observer
	policy         atomic.Pointer[config.EvalPolicy]
	attemptTimeout time.Duration
	learningWG     sync.WaitGroup
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewEvalLoop creates an eval loop around executor
func NewEvalLoop(executor Executor, policy config.EvalPolicy, attemptTimeout time.Duration) *EvalLoop {
	l := &EvalLoop{
		executor:       executor,
		attemptTimeout: attemptTimeout,
		sleep:          sleepContext,
	}
	l.SetPolicy(policy)
	return l
}

// SetPolicy swaps the policy used by runs that start afterwards
func (l *EvalLoop) SetPolicy(policy config.EvalPolicy) {
	if policy.MaxRetries < 1 {
		policy.MaxRetries = 1
	}
	l.policy.Store(&policy)
}

// Policy returns the current policy
func (l *EvalLoop) Policy() config.EvalPolicy {
	return *l.policy.Load()
}

// SetResearcher enables the research step
func (l *EvalLoop) SetResearcher(r Researcher) { l.researcher = r }

// SetLearningRecorder enables outcome recording
func (l *EvalLoop) SetLearningRecorder(r LearningRecorder) { l.learnings = r }

// SetObserver attaches metrics
func (l *EvalLoop) SetObserver(o Observer) { l.observer = o }

// WaitLearnings blocks until in-flight learning writes finish
func (l *EvalLoop) WaitLearnings() { l.learningWG.Wait() }

// run carries the mutable state of one Run call
type run struct {
	task        *models.Task
	policy      config.EvalPolicy
	backoff     *Backoff
	attempt     int // executor attempts made in the retry phase
	calls       int // all executor calls
	differences []string
	last        *models.ExecutionResult
	tokensIn    int
	tokensOut   int
	logger      *slog.Logger
}

// Run executes task through the loop. It returns an error only when ctx is
// canceled; every executor failure ends in a Result.
func (l *EvalLoop) Run(ctx context.Context, task *models.Task) (*Result, error) {
	start := time.Now()
	policy := l.Policy()

	r := &run{
		task:    task,
		policy:  policy,
		backoff: NewBackoff(policy.BaseBackoff, policy.MaxBackoff, 2, 0),
		logger:  slog.With("task_id", task.ID, "task_type", task.Type),
	}

	var result *Result
	state := stateAttempt
	hints := copyHints(task.Context)

	for state != stateDone {
		switch state {
		case stateAttempt:
			r.attempt++
			if r.attempt > 1 {
				if err := l.sleep(ctx, r.backoff.Delay(r.attempt-1)); err != nil {
					return nil, err
				}
			}
			hints[models.HintAttempt] = r.attempt

			diffs := l.attemptOnce(ctx, r, hints)
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if len(diffs) == 0 {
				result = r.success(models.EvalOutcomeSuccess)
				state = stateDone
				break
			}

			r.differences = diffs
			r.logger.Info("attempt rejected", "attempt", r.attempt, "differences", len(diffs))
			if r.attempt < policy.MaxRetries {
				hints = copyHints(task.Context)
				hints[models.HintRetry] = diffs
			} else if policy.ResearchEnabled && l.researcher != nil {
				state = stateResearch
			} else {
				state = stateClarify
			}

		case stateResearch:
			state = stateClarify
			research, err := l.research(ctx, r)
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err != nil {
				r.logger.Warn("research failed", "error", err)
				break
			}

			hints = copyHints(task.Context)
			hints[models.HintRetry] = r.differences
			hints[models.HintResearch] = research.Summary
			if len(research.Learnings) > 0 {
				hints[models.HintLearnings] = research.Learnings
			}

			diffs := l.attemptOnce(ctx, r, hints)
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if len(diffs) == 0 {
				result = r.success(models.EvalOutcomeResearchSuccess)
				result.ResearchApplied = true
				state = stateDone
				break
			}
			r.differences = diffs

		case stateClarify:
			result = r.clarify()
			state = stateDone
		}
	}

	result.Duration = time.Since(start)
	if l.observer != nil {
		l.observer.ObserveOutcome(result.Outcome, result.Duration)
	}
	l.recordLearning(task, result)
	return result, nil
}

// attemptOnce makes one executor call and returns its differences
func (l *EvalLoop) attemptOnce(ctx context.Context, r *run, hints map[string]interface{}) []string {
	actx := ctx
	if l.attemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, l.attemptTimeout)
		defer cancel()
	}

	r.calls++
	began := time.Now()
	res, err := l.executor.Execute(actx, r.task, hints)
	elapsed := time.Since(began)

	if err != nil {
		if l.observer != nil {
			l.observer.ObserveAttempt(false, elapsed)
		}
		classified := ClassifyError(err)
		return []string{fmt.Sprintf("executor error (%s): %s", classified.Category, classified.Error())}
	}
	if res == nil {
		res = &models.ExecutionResult{Success: false, Error: "executor returned no result"}
	}

	r.last = res
	r.tokensIn += res.TokensIn
	r.tokensOut += res.TokensOut
	if l.observer != nil {
		l.observer.ObserveAttempt(res.Success, elapsed)
	}

	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "executor reported failure"
		}
		return []string{msg}
	}
	return Compare(r.task.Expected, res.Output, r.policy.SimilarityThreshold)
}

func (l *EvalLoop) research(ctx context.Context, r *run) (*ResearchResult, error) {
	rctx := ctx
	if l.attemptTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, l.attemptTimeout)
		defer cancel()
	}

	query := strings.TrimSpace(r.task.Type + " " + describeFailure(r.differences))
	research, err := l.researcher.Research(rctx, query)
	if err != nil {
		return nil, err
	}
	if research == nil || strings.TrimSpace(research.Summary) == "" {
		return nil, fmt.Errorf("research returned nothing for %q", truncateString(query, 60))
	}
	return research, nil
}

func (r *run) success(outcome models.EvalOutcome) *Result {
	res := &Result{
		Outcome:   outcome,
		Attempts:  r.calls,
		TokensIn:  r.tokensIn,
		TokensOut: r.tokensOut,
	}
	if r.last != nil {
		res.Output = r.last.Output
		res.SessionID = r.last.SessionID
	}
	return res
}

func (r *run) clarify() *Result {
	res := &Result{
		Outcome:     models.EvalOutcomeFailed,
		Attempts:    r.calls,
		Differences: r.differences,
		TokensIn:    r.tokensIn,
		TokensOut:   r.tokensOut,
	}
	if r.last != nil {
		res.SessionID = r.last.SessionID
	}
	if !r.policy.ClarificationEnabled {
		return res
	}

	res.Outcome = models.EvalOutcomeNeedsClarification
	res.NeedsClarification = true
	res.Questions = clarifyingQuestions(r.differences, r.policy.MaxQuestions)
	return res
}

// clarifyingQuestions turns up to max differences into questions and always
// ends with a generic one.
func clarifyingQuestions(differences []string, max int) []string {
	if max < 0 {
		max = 0
	}
	questions := make([]string, 0, max+1)
	for _, d := range differences {
		if len(questions) == max {
			break
		}
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		questions = append(questions, fmt.Sprintf("Could you clarify what you expect here: %s?", strings.TrimSuffix(d, ".")))
	}
	return append(questions, fallbackQuestion)
}

func describeFailure(differences []string) string {
	if len(differences) == 0 {
		return "unknown failure"
	}
	if len(differences) > 3 {
		differences = differences[:3]
	}
	return strings.Join(differences, "; ")
}

// recordLearning writes the outcome in the background; failures are logged only
func (l *EvalLoop) recordLearning(task *models.Task, result *Result) {
	if l.learnings == nil {
		return
	}

	learning := &models.Learning{
		ID:              uuid.New().String(),
		TaskID:          task.ID,
		UserID:          task.UserID,
		TaskType:        task.Type,
		Outcome:         result.Outcome,
		Attempts:        result.Attempts,
		ResearchApplied: result.ResearchApplied,
		Differences:     result.Differences,
		CreatedAt:       time.Now().UTC(),
	}

	l.learningWG.Add(1)
	go func() {
		defer l.learningWG.Done()
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("learning recorder panicked", "task_id", task.ID, "panic", rec)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.learnings.Record(ctx, learning); err != nil {
			slog.Warn("failed to record learning", "task_id", task.ID, "error", err)
		}
	}()
}

func copyHints(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src)+3)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
