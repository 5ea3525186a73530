package models

import (
	"time"
)

// Task is one unit of work handed to the eval loop.
// Retries reuse the same ID and carry their hints in Context.
type Task struct {
	ID       string                 `json:"id"`
	UserID   string                 `json:"userId"`
	Type     string                 `json:"type"`
	Input    string                 `json:"input"`
	Expected interface{}            `json:"expected,omitempty"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// Hint keys passed to the executor on retries and research
const (
	HintRetry     = "retryHint"
	HintResearch  = "research"
	HintLearnings = "learnings"
	HintAttempt   = "attempt"

	// Carried in Task.Context so executors can resume the caller's session
	HintSessionID      = "sessionId"
	HintConversationID = "conversationId"
)

// ExecutionResult is what the task executor reports for one attempt
type ExecutionResult struct {
	Success   bool          `json:"success"`
	Output    interface{}   `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	SessionID string        `json:"sessionId,omitempty"`
	TokensIn  int           `json:"tokensIn"`
	TokensOut int           `json:"tokensOut"`
}

// EvalOutcome is the terminal outcome of one eval loop run
type EvalOutcome string

const (
	EvalOutcomeSuccess            EvalOutcome = "success"
	EvalOutcomeResearchSuccess    EvalOutcome = "research_success"
	EvalOutcomeNeedsClarification EvalOutcome = "needs_clarification"
	EvalOutcomeFailed             EvalOutcome = "failed"
)

// Learning is write-only telemetry about how a task resolved
type Learning struct {
	ID              string      `bson:"_id" json:"id"`
	TaskID          string      `bson:"taskId" json:"taskId"`
	UserID          string      `bson:"userId" json:"userId"`
	TaskType        string      `bson:"type" json:"type"`
	Outcome         EvalOutcome `bson:"outcome" json:"outcome"`
	Attempts        int         `bson:"attempts" json:"attempts"`
	ResearchApplied bool        `bson:"researchApplied" json:"researchApplied"`
	Differences     []string    `bson:"differences,omitempty" json:"differences,omitempty"`
	CreatedAt       time.Time   `bson:"createdAt" json:"createdAt"`
}
