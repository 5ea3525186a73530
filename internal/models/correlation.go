package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// CorrelationStatus is the lifecycle state of a submitted request
type CorrelationStatus string

const (
	CorrelationStatusPending    CorrelationStatus = "pending"
	CorrelationStatusProcessing CorrelationStatus = "processing"
	CorrelationStatusCompleted  CorrelationStatus = "completed"
	CorrelationStatusDelivered  CorrelationStatus = "delivered"
	CorrelationStatusFailed     CorrelationStatus = "failed"
	CorrelationStatusExpired    CorrelationStatus = "expired"
)

// DefaultCorrelationTTL bounds how long a record stays queryable
const DefaultCorrelationTTL = 24 * time.Hour

// transitions lists the legal edges of the lifecycle. Expiry is implicit and
// never written through a transition.
var transitions = map[CorrelationStatus][]CorrelationStatus{
	CorrelationStatusProcessing: {CorrelationStatusPending},
	CorrelationStatusCompleted:  {CorrelationStatusProcessing},
	CorrelationStatusFailed:     {CorrelationStatusPending, CorrelationStatusProcessing},
	CorrelationStatusDelivered:  {CorrelationStatusCompleted},
	CorrelationStatusPending:    {CorrelationStatusFailed},
}

// Predecessors returns the states a record must be in to move to target.
func Predecessors(target CorrelationStatus) []CorrelationStatus {
	preds := transitions[target]
	out := make([]CorrelationStatus, len(preds))
	copy(out, preds)
	return out
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to CorrelationStatus) bool {
	for _, p := range transitions[to] {
		if p == from {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the worker should skip execution for this status
func (s CorrelationStatus) IsTerminal() bool {
	switch s {
	case CorrelationStatusCompleted, CorrelationStatusDelivered, CorrelationStatusFailed, CorrelationStatusExpired:
		return true
	}
	return false
}

// HasResponse reports whether records in this status carry a response
func (s CorrelationStatus) HasResponse() bool {
	return s == CorrelationStatusCompleted || s == CorrelationStatusDelivered
}

// ErrInvalidTransition is returned when a writer observes a state that is not
// a valid predecessor of the requested state.
type ErrInvalidTransition struct {
	CorrelationID string
	From          CorrelationStatus
	To            CorrelationStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.CorrelationID, e.From, e.To)
}

// TaskRequest is the opaque task description accepted on submit
type TaskRequest struct {
	ConversationID string          `bson:"conversationId" json:"conversationId"`
	Prompt         string          `bson:"prompt" json:"prompt"`
	Model          string          `bson:"model,omitempty" json:"model,omitempty"`
	SessionID      string          `bson:"sessionId,omitempty" json:"sessionId,omitempty"` // executor session-resume hint
	Type           string          `bson:"type,omitempty" json:"type,omitempty"`
	Expected       json.RawMessage `bson:"expected,omitempty" json:"expected,omitempty"`
}

// TaskResponse is the result payload stored on completion
type TaskResponse struct {
	Output             json.RawMessage `bson:"output,omitempty" json:"output,omitempty"`
	SessionID          string          `bson:"sessionId,omitempty" json:"sessionId,omitempty"`
	TokensIn           int             `bson:"tokensIn" json:"tokensIn"`
	TokensOut          int             `bson:"tokensOut" json:"tokensOut"`
	Attempts           int             `bson:"attempts" json:"attempts"`
	ResearchApplied    bool            `bson:"researchApplied" json:"researchApplied"`
	NeedsClarification bool            `bson:"needsClarification" json:"needsClarification"`
	Questions          []string        `bson:"questions,omitempty" json:"questions,omitempty"`
	DurationMs         int64           `bson:"durationMs" json:"durationMs"`
}

// CorrelationRecord tracks one submitted request through its lifecycle
type CorrelationRecord struct {
	CorrelationID  string            `bson:"_id" json:"correlationId"`
	UserID         string            `bson:"userId" json:"userId"`
	ConversationID string            `bson:"conversationId" json:"conversationId"`
	Request        TaskRequest       `bson:"request" json:"request"`
	Status         CorrelationStatus `bson:"status" json:"status"`
	Response       *TaskResponse     `bson:"response,omitempty" json:"response"`
	ErrorMessage   string            `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	RetryCount     int               `bson:"retryCount" json:"retryCount"`
	ClaimedBy      string            `bson:"claimedBy,omitempty" json:"-"`
	ReplySessionID string            `bson:"replySessionId,omitempty" json:"-"`

	CreatedAt             time.Time  `bson:"createdAt" json:"createdAt"`
	ExpiresAt             time.Time  `bson:"expiresAt" json:"expiresAt"`
	ProcessingStartedAt   *time.Time `bson:"processingStartedAt,omitempty" json:"processingStartedAt,omitempty"`
	ProcessingCompletedAt *time.Time `bson:"processingCompletedAt,omitempty" json:"processingCompletedAt,omitempty"`
	DeliveredAt           *time.Time `bson:"deliveredAt,omitempty" json:"deliveredAt,omitempty"`
}

// NewCorrelationRecord builds a pending record expiring ttl from now
func NewCorrelationRecord(correlationID, userID string, req TaskRequest, ttl time.Duration, now time.Time) *CorrelationRecord {
	if ttl <= 0 {
		ttl = DefaultCorrelationTTL
	}
	return &CorrelationRecord{
		CorrelationID:  correlationID,
		UserID:         userID,
		ConversationID: req.ConversationID,
		Request:        req,
		Status:         CorrelationStatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}

// IsExpired reports whether the record is past its TTL at now
func (r *CorrelationRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// EffectiveStatus applies implicit expiry to the stored status
func (r *CorrelationRecord) EffectiveStatus(now time.Time) CorrelationStatus {
	if r.IsExpired(now) {
		return CorrelationStatusExpired
	}
	return r.Status
}

// Claim identifies the worker taking ownership of a record.
// A processing record whose claim started before StaleBefore may be re-claimed.
type Claim struct {
	WorkerID    string
	StaleBefore time.Time
}
