package models

import (
	"math/rand"
	"testing"
	"time"
)

var allStatuses = []CorrelationStatus{
	CorrelationStatusPending,
	CorrelationStatusProcessing,
	CorrelationStatusCompleted,
	CorrelationStatusDelivered,
	CorrelationStatusFailed,
	CorrelationStatusExpired,
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to CorrelationStatus
		want     bool
	}{
		{CorrelationStatusPending, CorrelationStatusProcessing, true},
		{CorrelationStatusProcessing, CorrelationStatusCompleted, true},
		{CorrelationStatusCompleted, CorrelationStatusDelivered, true},
		{CorrelationStatusPending, CorrelationStatusFailed, true},
		{CorrelationStatusProcessing, CorrelationStatusFailed, true},
		{CorrelationStatusFailed, CorrelationStatusPending, true},

		{CorrelationStatusPending, CorrelationStatusCompleted, false},
		{CorrelationStatusPending, CorrelationStatusDelivered, false},
		{CorrelationStatusProcessing, CorrelationStatusDelivered, false},
		{CorrelationStatusCompleted, CorrelationStatusFailed, false},
		{CorrelationStatusDelivered, CorrelationStatusCompleted, false},
		{CorrelationStatusDelivered, CorrelationStatusPending, false},
		{CorrelationStatusFailed, CorrelationStatusProcessing, false},
		{CorrelationStatusCompleted, CorrelationStatusProcessing, false},
		{CorrelationStatusExpired, CorrelationStatusPending, false},
		{CorrelationStatusPending, CorrelationStatusExpired, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

// Any walk through legal edges must never leave delivered once reached and
// must never set a response outside completed/delivered.
func TestRandomTransitionSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 500; run++ {
		status := CorrelationStatusPending
		reachedDelivered := false

		for step := 0; step < 20; step++ {
			target := allStatuses[rng.Intn(len(allStatuses))]
			if !CanTransition(status, target) {
				continue
			}
			if reachedDelivered {
				t.Fatalf("run %d: transition %s -> %s after delivered", run, status, target)
			}
			status = target
			if status == CorrelationStatusDelivered {
				reachedDelivered = true
			}
		}
	}
}

func TestPredecessorsReturnsCopy(t *testing.T) {
	preds := Predecessors(CorrelationStatusFailed)
	if len(preds) != 2 {
		t.Fatalf("Expected 2 predecessors of failed, got %v", preds)
	}
	preds[0] = CorrelationStatusDelivered

	if CanTransition(CorrelationStatusDelivered, CorrelationStatusFailed) {
		t.Error("Mutating the returned slice should not change the transition table")
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := map[CorrelationStatus]bool{
		CorrelationStatusPending:    false,
		CorrelationStatusProcessing: false,
		CorrelationStatusCompleted:  true,
		CorrelationStatusDelivered:  true,
		CorrelationStatusFailed:     true,
		CorrelationStatusExpired:    true,
	}
	for status, want := range terminal {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestNewCorrelationRecord(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	req := TaskRequest{ConversationID: "conv-1", Prompt: "hello"}

	rec := NewCorrelationRecord("corr-1", "user-1", req, time.Hour, now)

	if rec.Status != CorrelationStatusPending {
		t.Errorf("Expected pending, got %s", rec.Status)
	}
	if rec.ConversationID != "conv-1" {
		t.Errorf("Expected conversation id to be copied, got %q", rec.ConversationID)
	}
	if !rec.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("Expected expiry %v, got %v", now.Add(time.Hour), rec.ExpiresAt)
	}
	if rec.Response != nil {
		t.Error("New record should have no response")
	}

	defaulted := NewCorrelationRecord("corr-2", "user-1", req, 0, now)
	if !defaulted.ExpiresAt.Equal(now.Add(DefaultCorrelationTTL)) {
		t.Errorf("Zero TTL should use the default, got %v", defaulted.ExpiresAt.Sub(now))
	}
}

func TestEffectiveStatus(t *testing.T) {
	now := time.Now()
	rec := NewCorrelationRecord("corr-1", "user-1", TaskRequest{}, time.Minute, now)
	rec.Status = CorrelationStatusCompleted

	if got := rec.EffectiveStatus(now.Add(30 * time.Second)); got != CorrelationStatusCompleted {
		t.Errorf("Expected completed before expiry, got %s", got)
	}
	if got := rec.EffectiveStatus(now.Add(time.Minute)); got != CorrelationStatusExpired {
		t.Errorf("Expected expired at the expiry instant, got %s", got)
	}
	if rec.Status != CorrelationStatusCompleted {
		t.Error("EffectiveStatus must not modify the stored status")
	}
}
