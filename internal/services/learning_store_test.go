package services

import (
	"context"
	"testing"
	"time"

	"courier/internal/database"
	"courier/internal/models"
)

func TestSQLLearningStore_Record(t *testing.T) {
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer db.Close()
	if err := db.Initialize(); err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}

	store := NewSQLLearningStore(db)
	learning := &models.Learning{
		TaskID:      "task-1",
		UserID:      "user-1",
		TaskType:    "chat",
		Outcome:     models.EvalOutcomeNeedsClarification,
		Attempts:    3,
		Differences: []string{"missing greeting"},
		CreatedAt:   time.Now(),
	}
	if err := store.Record(context.Background(), learning); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if learning.ID == "" {
		t.Error("Record should assign an id")
	}

	var outcome, differences string
	var attempts int
	row := db.QueryRow(`SELECT outcome, attempts, differences FROM learnings WHERE task_id = ?`, "task-1")
	if err := row.Scan(&outcome, &attempts, &differences); err != nil {
		t.Fatalf("Failed to read learning: %v", err)
	}
	if outcome != string(models.EvalOutcomeNeedsClarification) || attempts != 3 {
		t.Errorf("Unexpected row: %s %d", outcome, attempts)
	}
	if differences != `["missing greeting"]` {
		t.Errorf("Unexpected differences %s", differences)
	}
}

func TestLogLearningStore_Record(t *testing.T) {
	if err := (LogLearningStore{}).Record(context.Background(), &models.Learning{TaskID: "t"}); err != nil {
		t.Errorf("Log store should never fail: %v", err)
	}
}
