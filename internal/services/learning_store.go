package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"courier/internal/database"
	"courier/internal/models"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
)

// LearningStore records eval loop outcomes. Learnings are write-only here.
type LearningStore interface {
	Record(ctx context.Context, learning *models.Learning) error
}

// MongoLearningStore writes learnings next to correlation records
type MongoLearningStore struct {
	collection *mongo.Collection
}

// NewMongoLearningStore creates a new learning store
func NewMongoLearningStore(mongodb *database.MongoDB) *MongoLearningStore {
	return &MongoLearningStore{collection: mongodb.Collection(database.CollectionLearnings)}
}

// Record inserts one learning
func (s *MongoLearningStore) Record(ctx context.Context, learning *models.Learning) error {
	if learning.ID == "" {
		learning.ID = uuid.New().String()
	}
	if _, err := s.collection.InsertOne(ctx, learning); err != nil {
		return fmt.Errorf("failed to record learning: %w", err)
	}
	return nil
}

// SQLLearningStore writes learnings to the learnings table
type SQLLearningStore struct {
	db *database.DB
}

// NewSQLLearningStore creates a new learning store
func NewSQLLearningStore(db *database.DB) *SQLLearningStore {
	return &SQLLearningStore{db: db}
}

// Record inserts one learning
func (s *SQLLearningStore) Record(ctx context.Context, learning *models.Learning) error {
	if learning.ID == "" {
		learning.ID = uuid.New().String()
	}

	var differences []byte
	if len(learning.Differences) > 0 {
		var err error
		if differences, err = json.Marshal(learning.Differences); err != nil {
			return fmt.Errorf("failed to encode differences: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO learnings
		(id, task_id, user_id, task_type, outcome, attempts, research_applied, differences, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		learning.ID, learning.TaskID, learning.UserID, learning.TaskType, learning.Outcome,
		learning.Attempts, learning.ResearchApplied, nullString(string(differences)), toMillis(learning.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record learning: %w", err)
	}
	return nil
}

// LogLearningStore only logs; used when no persistent store is configured
type LogLearningStore struct{}

// Record logs the learning
func (LogLearningStore) Record(_ context.Context, learning *models.Learning) error {
	log.Printf("📝 [LEARNING] task=%s type=%s outcome=%s attempts=%d research=%v",
		learning.TaskID, learning.TaskType, learning.Outcome, learning.Attempts, learning.ResearchApplied)
	return nil
}
