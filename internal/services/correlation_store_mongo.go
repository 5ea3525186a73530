package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"courier/internal/database"
	"courier/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoCorrelationStore handles MongoDB persistence for correlation records.
// Expired documents are removed server-side by the TTL index on expiresAt;
// reads still filter on expiresAt because the TTL monitor runs only once a minute.
type MongoCorrelationStore struct {
	mongodb    *database.MongoDB
	collection *mongo.Collection
	now        func() time.Time
}

// NewMongoCorrelationStore creates a new correlation store
func NewMongoCorrelationStore(mongodb *database.MongoDB) *MongoCorrelationStore {
	return &MongoCorrelationStore{
		mongodb:    mongodb,
		collection: mongodb.Collection(database.CollectionCorrelations),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a new record
func (s *MongoCorrelationStore) Create(ctx context.Context, rec *models.CorrelationRecord) error {
	if _, err := s.collection.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrCorrelationExists
		}
		return fmt.Errorf("failed to create correlation: %w", err)
	}
	return nil
}

// Get retrieves a live record by ID
func (s *MongoCorrelationStore) Get(ctx context.Context, correlationID string) (*models.CorrelationRecord, error) {
	var rec models.CorrelationRecord
	err := s.collection.FindOne(ctx, bson.M{
		"_id":       correlationID,
		"expiresAt": bson.M{"$gt": s.now()},
	}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCorrelationNotFound
		}
		return nil, fmt.Errorf("failed to get correlation: %w", err)
	}
	return &rec, nil
}

// transition applies set to a live record currently in one of the predecessors of to
func (s *MongoCorrelationStore) transition(ctx context.Context, correlationID string, to models.CorrelationStatus, set bson.M, unset bson.M) error {
	set["status"] = to
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	result, err := s.collection.UpdateOne(ctx, bson.M{
		"_id":       correlationID,
		"status":    bson.M{"$in": models.Predecessors(to)},
		"expiresAt": bson.M{"$gt": s.now()},
	}, update)
	if err != nil {
		return fmt.Errorf("failed to update correlation %s to %s: %w", correlationID, to, err)
	}
	if result.MatchedCount == 0 {
		return classifyMiss(ctx, s, correlationID, to)
	}
	return nil
}

// MarkAsProcessing claims a pending record or re-claims a stale one
func (s *MongoCorrelationStore) MarkAsProcessing(ctx context.Context, correlationID string, claim models.Claim) (*models.CorrelationRecord, error) {
	now := s.now()

	claimable := []bson.M{{"status": models.CorrelationStatusPending}}
	if !claim.StaleBefore.IsZero() {
		claimable = append(claimable, bson.M{
			"status":              models.CorrelationStatusProcessing,
			"processingStartedAt": bson.M{"$lt": claim.StaleBefore},
		})
	}

	var rec models.CorrelationRecord
	err := s.collection.FindOneAndUpdate(ctx,
		bson.M{
			"_id":       correlationID,
			"expiresAt": bson.M{"$gt": now},
			"$or":       claimable,
		},
		bson.M{"$set": bson.M{
			"status":              models.CorrelationStatusProcessing,
			"claimedBy":           claim.WorkerID,
			"processingStartedAt": now,
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, classifyMiss(ctx, s, correlationID, models.CorrelationStatusProcessing)
		}
		return nil, fmt.Errorf("failed to claim correlation: %w", err)
	}
	return &rec, nil
}

// MarkAsCompleted stores the response on a processing record
func (s *MongoCorrelationStore) MarkAsCompleted(ctx context.Context, correlationID string, resp *models.TaskResponse) error {
	return s.transition(ctx, correlationID, models.CorrelationStatusCompleted, bson.M{
		"response":              resp,
		"processingCompletedAt": s.now(),
	}, bson.M{"errorMessage": ""})
}

// MarkAsFailed records a terminal failure
func (s *MongoCorrelationStore) MarkAsFailed(ctx context.Context, correlationID string, errMsg string) error {
	return s.transition(ctx, correlationID, models.CorrelationStatusFailed, bson.M{
		"errorMessage":          errMsg,
		"processingCompletedAt": s.now(),
	}, nil)
}

// MarkAsDelivered marks a batch delivered inside one transaction
func (s *MongoCorrelationStore) MarkAsDelivered(ctx context.Context, correlationIDs ...string) error {
	ids := uniqueIDs(correlationIDs)
	if len(ids) == 0 {
		return nil
	}

	var miss string
	err := s.mongodb.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		now := s.now()
		filter := bson.M{
			"_id":       bson.M{"$in": ids},
			"status":    models.CorrelationStatusCompleted,
			"expiresAt": bson.M{"$gt": now},
		}

		cursor, err := s.collection.Find(sessCtx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
		if err != nil {
			return err
		}
		var docs []struct {
			ID string `bson:"_id"`
		}
		if err := cursor.All(sessCtx, &docs); err != nil {
			return err
		}
		if len(docs) != len(ids) {
			eligible := make(map[string]struct{}, len(docs))
			for _, d := range docs {
				eligible[d.ID] = struct{}{}
			}
			for _, id := range ids {
				if _, ok := eligible[id]; !ok {
					miss = id
					break
				}
			}
			return errBatchAborted
		}

		result, err := s.collection.UpdateMany(sessCtx, filter, bson.M{"$set": bson.M{
			"status":      models.CorrelationStatusDelivered,
			"deliveredAt": now,
		}})
		if err != nil {
			return err
		}
		if result.ModifiedCount != int64(len(ids)) {
			miss = ids[0]
			return errBatchAborted
		}
		return nil
	})

	if errors.Is(err, errBatchAborted) {
		return classifyMiss(ctx, s, miss, models.CorrelationStatusDelivered)
	}
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return nil
}

// ResetForRetry moves a failed record back to pending
func (s *MongoCorrelationStore) ResetForRetry(ctx context.Context, correlationID string) (*models.CorrelationRecord, error) {
	var rec models.CorrelationRecord
	err := s.collection.FindOneAndUpdate(ctx,
		bson.M{
			"_id":       correlationID,
			"status":    bson.M{"$in": models.Predecessors(models.CorrelationStatusPending)},
			"expiresAt": bson.M{"$gt": s.now()},
		},
		bson.M{
			"$set": bson.M{"status": models.CorrelationStatusPending},
			"$inc": bson.M{"retryCount": 1},
			"$unset": bson.M{
				"errorMessage":          "",
				"claimedBy":             "",
				"processingStartedAt":   "",
				"processingCompletedAt": "",
			},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, classifyMiss(ctx, s, correlationID, models.CorrelationStatusPending)
		}
		return nil, fmt.Errorf("failed to reset correlation: %w", err)
	}
	return &rec, nil
}

// ListUndelivered returns completed, undelivered records for a user
func (s *MongoCorrelationStore) ListUndelivered(ctx context.Context, userID string, limit int) ([]*models.CorrelationRecord, error) {
	return s.find(ctx, bson.M{
		"userId":    userID,
		"status":    models.CorrelationStatusCompleted,
		"expiresAt": bson.M{"$gt": s.now()},
	}, "createdAt", limit)
}

// ListStale returns records stuck in status since before olderThan
func (s *MongoCorrelationStore) ListStale(ctx context.Context, status models.CorrelationStatus, olderThan time.Time, limit int) ([]*models.CorrelationRecord, error) {
	ageField := "createdAt"
	if status == models.CorrelationStatusProcessing {
		ageField = "processingStartedAt"
	}
	return s.find(ctx, bson.M{
		"status":    status,
		ageField:    bson.M{"$lt": olderThan},
		"expiresAt": bson.M{"$gt": s.now()},
	}, ageField, limit)
}

func (s *MongoCorrelationStore) find(ctx context.Context, filter bson.M, sortField string, limit int) ([]*models.CorrelationRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: sortField, Value: 1}}).
		SetLimit(int64(normalizeLimit(limit)))

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list correlations: %w", err)
	}
	defer cursor.Close(ctx)

	var recs []*models.CorrelationRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode correlations: %w", err)
	}
	return recs, nil
}

// DeleteExpired removes records past their TTL
func (s *MongoCorrelationStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.collection.DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lte": now}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired correlations: %w", err)
	}
	return result.DeletedCount, nil
}

// Ping checks the connection
func (s *MongoCorrelationStore) Ping(ctx context.Context) error {
	return s.mongodb.Ping(ctx)
}
