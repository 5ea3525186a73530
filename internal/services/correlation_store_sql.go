package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"courier/internal/database"
	"courier/internal/models"
)

const correlationColumns = `correlation_id, user_id, conversation_id, request_payload, status,
	response_payload, error_message, retry_count, claimed_by, reply_session_id,
	created_at, expires_at, processing_started_at, processing_completed_at, delivered_at`

// SQLCorrelationStore persists correlation records in MySQL or SQLite.
// Neither backend has a native TTL, so the reaper job calls DeleteExpired.
type SQLCorrelationStore struct {
	db  *database.DB
	now func() time.Time
}

// NewSQLCorrelationStore creates a store over an initialized database
func NewSQLCorrelationStore(db *database.DB) *SQLCorrelationStore {
	return &SQLCorrelationStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a new record
func (s *SQLCorrelationStore) Create(ctx context.Context, rec *models.CorrelationRecord) error {
	request, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	response, err := encodeResponse(rec.Response)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO correlations (`+correlationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CorrelationID, rec.UserID, rec.ConversationID, string(request), rec.Status,
		response, nullString(rec.ErrorMessage), rec.RetryCount, nullString(rec.ClaimedBy), nullString(rec.ReplySessionID),
		toMillis(rec.CreatedAt), toMillis(rec.ExpiresAt),
		nullMillis(rec.ProcessingStartedAt), nullMillis(rec.ProcessingCompletedAt), nullMillis(rec.DeliveredAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrCorrelationExists
		}
		return fmt.Errorf("failed to create correlation: %w", err)
	}
	return nil
}

// Get retrieves a live record by ID
func (s *SQLCorrelationStore) Get(ctx context.Context, correlationID string) (*models.CorrelationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+correlationColumns+` FROM correlations
		WHERE correlation_id = ? AND expires_at > ?`, correlationID, toMillis(s.now()))
	rec, err := scanCorrelation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCorrelationNotFound
		}
		return nil, fmt.Errorf("failed to get correlation: %w", err)
	}
	return rec, nil
}

// transition runs a conditional UPDATE guarded by the predecessors of to
func (s *SQLCorrelationStore) transition(ctx context.Context, correlationID string, to models.CorrelationStatus, setClause string, args ...interface{}) error {
	preds := models.Predecessors(to)
	query := `UPDATE correlations SET status = ?` + setClause + `
		WHERE correlation_id = ? AND expires_at > ? AND status IN (` + placeholders(len(preds)) + `)`

	params := []interface{}{to}
	params = append(params, args...)
	params = append(params, correlationID, toMillis(s.now()))
	for _, p := range preds {
		params = append(params, p)
	}

	result, err := s.db.ExecContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("failed to update correlation %s to %s: %w", correlationID, to, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return classifyMiss(ctx, s, correlationID, to)
	}
	return nil
}

// MarkAsProcessing claims a pending record or re-claims a stale one
func (s *SQLCorrelationStore) MarkAsProcessing(ctx context.Context, correlationID string, claim models.Claim) (*models.CorrelationRecord, error) {
	now := s.now()

	condition := `status = ?`
	params := []interface{}{
		models.CorrelationStatusProcessing, nullString(claim.WorkerID), toMillis(now),
		correlationID, toMillis(now), models.CorrelationStatusPending,
	}
	if !claim.StaleBefore.IsZero() {
		condition = `(status = ? OR (status = ? AND processing_started_at < ?))`
		params = append(params, models.CorrelationStatusProcessing, toMillis(claim.StaleBefore))
	}

	result, err := s.db.ExecContext(ctx, `UPDATE correlations
		SET status = ?, claimed_by = ?, processing_started_at = ?
		WHERE correlation_id = ? AND expires_at > ? AND `+condition, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to claim correlation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim result: %w", err)
	}
	if affected == 0 {
		return nil, classifyMiss(ctx, s, correlationID, models.CorrelationStatusProcessing)
	}
	return s.Get(ctx, correlationID)
}

// MarkAsCompleted stores the response on a processing record
func (s *SQLCorrelationStore) MarkAsCompleted(ctx context.Context, correlationID string, resp *models.TaskResponse) error {
	response, err := encodeResponse(resp)
	if err != nil {
		return err
	}
	return s.transition(ctx, correlationID, models.CorrelationStatusCompleted,
		`, response_payload = ?, error_message = NULL, processing_completed_at = ?`,
		response, toMillis(s.now()))
}

// MarkAsFailed records a terminal failure
func (s *SQLCorrelationStore) MarkAsFailed(ctx context.Context, correlationID string, errMsg string) error {
	return s.transition(ctx, correlationID, models.CorrelationStatusFailed,
		`, error_message = ?, processing_completed_at = ?`,
		errMsg, toMillis(s.now()))
}

// MarkAsDelivered marks a batch delivered inside one transaction
func (s *SQLCorrelationStore) MarkAsDelivered(ctx context.Context, correlationIDs ...string) error {
	ids := uniqueIDs(correlationIDs)
	if len(ids) == 0 {
		return nil
	}

	now := toMillis(s.now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delivery transaction: %w", err)
	}
	defer tx.Rollback()

	params := []interface{}{models.CorrelationStatusDelivered, now}
	for _, id := range ids {
		params = append(params, id)
	}
	params = append(params, models.CorrelationStatusCompleted, now)

	result, err := tx.ExecContext(ctx, `UPDATE correlations SET status = ?, delivered_at = ?
		WHERE correlation_id IN (`+placeholders(len(ids))+`) AND status = ? AND expires_at > ?`, params...)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delivery result: %w", err)
	}

	if affected != int64(len(ids)) {
		// Find the first id that did not move before rolling back
		miss := ids[0]
		for _, id := range ids {
			var status string
			err := tx.QueryRowContext(ctx, `SELECT status FROM correlations WHERE correlation_id = ?`, id).Scan(&status)
			if err != nil || status != string(models.CorrelationStatusDelivered) {
				miss = id
				break
			}
		}
		tx.Rollback()
		return classifyMiss(ctx, s, miss, models.CorrelationStatusDelivered)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delivery: %w", err)
	}
	return nil
}

// ResetForRetry moves a failed record back to pending
func (s *SQLCorrelationStore) ResetForRetry(ctx context.Context, correlationID string) (*models.CorrelationRecord, error) {
	err := s.transition(ctx, correlationID, models.CorrelationStatusPending,
		`, retry_count = retry_count + 1, error_message = NULL, claimed_by = NULL,
		processing_started_at = NULL, processing_completed_at = NULL`)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, correlationID)
}

// ListUndelivered returns completed, undelivered records for a user
func (s *SQLCorrelationStore) ListUndelivered(ctx context.Context, userID string, limit int) ([]*models.CorrelationRecord, error) {
	return s.query(ctx, `SELECT `+correlationColumns+` FROM correlations
		WHERE user_id = ? AND status = ? AND expires_at > ?
		ORDER BY created_at ASC LIMIT ?`,
		userID, models.CorrelationStatusCompleted, toMillis(s.now()), normalizeLimit(limit))
}

// ListStale returns records stuck in status since before olderThan
func (s *SQLCorrelationStore) ListStale(ctx context.Context, status models.CorrelationStatus, olderThan time.Time, limit int) ([]*models.CorrelationRecord, error) {
	ageColumn := "created_at"
	if status == models.CorrelationStatusProcessing {
		ageColumn = "processing_started_at"
	}
	return s.query(ctx, `SELECT `+correlationColumns+` FROM correlations
		WHERE status = ? AND `+ageColumn+` < ? AND expires_at > ?
		ORDER BY `+ageColumn+` ASC LIMIT ?`,
		status, toMillis(olderThan), toMillis(s.now()), normalizeLimit(limit))
}

func (s *SQLCorrelationStore) query(ctx context.Context, query string, args ...interface{}) ([]*models.CorrelationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list correlations: %w", err)
	}
	defer rows.Close()

	var recs []*models.CorrelationRecord
	for rows.Next() {
		rec, err := scanCorrelation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan correlation: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteExpired removes records past their TTL
func (s *SQLCorrelationStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM correlations WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired correlations: %w", err)
	}
	return result.RowsAffected()
}

// Ping checks the connection
func (s *SQLCorrelationStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCorrelation(row rowScanner) (*models.CorrelationRecord, error) {
	var (
		rec                                  models.CorrelationRecord
		request                              string
		status                               string
		response, errMsg, claimedBy, replyTo sql.NullString
		createdAt, expiresAt                 int64
		startedAt, completedAt, deliveredAt  sql.NullInt64
	)

	if err := row.Scan(
		&rec.CorrelationID, &rec.UserID, &rec.ConversationID, &request, &status,
		&response, &errMsg, &rec.RetryCount, &claimedBy, &replyTo,
		&createdAt, &expiresAt, &startedAt, &completedAt, &deliveredAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(request), &rec.Request); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if response.Valid && response.String != "" {
		var resp models.TaskResponse
		if err := json.Unmarshal([]byte(response.String), &resp); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		rec.Response = &resp
	}

	rec.Status = models.CorrelationStatus(status)
	rec.ErrorMessage = errMsg.String
	rec.ClaimedBy = claimedBy.String
	rec.ReplySessionID = replyTo.String
	rec.CreatedAt = fromMillis(createdAt)
	rec.ExpiresAt = fromMillis(expiresAt)
	rec.ProcessingStartedAt = fromNullMillis(startedAt)
	rec.ProcessingCompletedAt = fromNullMillis(completedAt)
	rec.DeliveredAt = fromNullMillis(deliveredAt)
	return &rec, nil
}

func encodeResponse(resp *models.TaskResponse) (sql.NullString, error) {
	if resp == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode response: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isDuplicateKey(err error) bool {
	msg := strings.ToLower(err.Error())
	// MySQL 1062, SQLite constraint failure
	return strings.Contains(msg, "duplicate entry") || strings.Contains(msg, "unique constraint")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
