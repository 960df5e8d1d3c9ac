package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"nser/internal/events"
	"nser/internal/platform/postgres"
	"nser/internal/propagation/models"
	id "nser/pkg/domain"
	"nser/pkg/platform/sentinel"
	"nser/pkg/platform/tx"
)

// PostgresStore persists mappings in operator_mappings and attempts in
// delivery_attempts. ClaimDue uses FOR UPDATE SKIP LOCKED so several
// dispatchers can poll the same table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const mappingColumns = `id, exclusion_id, operator_id, state_version, event_type, propagation_status,
	attempt_count, max_attempts, next_retry_at, last_http_status, last_error, propagating_at,
	acknowledged_at, acknowledged_version, failed_at, dead_at, manual_retries, row_version,
	created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, m *models.Mapping) error {
	_, err := tx.Q(ctx, s.db).ExecContext(ctx, `
		INSERT INTO operator_mappings (`+mappingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		uuid.UUID(m.ID), uuid.UUID(m.ExclusionID), string(m.OperatorID), m.StateVersion,
		string(m.EventType), string(m.Status), m.AttemptCount, m.MaxAttempts, m.NextRetryAt,
		m.LastHTTPStatus, m.LastError, m.PropagatingAt, m.AcknowledgedAt, m.AcknowledgedVersion,
		m.FailedAt, m.DeadAt, m.ManualRetries, m.RowVersion, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert mapping: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, mappingID id.MappingID) (*models.Mapping, error) {
	row := tx.Q(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM operator_mappings WHERE id = $1`, uuid.UUID(mappingID))
	return scanMapping(row, "find mapping")
}

func (s *PostgresStore) FindByPair(ctx context.Context, exclusionID id.ExclusionID, operatorID id.OperatorID) (*models.Mapping, error) {
	row := tx.Q(ctx, s.db).QueryRowContext(ctx, `
		SELECT `+mappingColumns+` FROM operator_mappings
		WHERE exclusion_id = $1 AND operator_id = $2`, uuid.UUID(exclusionID), string(operatorID))
	return scanMapping(row, "find mapping")
}

func (s *PostgresStore) Update(ctx context.Context, m *models.Mapping, expected int64) error {
	res, err := tx.Q(ctx, s.db).ExecContext(ctx, `
		UPDATE operator_mappings
		SET state_version = $1, event_type = $2, propagation_status = $3, attempt_count = $4,
			next_retry_at = $5, last_http_status = $6, last_error = $7, propagating_at = $8,
			acknowledged_at = $9, acknowledged_version = $10, failed_at = $11, dead_at = $12,
			manual_retries = $13, row_version = $14, updated_at = $15
		WHERE id = $16 AND row_version = $17`,
		m.StateVersion, string(m.EventType), string(m.Status), m.AttemptCount, m.NextRetryAt,
		m.LastHTTPStatus, m.LastError, m.PropagatingAt, m.AcknowledgedAt, m.AcknowledgedVersion,
		m.FailedAt, m.DeadAt, m.ManualRetries, m.RowVersion, m.UpdatedAt, uuid.UUID(m.ID), expected,
	)
	if err != nil {
		return fmt.Errorf("update mapping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update mapping: %w", err)
	}
	if n == 0 {
		if _, err := s.FindByID(ctx, m.ID); err != nil {
			return err
		}
		return sentinel.ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListByExclusion(ctx context.Context, exclusionID id.ExclusionID) ([]*models.Mapping, error) {
	return s.query(ctx, "list mappings", `
		SELECT `+mappingColumns+` FROM operator_mappings
		WHERE exclusion_id = $1
		ORDER BY created_at, operator_id`, uuid.UUID(exclusionID))
}

// ClaimDue claims pending rows and propagating rows whose lease lapsed in
// one statement. propagating_at keeps its first value for the version.
func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Mapping, error) {
	return s.query(ctx, "claim due mappings", `
		UPDATE operator_mappings
		SET propagation_status = 'propagating',
			propagating_at = COALESCE(propagating_at, $1),
			next_retry_at = $2,
			row_version = row_version + 1,
			updated_at = $1
		WHERE id IN (
			SELECT id FROM operator_mappings
			WHERE propagation_status IN ('pending', 'propagating') AND next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+mappingColumns, now, now.Add(lease), limit)
}

func (s *PostgresStore) ListFailedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Mapping, error) {
	return s.query(ctx, "list failed mappings", `
		SELECT `+mappingColumns+` FROM operator_mappings
		WHERE propagation_status = 'failed' AND failed_at <= $1
		ORDER BY failed_at
		LIMIT $2`, cutoff, limitOrAll(limit))
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Mapping, error) {
	return s.query(ctx, "list mappings by status", `
		SELECT `+mappingColumns+` FROM operator_mappings
		WHERE propagation_status = $1
		ORDER BY created_at, operator_id
		LIMIT $2`, string(status), limitOrAll(limit))
}

func (s *PostgresStore) ListUpdatedSince(ctx context.Context, since time.Time) ([]*models.Mapping, error) {
	return s.query(ctx, "list recent mappings", `
		SELECT `+mappingColumns+` FROM operator_mappings
		WHERE updated_at >= $1
		ORDER BY created_at, operator_id`, since)
}

func (s *PostgresStore) AppendAttempt(ctx context.Context, a models.Attempt) error {
	_, err := tx.Q(ctx, s.db).ExecContext(ctx, `
		INSERT INTO delivery_attempts (id, mapping_id, exclusion_id, operator_id, state_version, attempt,
			idempotency_key, started_at, finished_at, http_status, error, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, uuid.UUID(a.MappingID), uuid.UUID(a.ExclusionID), string(a.OperatorID), a.StateVersion,
		a.Attempt, a.IdempotencyKey, a.StartedAt, a.FinishedAt, a.HTTPStatus, a.Error, string(a.Outcome),
	)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return sentinel.ErrNotFound
		}
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

const attemptColumns = `id, mapping_id, exclusion_id, operator_id, state_version, attempt,
	idempotency_key, started_at, finished_at, http_status, error, outcome`

func (s *PostgresStore) ListAttempts(ctx context.Context, mappingID id.MappingID, limit int) ([]models.Attempt, error) {
	out, err := s.queryAttempts(ctx, `
		SELECT `+attemptColumns+` FROM delivery_attempts
		WHERE mapping_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, uuid.UUID(mappingID), limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) ListAttemptsByExclusion(ctx context.Context, exclusionID id.ExclusionID) ([]models.Attempt, error) {
	return s.queryAttempts(ctx, `
		SELECT `+attemptColumns+` FROM delivery_attempts
		WHERE exclusion_id = $1
		ORDER BY started_at`, uuid.UUID(exclusionID))
}

func (s *PostgresStore) queryAttempts(ctx context.Context, query string, args ...any) ([]models.Attempt, error) {
	rows, err := tx.Q(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list delivery attempts: %w", err)
	}
	defer rows.Close()
	var out []models.Attempt
	for rows.Next() {
		var (
			a                      models.Attempt
			mappingID, exclusionID uuid.UUID
			operatorID, outcome    string
		)
		if err := rows.Scan(&a.ID, &mappingID, &exclusionID, &operatorID, &a.StateVersion, &a.Attempt,
			&a.IdempotencyKey, &a.StartedAt, &a.FinishedAt, &a.HTTPStatus, &a.Error, &outcome); err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		a.MappingID = id.MappingID(mappingID)
		a.ExclusionID = id.ExclusionID(exclusionID)
		a.OperatorID = id.OperatorID(operatorID)
		a.Outcome = models.Outcome(outcome)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list delivery attempts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) query(ctx context.Context, op, query string, args ...any) ([]*models.Mapping, error) {
	rows, err := tx.Q(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []*models.Mapping
	for rows.Next() {
		m, err := scanMapping(rows, op)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(row rowScanner, op string) (*models.Mapping, error) {
	var (
		m                                      models.Mapping
		mappingID, exclusionID                 uuid.UUID
		operatorID, eventType, status          string
		propagatingAt, ackAt, failedAt, deadAt sql.NullTime
	)
	err := row.Scan(&mappingID, &exclusionID, &operatorID, &m.StateVersion, &eventType, &status,
		&m.AttemptCount, &m.MaxAttempts, &m.NextRetryAt, &m.LastHTTPStatus, &m.LastError, &propagatingAt,
		&ackAt, &m.AcknowledgedVersion, &failedAt, &deadAt, &m.ManualRetries, &m.RowVersion,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m.ID = id.MappingID(mappingID)
	m.ExclusionID = id.ExclusionID(exclusionID)
	m.OperatorID = id.OperatorID(operatorID)
	m.EventType = events.Type(eventType)
	m.Status = models.Status(status)
	m.PropagatingAt = timePtr(propagatingAt)
	m.AcknowledgedAt = timePtr(ackAt)
	m.FailedAt = timePtr(failedAt)
	m.DeadAt = timePtr(deadAt)
	return &m, nil
}

// limitOrAll maps a non-positive limit to no limit, matching the
// in-memory store.
func limitOrAll(limit int) int {
	if limit <= 0 {
		return math.MaxInt32
	}
	return limit
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
