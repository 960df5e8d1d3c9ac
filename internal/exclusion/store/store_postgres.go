package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"nser/internal/exclusion/models"
	"nser/internal/platform/postgres"
	id "nser/pkg/domain"
	"nser/pkg/platform/sentinel"
	"nser/pkg/platform/tx"
)

// PostgresStore persists exclusion records. The live-record lookup is one
// query on idx_exclusions_person.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const exclusionColumns = `id, person_id, period, start_date, end_date, status, auto_renew, renewal_count,
	reason, termination_reason, terminated_by, terminated_at, expired_at, version, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, r *models.Record) error {
	_, err := tx.Q(ctx, s.db).ExecContext(ctx, `
		INSERT INTO exclusions (`+exclusionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		uuid.UUID(r.ID), uuid.UUID(r.PersonID), string(r.Period), r.StartDate, r.EndDate,
		string(r.Status), r.AutoRenew, r.RenewalCount, r.Reason, r.TerminationReason,
		r.TerminatedBy, r.TerminatedAt, r.ExpiredAt, r.Version, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert exclusion: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, exclusionID id.ExclusionID) (*models.Record, error) {
	row := tx.Q(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+exclusionColumns+` FROM exclusions WHERE id = $1`, uuid.UUID(exclusionID))
	return scanRecord(row, "find exclusion")
}

func (s *PostgresStore) ListByPersons(ctx context.Context, persons []id.PersonID) ([]*models.Record, error) {
	return s.query(ctx, "list exclusions", `
		SELECT `+exclusionColumns+` FROM exclusions
		WHERE person_id = ANY($1::uuid[])
		ORDER BY created_at DESC`, pq.Array(id.PersonIDStrings(persons)))
}

func (s *PostgresStore) FindLive(ctx context.Context, persons []id.PersonID) ([]*models.Record, error) {
	return s.query(ctx, "find live exclusions", `
		SELECT `+exclusionColumns+` FROM exclusions
		WHERE person_id = ANY($1::uuid[]) AND status IN ('pending', 'active')
		ORDER BY created_at DESC`, pq.Array(id.PersonIDStrings(persons)))
}

func (s *PostgresStore) LiveExclusionIDs(ctx context.Context, persons []id.PersonID) ([]id.ExclusionID, error) {
	rows, err := tx.Q(ctx, s.db).QueryContext(ctx, `
		SELECT id FROM exclusions
		WHERE person_id = ANY($1::uuid[]) AND status IN ('pending', 'active')
		ORDER BY created_at`, pq.Array(id.PersonIDStrings(persons)))
	if err != nil {
		return nil, fmt.Errorf("live exclusion ids: %w", err)
	}
	defer rows.Close()
	var out []id.ExclusionID
	for rows.Next() {
		var eid uuid.UUID
		if err := rows.Scan(&eid); err != nil {
			return nil, fmt.Errorf("scan exclusion id: %w", err)
		}
		out = append(out, id.ExclusionID(eid))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("live exclusion ids: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, r *models.Record, expected int64) error {
	res, err := tx.Q(ctx, s.db).ExecContext(ctx, `
		UPDATE exclusions
		SET status = $1, end_date = $2, renewal_count = $3, termination_reason = $4,
			terminated_by = $5, terminated_at = $6, expired_at = $7, version = $8, updated_at = $9
		WHERE id = $10 AND version = $11`,
		string(r.Status), r.EndDate, r.RenewalCount, r.TerminationReason, r.TerminatedBy,
		r.TerminatedAt, r.ExpiredAt, r.Version, r.UpdatedAt, uuid.UUID(r.ID), expected,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("update exclusion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update exclusion: %w", err)
	}
	if n == 0 {
		if _, err := s.FindByID(ctx, r.ID); err != nil {
			return err
		}
		return sentinel.ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Record, error) {
	return s.query(ctx, "list due exclusions", `
		SELECT `+exclusionColumns+` FROM exclusions
		WHERE (status = 'pending' AND start_date <= $1)
		   OR (status = 'active' AND end_date IS NOT NULL AND end_date <= $1)
		ORDER BY created_at
		LIMIT $2`, now, limit)
}

func (s *PostgresStore) query(ctx context.Context, op, query string, args ...any) ([]*models.Record, error) {
	rows, err := tx.Q(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []*models.Record
	for rows.Next() {
		r, err := scanRecord(rows, op)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, op string) (*models.Record, error) {
	var (
		r                              models.Record
		exclusionID, person            uuid.UUID
		period, status                 string
		endDate, terminatedAt, expired sql.NullTime
	)
	err := row.Scan(&exclusionID, &person, &period, &r.StartDate, &endDate, &status,
		&r.AutoRenew, &r.RenewalCount, &r.Reason, &r.TerminationReason, &r.TerminatedBy,
		&terminatedAt, &expired, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	r.ID = id.ExclusionID(exclusionID)
	r.PersonID = id.PersonID(person)
	r.Period = models.Period(period)
	r.Status = models.Status(status)
	r.EndDate = timePtr(endDate)
	r.TerminatedAt = timePtr(terminatedAt)
	r.ExpiredAt = timePtr(expired)
	return &r, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
