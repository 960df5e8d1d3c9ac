package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"nser/internal/platform/postgres"
	"nser/internal/token/models"
	id "nser/pkg/domain"
	"nser/pkg/platform/sentinel"
	"nser/pkg/platform/tx"
)

// PostgresStore persists tokens in PostgreSQL. Calls join the transaction
// carried by ctx when there is one.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tokenColumns = `id, token_value, owner_id, version, status, issued_at, expires_at,
	rotation_of, row_version, status_changed_at`

func (s *PostgresStore) Create(ctx context.Context, t *models.Token) error {
	_, err := tx.Q(ctx, s.db).ExecContext(ctx, `
		INSERT INTO tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.UUID(t.ID), t.Value, uuid.UUID(t.OwnerID), int64(t.Version), string(t.Status),
		t.IssuedAt, t.ExpiresAt, nullableTokenID(t.RotationOf), t.RowVersion, t.StatusChangedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, tokenID id.TokenID) (*models.Token, error) {
	row := tx.Q(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE id = $1`, uuid.UUID(tokenID))
	return scanToken(row, "find token by id")
}

func (s *PostgresStore) FindByValue(ctx context.Context, value string) (*models.Token, error) {
	row := tx.Q(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE token_value = $1`, value)
	return scanToken(row, "find token by value")
}

// FindActiveByOwner locks the owner's active row when called inside a
// transaction, so concurrent issuers queue behind each other.
func (s *PostgresStore) FindActiveByOwner(ctx context.Context, owner id.PersonID) (*models.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE owner_id = $1 AND status = 'active'`
	if _, ok := tx.From(ctx); ok {
		query += ` FOR UPDATE`
	}
	row := tx.Q(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(owner))
	return scanToken(row, "find active token")
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner id.PersonID) ([]*models.Token, error) {
	rows, err := tx.Q(ctx, s.db).QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE owner_id = $1 ORDER BY version DESC`, uuid.UUID(owner))
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []*models.Token
	for rows.Next() {
		t, err := scanToken(rows, "scan token")
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MaxVersion(ctx context.Context, owner id.PersonID) (uint32, error) {
	var v int64
	err := tx.Q(ctx, s.db).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM tokens WHERE owner_id = $1`, uuid.UUID(owner)).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("max token version: %w", err)
	}
	return uint32(v), nil
}

func (s *PostgresStore) Update(ctx context.Context, t *models.Token, expected int64) error {
	res, err := tx.Q(ctx, s.db).ExecContext(ctx, `
		UPDATE tokens
		SET status = $1, status_changed_at = $2, expires_at = $3, row_version = row_version + 1
		WHERE id = $4 AND row_version = $5`,
		string(t.Status), t.StatusChangedAt, t.ExpiresAt, uuid.UUID(t.ID), expected,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("update token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if n == 0 {
		if _, err := s.FindByID(ctx, t.ID); err != nil {
			return err
		}
		return sentinel.ErrConflict
	}
	t.RowVersion = expected + 1
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner, op string) (*models.Token, error) {
	var (
		t          models.Token
		tokenID    uuid.UUID
		owner      uuid.UUID
		version    int64
		status     string
		expiresAt  sql.NullTime
		rotationOf uuid.NullUUID
		changedAt  time.Time
	)
	err := row.Scan(&tokenID, &t.Value, &owner, &version, &status, &t.IssuedAt,
		&expiresAt, &rotationOf, &t.RowVersion, &changedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	t.ID = id.TokenID(tokenID)
	t.OwnerID = id.PersonID(owner)
	t.Version = uint32(version)
	t.Status = models.Status(status)
	t.StatusChangedAt = changedAt
	if expiresAt.Valid {
		exp := expiresAt.Time
		t.ExpiresAt = &exp
	}
	if rotationOf.Valid {
		prev := id.TokenID(rotationOf.UUID)
		t.RotationOf = &prev
	}
	return &t, nil
}

func nullableTokenID(tid *id.TokenID) uuid.NullUUID {
	if tid == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*tid), Valid: true}
}
