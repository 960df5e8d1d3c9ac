package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"nser/internal/identity/models"
	"nser/internal/platform/postgres"
	id "nser/pkg/domain"
	"nser/pkg/platform/sentinel"
	"nser/pkg/platform/tx"
)

// graphLockKey is the advisory lock id shared by every identity graph
// writer and by exclusion registration.
const graphLockKey int64 = 0x6e73657267726170

// PostgresStore persists the identity graph in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Lock takes the graph-wide transaction lock. It must run inside a
// transaction; the lock is released on commit or rollback.
func (s *PostgresStore) Lock(ctx context.Context) error {
	sqlTx, ok := tx.From(ctx)
	if !ok {
		return errors.New("identity graph lock requires a transaction")
	}
	if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, graphLockKey); err != nil {
		return fmt.Errorf("lock identity graph: %w", err)
	}
	return nil
}

const linkColumns = `identifier_type, identifier_hash, fuzzy_key_hash, person_id, confidence, linked_at`

func (s *PostgresStore) FindLink(ctx context.Context, t models.IdentifierType, hash string) (*models.Link, error) {
	row := tx.Q(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM identity_links WHERE identifier_type = $1 AND identifier_hash = $2`,
		string(t), hash)
	return scanLink(row, "find link")
}

func (s *PostgresStore) SaveLink(ctx context.Context, l *models.Link) error {
	_, err := tx.Q(ctx, s.db).ExecContext(ctx, `
		INSERT INTO identity_links (`+linkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identifier_type, identifier_hash) DO UPDATE
		SET fuzzy_key_hash = EXCLUDED.fuzzy_key_hash,
			person_id = EXCLUDED.person_id,
			confidence = EXCLUDED.confidence`,
		string(l.Type), l.Hash, l.FuzzyHash, uuid.UUID(l.PersonID), l.Confidence, l.LinkedAt,
	)
	if err != nil {
		return fmt.Errorf("save link: %w", err)
	}
	return nil
}

func (s *PostgresStore) RepointLinks(ctx context.Context, from []id.PersonID, to id.PersonID) error {
	_, err := tx.Q(ctx, s.db).ExecContext(ctx,
		`UPDATE identity_links SET person_id = $1 WHERE person_id = ANY($2::uuid[])`,
		uuid.UUID(to), pq.Array(id.PersonIDStrings(from)))
	if err != nil {
		return fmt.Errorf("repoint links: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLinks(ctx context.Context, persons []id.PersonID) ([]*models.Link, error) {
	rows, err := tx.Q(ctx, s.db).QueryContext(ctx, `
		SELECT `+linkColumns+` FROM identity_links
		WHERE person_id = ANY($1::uuid[])
		ORDER BY person_id, identifier_type, identifier_hash`,
		pq.Array(id.PersonIDStrings(persons)))
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return collectLinks(rows)
}

func (s *PostgresStore) ListAllLinks(ctx context.Context) ([]*models.Link, error) {
	rows, err := tx.Q(ctx, s.db).QueryContext(ctx, `
		SELECT `+linkColumns+` FROM identity_links
		ORDER BY person_id, identifier_type, identifier_hash`)
	if err != nil {
		return nil, fmt.Errorf("list all links: %w", err)
	}
	return collectLinks(rows)
}

func collectLinks(rows *sql.Rows) ([]*models.Link, error) {
	defer rows.Close()
	var out []*models.Link
	for rows.Next() {
		l, err := scanLink(rows, "scan link")
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) FindNode(ctx context.Context, person id.PersonID) (*models.Node, error) {
	var (
		n             models.Node
		pid, parentID uuid.UUID
	)
	err := tx.Q(ctx, s.db).QueryRowContext(ctx,
		`SELECT person_id, parent_id, size, updated_at FROM person_nodes WHERE person_id = $1`,
		uuid.UUID(person)).Scan(&pid, &parentID, &n.Size, &n.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find node: %w", err)
	}
	n.PersonID = id.PersonID(pid)
	n.ParentID = id.PersonID(parentID)
	return &n, nil
}

func (s *PostgresStore) SaveNode(ctx context.Context, n *models.Node) error {
	_, err := tx.Q(ctx, s.db).ExecContext(ctx, `
		INSERT INTO person_nodes (person_id, parent_id, size, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (person_id) DO UPDATE
		SET parent_id = EXCLUDED.parent_id, size = EXCLUDED.size, updated_at = EXCLUDED.updated_at`,
		uuid.UUID(n.PersonID), uuid.UUID(n.ParentID), n.Size, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save node: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChildren(ctx context.Context, root id.PersonID) ([]id.PersonID, error) {
	rows, err := tx.Q(ctx, s.db).QueryContext(ctx, `
		SELECT person_id FROM person_nodes
		WHERE parent_id = $1 AND person_id <> $1
		ORDER BY person_id`, uuid.UUID(root))
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()
	var out []id.PersonID
	for rows.Next() {
		var pid uuid.UUID
		if err := rows.Scan(&pid); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		out = append(out, id.PersonID(pid))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return out, nil
}

const flagColumns = `id, pair_key, kind, person_ids, score, shared_keys, exclusions, status, created_at`

func (s *PostgresStore) CreateFlag(ctx context.Context, f *models.ReviewFlag) error {
	exclusions := make([]string, len(f.Exclusions))
	for i, e := range f.Exclusions {
		exclusions[i] = e.String()
	}
	_, err := tx.Q(ctx, s.db).ExecContext(ctx, `
		INSERT INTO review_flags (`+flagColumns+`)
		VALUES ($1, $2, $3, $4::uuid[], $5, $6, $7::uuid[], $8, $9)`,
		uuid.UUID(f.ID), f.PairKey, string(f.Kind), pq.Array(id.PersonIDStrings(f.PersonIDs)),
		f.Score, pq.Array(f.SharedKeys), pq.Array(exclusions), string(f.Status), f.CreatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("create flag: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFlags(ctx context.Context, status models.FlagStatus) ([]*models.ReviewFlag, error) {
	rows, err := tx.Q(ctx, s.db).QueryContext(ctx, `
		SELECT `+flagColumns+` FROM review_flags
		WHERE $1 = '' OR status = $1
		ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	var out []*models.ReviewFlag
	for rows.Next() {
		var (
			f                       models.ReviewFlag
			flagID                  uuid.UUID
			kind, st                string
			persons, keys, excluded pq.StringArray
		)
		if err := rows.Scan(&flagID, &f.PairKey, &kind, &persons, &f.Score, &keys, &excluded, &st, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		f.ID = id.FlagID(flagID)
		f.Kind = models.FlagKind(kind)
		f.Status = models.FlagStatus(st)
		f.SharedKeys = []string(keys)
		for _, p := range persons {
			pid, err := uuid.Parse(p)
			if err != nil {
				return nil, fmt.Errorf("scan flag person: %w", err)
			}
			f.PersonIDs = append(f.PersonIDs, id.PersonID(pid))
		}
		for _, e := range excluded {
			eid, err := uuid.Parse(e)
			if err != nil {
				return nil, fmt.Errorf("scan flag exclusion: %w", err)
			}
			f.Exclusions = append(f.Exclusions, id.ExclusionID(eid))
		}
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ResolveFlag(ctx context.Context, flagID id.FlagID) error {
	res, err := tx.Q(ctx, s.db).ExecContext(ctx,
		`UPDATE review_flags SET status = 'resolved' WHERE id = $1 AND status = 'open'`, uuid.UUID(flagID))
	if err != nil {
		return fmt.Errorf("resolve flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve flag: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := tx.Q(ctx, s.db).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM review_flags WHERE id = $1)`, uuid.UUID(flagID)).Scan(&exists); err != nil {
		return fmt.Errorf("resolve flag: %w", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return sentinel.ErrInvalidState
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner, op string) (*models.Link, error) {
	var (
		l      models.Link
		typ    string
		person uuid.UUID
	)
	if err := row.Scan(&typ, &l.Hash, &l.FuzzyHash, &person, &l.Confidence, &l.LinkedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	l.Type = models.IdentifierType(typ)
	l.PersonID = id.PersonID(person)
	return &l, nil
}
