package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	id "nser/pkg/domain"
	audit "nser/pkg/platform/audit"
	"nser/pkg/platform/tx"
)

// Store writes audit events to the audit_events table. Appends made inside a
// transition's transaction commit or roll back with it.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	category := event.Category
	if category == "" {
		category = audit.AuditEvent(event.Action).Category()
	}
	var personID uuid.NullUUID
	if !event.PersonID.IsNil() {
		personID = uuid.NullUUID{UUID: uuid.UUID(event.PersonID), Valid: true}
	}
	_, err := tx.Q(ctx, s.db).ExecContext(ctx, `
		INSERT INTO audit_events (
			id, category, timestamp, person_id, subject, action,
			reason, actor_id, request_id, client_ip
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.New(),
		string(category),
		event.Timestamp,
		personID,
		event.Subject,
		event.Action,
		event.Reason,
		event.ActorID,
		event.RequestID,
		event.ClientIP,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Store) ListByPerson(ctx context.Context, personID id.PersonID) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, timestamp, person_id, subject, action, reason, actor_id, request_id, client_ip
		FROM audit_events
		WHERE person_id = $1
		ORDER BY timestamp`, uuid.UUID(personID))
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, timestamp, person_id, subject, action, reason, actor_id, request_id, client_ip
		FROM audit_events
		ORDER BY timestamp DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		var (
			e        audit.Event
			category string
			personID uuid.NullUUID
		)
		if err := rows.Scan(&category, &e.Timestamp, &personID, &e.Subject, &e.Action,
			&e.Reason, &e.ActorID, &e.RequestID, &e.ClientIP); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Category = audit.EventCategory(category)
		if personID.Valid {
			e.PersonID = id.PersonID(personID.UUID)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
