package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kelpejol/paygate/internal/audit"
)

var _ audit.Sink = (*Store)(nil)

// WriteEvent persists one audit event. Rewriting an event id already
// stored is a no-op, so retried writes are safe.
func (s *Store) WriteEvent(ctx context.Context, e audit.Event) error {
	var payload sql.NullString
	if len(e.Payload) > 0 {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
		payload = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO audit_events (id, actor_id, action, subject, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), e.ID, nullString(e.ActorID), e.Action, nullString(e.Subject), payload, millis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert audit event failed: %w", err)
	}
	return nil
}

// AuditEvents returns the most recent events, newest first.
func (s *Store) AuditEvents(ctx context.Context, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, actor_id, action, subject, payload, created_at
		FROM audit_events
		ORDER BY created_at DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("audit query failed: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e                         audit.Event
			actorID, subject, payload sql.NullString
			createdAt                 int64
		)
		if err := rows.Scan(&e.ID, &actorID, &e.Action, &subject, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("audit scan failed: %w", err)
		}
		e.ActorID = actorID.String
		e.Subject = subject.String
		e.CreatedAt = fromMillis(createdAt)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("audit %s payload: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
