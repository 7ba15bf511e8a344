// internal/ledger/history.go
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// appendHistory inserts entries inside the caller's transaction so they commit
// atomically with the counter update that produced them.
func (s *PostgresStore) appendHistory(ctx context.Context, tx *sql.Tx, m *Member, entries []HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reward_history (id, member_id, type, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	span := trace.SpanFromContext(ctx)
	for i, e := range entries {
		e = fillEntry(e, m.Serial, m.UpdatedAt)
		if _, err := stmt.ExecContext(ctx, e.ID, m.ID, string(e.Type), e.Description, e.CreatedAt); err != nil {
			return fmt.Errorf("insert history entry %d: %w", i, err)
		}
		span.AddEvent("history.appended", trace.WithAttributes(
			attribute.String("history.id", e.ID.String()),
			attribute.String("history.type", string(e.Type)),
		))
	}
	return nil
}

// History returns the member's reward history, newest first.
func (s *PostgresStore) History(ctx context.Context, serial string) ([]HistoryEntry, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.history",
		trace.WithAttributes(attribute.String("member.serial", serial)),
	)
	defer span.End()

	var memberID int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM members WHERE member_id = $1`, serial).Scan(&memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query member: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, description, created_at
		FROM reward_history
		WHERE member_id = $1
		ORDER BY seq DESC
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		e := HistoryEntry{Serial: serial}
		var typ string
		if err := rows.Scan(&e.ID, &typ, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.Type = HistoryType(typ)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	span.SetAttributes(attribute.Int("history.loaded", len(entries)))
	return entries, nil
}
