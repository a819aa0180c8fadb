package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vaultline/escrow/internal/domain"
	"github.com/vaultline/escrow/internal/store"
)

// EventRepo is the SQLite implementation of store.EventStore.
type EventRepo struct {
	db *sql.DB
}

var _ store.EventStore = (*EventRepo)(nil)

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

// Append assigns the next sequence number within the transaction and
// inserts the event. The UNIQUE(transaction_id, seq) constraint keeps
// concurrent appends from sharing a slot; on a collision the insert is
// retried with a fresh sequence number.
func (r *EventRepo) Append(ctx context.Context, ev *domain.Event) error {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		var seq int64
		err := r.db.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), 0) + 1 FROM transaction_events WHERE transaction_id = ?",
			ev.TransactionID).Scan(&seq)
		if err != nil {
			return fmt.Errorf("next seq: %w", err)
		}

		_, err = r.db.ExecContext(ctx,
			`INSERT INTO transaction_events (id, transaction_id, seq, type, actor, detail, created_at)
			VALUES (?,?,?,?,?,?,?)`,
			ev.ID, ev.TransactionID, seq, string(ev.Type), string(ev.Actor),
			ev.Detail, ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err == nil {
			ev.Seq = seq
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("append event: %w", lastErr)
}

func (r *EventRepo) ListByTransaction(ctx context.Context, transactionID string) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, transaction_id, seq, type, actor, detail, created_at
		FROM transaction_events WHERE transaction_id = ? ORDER BY seq`,
		transactionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var typ, actor, createdAt string
		var detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TransactionID, &ev.Seq, &typ, &actor, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = domain.EventType(typ)
		ev.Actor = domain.Actor(actor)
		ev.Detail = detail.String
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}
