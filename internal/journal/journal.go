// internal/journal/journal.go
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Event types recorded by the lending engine.
const (
	LoanIssued   = "LoanIssued"
	LoanReturned = "LoanReturned"
)

var ErrDuplicateEvent = errors.New("duplicate journal event for loan")

// Entry is one persisted journal row. The journal is append-only: entries
// are written inside the engine's transaction and never updated.
type Entry struct {
	ID        int64           `json:"id" db:"id"`
	LoanID    uuid.UUID       `json:"loan_id" db:"loan_id"`
	Seq       int             `json:"seq" db:"seq"`
	EventType string          `json:"event_type" db:"event_type"`
	EventData json.RawMessage `json:"event_data" db:"event_data"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// LoanEvent is the payload shape for both issue and return events.
type LoanEvent struct {
	BookID     uuid.UUID  `json:"book_id"`
	BorrowerID uuid.UUID  `json:"borrower_id"`
	DueDate    time.Time  `json:"due_date,omitempty"`
	ReturnDate *time.Time `json:"return_date,omitempty"`
}

// Append writes one event for a loan within tx, so the journal commits or
// rolls back together with the ledger and inventory mutations. The sequence
// number is derived inside the same transaction; the unique (loan_id, seq)
// constraint turns a race into ErrDuplicateEvent instead of silent loss.
func Append(ctx context.Context, tx *sql.Tx, loanID uuid.UUID, eventType string, payload LoanEvent) error {
	ctx, span := otel.Tracer("bookledger/journal").Start(ctx, "journal.append",
		trace.WithAttributes(
			attribute.String("loan.id", loanID.String()),
			attribute.String("event.type", eventType),
		),
	)
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO loan_events (loan_id, seq, event_type, event_data, created_at)
		VALUES (
			$1,
			COALESCE((SELECT MAX(seq) FROM loan_events WHERE loan_id = $1), 0) + 1,
			$2, $3, $4
		)
	`, loanID, eventType, data, time.Now().UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("insert event: %w", err)
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return nil
}

// LoanHistory returns a loan's journal entries in append order.
func LoanHistory(ctx context.Context, db *sql.DB, loanID uuid.UUID) ([]Entry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, loan_id, seq, event_type, event_data, created_at
		FROM loan_events
		WHERE loan_id = $1
		ORDER BY seq
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.LoanID, &e.Seq, &e.EventType, &e.EventData, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
