// internal/lending/implementation.go
package lending

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bookledger/internal/journal"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxAttempts bounds the internal retries on serialization conflicts. The
// preconditions are re-checked on every attempt, so retrying is idempotent.
const maxAttempts = 3

// service implements the Service interface. Issue and return each run as a
// single serializable transaction that locks the contended rows, so the
// quantity counter, the availability flag and the ledger can never diverge.
type service struct {
	db       *sql.DB
	resolver BorrowerResolver
	tracer   trace.Tracer
}

// NewService creates a new lending service instance.
func NewService(db *sql.DB, resolver BorrowerResolver) Service {
	return &service{
		db:       db,
		resolver: resolver,
		tracer:   otel.Tracer("bookledger/lending"),
	}
}

// IssueBook checks one copy of a book out to the authenticated caller.
func (s *service) IssueBook(ctx context.Context, bookID uuid.UUID) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "lending.issue",
		trace.WithAttributes(attribute.String("book.id", bookID.String())),
	)
	defer span.End()

	username, ok := CallerFromContext(ctx)
	if !ok {
		return nil, ErrBorrowerNotFound
	}

	return s.withRetry(ctx, func() (*Record, error) {
		return s.issueOnce(ctx, bookID, username, today())
	})
}

func (s *service) issueOnce(ctx context.Context, bookID uuid.UUID, username string, now time.Time) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	b, err := lockBook(ctx, tx, bookID)
	if err != nil {
		return nil, err
	}
	if err := b.issueOne(); err != nil {
		return nil, err
	}

	borrower, err := s.resolver.ResolveBorrower(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBorrowerNotFound, username)
	}

	record := newRecord(bookID, borrower.ID, now)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO loan_records (id, book_id, borrower_id, issue_date, due_date, is_returned)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.ID, record.BookID, record.BorrowerID, record.IssueDate, record.DueDate, record.IsReturned)
	if err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}

	if err := saveBook(ctx, tx, b); err != nil {
		return nil, err
	}

	if err := journal.Append(ctx, tx, record.ID, journal.LoanIssued, journal.LoanEvent{
		BookID:     record.BookID,
		BorrowerID: record.BorrowerID,
		DueDate:    record.DueDate,
	}); err != nil {
		return nil, fmt.Errorf("journal issue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return record, nil
}

// ReturnBook checks one copy back in and closes its ledger record. Calling
// it twice for the same record yields exactly one success; the loser fails
// with ErrAlreadyReturned and the quantity is credited exactly once.
func (s *service) ReturnBook(ctx context.Context, recordID uuid.UUID) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "lending.return",
		trace.WithAttributes(attribute.String("record.id", recordID.String())),
	)
	defer span.End()

	return s.withRetry(ctx, func() (*Record, error) {
		return s.returnOnce(ctx, recordID, today())
	})
}

func (s *service) returnOnce(ctx context.Context, recordID uuid.UUID, now time.Time) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	record, err := lockRecord(ctx, tx, recordID)
	if err != nil {
		return nil, err
	}
	if err := record.close(now); err != nil {
		return nil, err
	}

	b, err := lockBook(ctx, tx, record.BookID)
	if err != nil {
		// The referenced book must exist; its absence is a consistency
		// fault inside the store, not a caller error.
		if errors.Is(err, ErrBookNotFound) {
			return nil, fmt.Errorf("ledger inconsistency: record %s references missing book %s", record.ID, record.BookID)
		}
		return nil, err
	}
	b.returnOne()

	if err := saveBook(ctx, tx, b); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE loan_records
		SET return_date = $1, is_returned = TRUE
		WHERE id = $2
	`, record.ReturnDate, record.ID)
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	if err := journal.Append(ctx, tx, record.ID, journal.LoanReturned, journal.LoanEvent{
		BookID:     record.BookID,
		BorrowerID: record.BorrowerID,
		ReturnDate: record.ReturnDate,
	}); err != nil {
		return nil, fmt.Errorf("journal return: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return record, nil
}

// GetRecord retrieves one lending record by its ID.
func (s *service) GetRecord(ctx context.Context, recordID uuid.UUID) (*Record, error) {
	record := &Record{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, book_id, borrower_id, issue_date, due_date, return_date, is_returned
		FROM loan_records
		WHERE id = $1
	`, recordID).Scan(
		&record.ID, &record.BookID, &record.BorrowerID,
		&record.IssueDate, &record.DueDate, &record.ReturnDate, &record.IsReturned,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return record, nil
}

// ListBorrowerRecords returns a borrower's loan history, newest first.
func (s *service) ListBorrowerRecords(ctx context.Context, borrowerID uuid.UUID) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, borrower_id, issue_date, due_date, return_date, is_returned
		FROM loan_records
		WHERE borrower_id = $1
		ORDER BY issue_date DESC, id
	`, borrowerID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record := &Record{}
		if err := rows.Scan(
			&record.ID, &record.BookID, &record.BorrowerID,
			&record.IssueDate, &record.DueDate, &record.ReturnDate, &record.IsReturned,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// withRetry re-runs the transactional attempt on serialization failures and
// deadlocks. Request-level errors are permanent and bubble out unchanged;
// exhausted retries surface as ErrConflict.
func (s *service) withRetry(ctx context.Context, attempt func() (*Record, error)) (*Record, error) {
	record, err := backoff.Retry(ctx, func() (*Record, error) {
		record, err := attempt()
		if err != nil && !isRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return record, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxAttempts),
	)
	if err != nil {
		if isRetryable(err) {
			return nil, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return nil, err
	}
	return record, nil
}

// isRetryable reports whether err is a transient store conflict
// (serialization_failure or deadlock_detected).
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func lockBook(ctx context.Context, tx *sql.Tx, bookID uuid.UUID) (*book, error) {
	b := &book{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, quantity, is_available
		FROM books
		WHERE id = $1
		FOR UPDATE
	`, bookID).Scan(&b.ID, &b.Quantity, &b.IsAvailable)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("lock book: %w", err)
	}
	return b, nil
}

func lockRecord(ctx context.Context, tx *sql.Tx, recordID uuid.UUID) (*Record, error) {
	record := &Record{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, book_id, borrower_id, issue_date, due_date, return_date, is_returned
		FROM loan_records
		WHERE id = $1
		FOR UPDATE
	`, recordID).Scan(
		&record.ID, &record.BookID, &record.BorrowerID,
		&record.IssueDate, &record.DueDate, &record.ReturnDate, &record.IsReturned,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("lock record: %w", err)
	}
	return record, nil
}

func saveBook(ctx context.Context, tx *sql.Tx, b *book) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE books
		SET quantity = $1, is_available = $2, updated_at = NOW()
		WHERE id = $3
	`, b.Quantity, b.IsAvailable, b.ID)
	if err != nil {
		return fmt.Errorf("update book: %w", err)
	}
	return nil
}

// today truncates wall time to the calendar date; issue, due and return
// dates are date-granular.
func today() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour)
}
