// chaos/experiments.go
package chaos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"bookledger/internal/lending"

	"github.com/google/uuid"
)

// RegisterExperiments registers the lending-engine experiments. Every
// scenario hammers the real service against the shared database and then
// re-checks the inventory and ledger consistency metrics.
func (e *Engine) RegisterExperiments(svc lending.Service) {
	e.RegisterExperiment(e.LastCopyIssueRaceExperiment(svc, 25))
	e.RegisterExperiment(e.DoubleReturnRaceExperiment(svc, 25))
	e.RegisterExperiment(e.ConnectionPressureExperiment(svc, 10))
}

// consistencyMetrics are the steady-state properties every experiment must
// preserve: the availability flag always matches the counter, the counter
// stays within [0, total_copies], and per book the open loans plus on-shelf
// copies add up to the total tracked copies.
func (e *Engine) consistencyMetrics() []Metric {
	return []Metric{
		{
			Name: "inventory_consistency",
			Query: func(ctx context.Context) (float64, error) {
				var inconsistencies int
				err := e.db.QueryRowContext(ctx, `
					SELECT COUNT(*) FROM books
					WHERE quantity < 0
					OR quantity > total_copies
					OR is_available <> (quantity > 0)
				`).Scan(&inconsistencies)
				return float64(inconsistencies), err
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name: "ledger_consistency",
			Query: func(ctx context.Context) (float64, error) {
				var inconsistencies int
				err := e.db.QueryRowContext(ctx, `
					SELECT COUNT(*) FROM books b
					WHERE b.quantity + (
						SELECT COUNT(*) FROM loan_records lr
						WHERE lr.book_id = b.id AND NOT lr.is_returned
					) <> b.total_copies
				`).Scan(&inconsistencies)
				return float64(inconsistencies), err
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		},
	}
}

// LastCopyIssueRaceExperiment races concurrent issue requests for a book
// with a single remaining copy. Exactly one caller may win.
func (e *Engine) LastCopyIssueRaceExperiment(svc lending.Service, concurrency int) Experiment {
	var bookID uuid.UUID

	return Experiment{
		Name:        "last-copy-issue-race",
		Hypothesis:  "Concurrent issues of the last copy yield exactly one success and never oversell",
		SteadyState: e.consistencyMetrics(),
		Method: func(ctx context.Context) error {
			var err error
			bookID, err = e.seedFixtures(ctx, 1)
			if err != nil {
				return err
			}

			callerCtx := lending.WithCaller(ctx, chaosUsername)
			var wg sync.WaitGroup
			successes := make(chan *lending.Record, concurrency)
			failures := make(chan error, concurrency)

			for i := 0; i < concurrency; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					record, err := svc.IssueBook(callerCtx, bookID)
					if err != nil {
						failures <- err
						return
					}
					successes <- record
				}()
			}
			wg.Wait()
			close(successes)
			close(failures)

			if len(successes) != 1 {
				return fmt.Errorf("expected exactly 1 successful issue, got %d", len(successes))
			}
			for err := range failures {
				if !errors.Is(err, lending.ErrBookUnavailable) && !errors.Is(err, lending.ErrConflict) {
					return fmt.Errorf("unexpected issue failure: %w", err)
				}
			}

			var quantity int
			if err := e.db.QueryRowContext(ctx, `SELECT quantity FROM books WHERE id = $1`, bookID).Scan(&quantity); err != nil {
				return err
			}
			if quantity != 0 {
				return fmt.Errorf("expected quantity 0 after last-copy issue, got %d", quantity)
			}
			return nil
		},
		Rollback: func(ctx context.Context) error {
			return e.removeFixtures(ctx, bookID)
		},
		Validation: []Assertion{
			{
				Metric:    "inventory_consistency",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "availability flag and quantity bounds must hold after the race",
			},
		},
	}
}

// DoubleReturnRaceExperiment races concurrent returns of one record. The
// copy must be credited exactly once.
func (e *Engine) DoubleReturnRaceExperiment(svc lending.Service, concurrency int) Experiment {
	var bookID uuid.UUID

	return Experiment{
		Name:        "double-return-race",
		Hypothesis:  "Concurrent returns of the same record yield one success and credit inventory once",
		SteadyState: e.consistencyMetrics(),
		Method: func(ctx context.Context) error {
			var err error
			bookID, err = e.seedFixtures(ctx, 1)
			if err != nil {
				return err
			}

			callerCtx := lending.WithCaller(ctx, chaosUsername)
			record, err := svc.IssueBook(callerCtx, bookID)
			if err != nil {
				return fmt.Errorf("setup issue failed: %w", err)
			}

			var wg sync.WaitGroup
			successes := make(chan *lending.Record, concurrency)
			failures := make(chan error, concurrency)

			for i := 0; i < concurrency; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					returned, err := svc.ReturnBook(ctx, record.ID)
					if err != nil {
						failures <- err
						return
					}
					successes <- returned
				}()
			}
			wg.Wait()
			close(successes)
			close(failures)

			if len(successes) != 1 {
				return fmt.Errorf("expected exactly 1 successful return, got %d", len(successes))
			}
			for err := range failures {
				if !errors.Is(err, lending.ErrAlreadyReturned) && !errors.Is(err, lending.ErrConflict) {
					return fmt.Errorf("unexpected return failure: %w", err)
				}
			}

			var quantity int
			if err := e.db.QueryRowContext(ctx, `SELECT quantity FROM books WHERE id = $1`, bookID).Scan(&quantity); err != nil {
				return err
			}
			if quantity != 1 {
				return fmt.Errorf("expected quantity 1 after single credit, got %d", quantity)
			}
			return nil
		},
		Rollback: func(ctx context.Context) error {
			return e.removeFixtures(ctx, bookID)
		},
		Validation: []Assertion{
			{
				Metric:    "ledger_consistency",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "open loans plus on-shelf copies must equal total copies after the race",
			},
		},
	}
}

// ConnectionPressureExperiment runs issue/return round trips while most of
// the connection pool is held hostage. Operations may fail with transient
// conflicts but must never leave partial state behind.
func (e *Engine) ConnectionPressureExperiment(svc lending.Service, rounds int) Experiment {
	var bookID uuid.UUID
	var held []*sql.Conn

	return Experiment{
		Name:        "connection-pool-pressure",
		Hypothesis:  "Issue and return stay atomic while the connection pool is nearly exhausted",
		SteadyState: e.consistencyMetrics(),
		Method: func(ctx context.Context) error {
			var err error
			bookID, err = e.seedFixtures(ctx, 3)
			if err != nil {
				return err
			}

			for i := 0; i < 5; i++ {
				conn, err := e.db.Conn(ctx)
				if err != nil {
					break
				}
				held = append(held, conn)
			}

			callerCtx := lending.WithCaller(ctx, chaosUsername)
			for i := 0; i < rounds; i++ {
				record, err := svc.IssueBook(callerCtx, bookID)
				if err != nil {
					if errors.Is(err, lending.ErrConflict) || errors.Is(err, lending.ErrBookUnavailable) {
						continue
					}
					return fmt.Errorf("unexpected issue failure under pressure: %w", err)
				}
				if _, err := svc.ReturnBook(ctx, record.ID); err != nil && !errors.Is(err, lending.ErrConflict) {
					return fmt.Errorf("unexpected return failure under pressure: %w", err)
				}
			}
			return nil
		},
		Rollback: func(ctx context.Context) error {
			for _, conn := range held {
				conn.Close()
			}
			held = nil
			return e.removeFixtures(ctx, bookID)
		},
		Validation: []Assertion{
			{
				Metric:    "inventory_consistency",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "no partial state may survive connection pressure",
			},
		},
	}
}

const chaosUsername = "chaos-borrower"

// seedFixtures inserts the shared game-day borrower plus a throwaway book
// with the given copy count, returning the book ID.
func (e *Engine) seedFixtures(ctx context.Context, copies int) (uuid.UUID, error) {
	bookID := uuid.New()

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO borrowers (id, username, email, role)
		VALUES ($1, $2, $3, 'member')
		ON CONFLICT (username) DO NOTHING
	`, uuid.New(), chaosUsername, "chaos@bookledger.local")
	if err != nil {
		return uuid.Nil, fmt.Errorf("seed borrower: %w", err)
	}

	_, err = e.db.ExecContext(ctx, `
		INSERT INTO books (id, isbn, title, author, total_copies, quantity, is_available)
		VALUES ($1, $2, 'Chaos Fixture', 'Game Day', $3, $3, $3 > 0)
	`, bookID, fmt.Sprintf("chaos-%d", time.Now().UnixNano()), copies)
	if err != nil {
		return uuid.Nil, fmt.Errorf("seed book: %w", err)
	}
	return bookID, nil
}

func (e *Engine) removeFixtures(ctx context.Context, bookID uuid.UUID) error {
	if bookID == uuid.Nil {
		return nil
	}
	if _, err := e.db.ExecContext(ctx, `DELETE FROM loan_events WHERE loan_id IN (SELECT id FROM loan_records WHERE book_id = $1)`, bookID); err != nil {
		return err
	}
	if _, err := e.db.ExecContext(ctx, `DELETE FROM loan_records WHERE book_id = $1`, bookID); err != nil {
		return err
	}
	_, err := e.db.ExecContext(ctx, `DELETE FROM books WHERE id = $1`, bookID)
	return err
}
