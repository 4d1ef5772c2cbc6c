// internal/lending/domain.go
package lending

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// loanPeriodDays is the fixed loan duration applied to every issued book.
const loanPeriodDays = 14

var (
	ErrBookNotFound     = errors.New("book not found")
	ErrRecordNotFound   = errors.New("lending record not found")
	ErrBookUnavailable  = errors.New("book is not available")
	ErrBorrowerNotFound = errors.New("borrower not found")
	ErrAlreadyReturned  = errors.New("book is already returned")

	// ErrConflict is returned after the engine has exhausted its retries
	// on serialization failures. Safe to retry from the caller side.
	ErrConflict = errors.New("transaction conflict, retry the request")
)

// Record is one entry in the lending ledger. A record is created OPEN by a
// successful issue and closed exactly once by a successful return.
type Record struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	BookID     uuid.UUID  `json:"book_id" db:"book_id"`
	BorrowerID uuid.UUID  `json:"borrower_id" db:"borrower_id"`
	IssueDate  time.Time  `json:"issue_date" db:"issue_date"`
	DueDate    time.Time  `json:"due_date" db:"due_date"`
	ReturnDate *time.Time `json:"return_date,omitempty" db:"return_date"`
	IsReturned bool       `json:"is_returned" db:"is_returned"`
}

// newRecord constructs an open record. The due date is computed once here
// and never recomputed afterwards.
func newRecord(bookID, borrowerID uuid.UUID, now time.Time) *Record {
	return &Record{
		ID:         uuid.New(),
		BookID:     bookID,
		BorrowerID: borrowerID,
		IssueDate:  now,
		DueDate:    now.AddDate(0, 0, loanPeriodDays),
	}
}

// close transitions the record to its terminal returned state. Closing an
// already-returned record is rejected so that a second return attempt can
// never credit inventory twice.
func (r *Record) close(now time.Time) error {
	if r.IsReturned {
		return ErrAlreadyReturned
	}
	r.ReturnDate = &now
	r.IsReturned = true
	return nil
}

// book is the slice of a catalog row the engine owns during issue/return:
// the available-copy counter and its derived availability flag.
type book struct {
	ID          uuid.UUID
	Quantity    int
	IsAvailable bool
}

// issueOne takes one copy off the shelf. The availability flag is re-derived
// from the counter so the two can never drift apart.
func (b *book) issueOne() error {
	if b.Quantity <= 0 || !b.IsAvailable {
		return ErrBookUnavailable
	}
	b.Quantity--
	b.IsAvailable = b.Quantity > 0
	return nil
}

// returnOne puts one copy back. Availability is set unconditionally: a
// successful return always leaves at least one copy on the shelf.
func (b *book) returnOne() {
	b.Quantity++
	b.IsAvailable = true
}
