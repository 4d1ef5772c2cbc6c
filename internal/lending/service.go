// internal/lending/service.go
package lending

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the lending service.
type Service interface {
	IssueBook(ctx context.Context, bookID uuid.UUID) (*Record, error)
	ReturnBook(ctx context.Context, recordID uuid.UUID) (*Record, error)
	GetRecord(ctx context.Context, recordID uuid.UUID) (*Record, error)
	ListBorrowerRecords(ctx context.Context, borrowerID uuid.UUID) ([]*Record, error)
}

// Borrower is the identity slice the engine needs to stamp a record.
type Borrower struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
}

// BorrowerResolver resolves the authenticated caller to a borrower. The
// engine never reaches into the identity store itself.
type BorrowerResolver interface {
	ResolveBorrower(ctx context.Context, username string) (*Borrower, error)
}

type callerKey struct{}

// WithCaller stamps the authenticated username into the context. The HTTP
// layer sets it after verifying the bearer token.
func WithCaller(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, callerKey{}, username)
}

// CallerFromContext extracts the username placed by WithCaller.
func CallerFromContext(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(callerKey{}).(string)
	return username, ok && username != ""
}
