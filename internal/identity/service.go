// internal/identity/service.go
package identity

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the identity service.
type Service interface {
	Register(ctx context.Context, username, email, password string) (*Borrower, error)
	RegisterAdmin(ctx context.Context, username, email, password string) (*Borrower, error)
	Login(ctx context.Context, username, password string) (string, *Borrower, error)
	GetBorrower(ctx context.Context, id uuid.UUID) (*Borrower, error)
	GetBorrowerByUsername(ctx context.Context, username string) (*Borrower, error)
}
