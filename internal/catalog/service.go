// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the catalog service. Quantity and
// availability are mutated here only through catalog maintenance; the
// lending engine owns them during issue and return.
type Service interface {
	AddBook(ctx context.Context, isbn, title, author string, totalCopies int) (*Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	ListBooks(ctx context.Context) ([]*Book, error)
	UpdateBook(ctx context.Context, id uuid.UUID, isbn, title, author string, totalCopies int) (*Book, error)
	DeleteBook(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, query string) ([]*Book, error)
}
