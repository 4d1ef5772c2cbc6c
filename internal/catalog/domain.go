// internal/catalog/domain.go
package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("book not found")

// Book is a catalog title. TotalCopies is the number of copies the library
// tracks; Quantity is how many of them are currently on the shelf.
// IsAvailable is a cache derived from Quantity and is re-derived on every
// write path, never set independently.
type Book struct {
	ID          uuid.UUID `json:"id" db:"id"`
	ISBN        string    `json:"isbn" db:"isbn"`
	Title       string    `json:"title" db:"title"`
	Author      string    `json:"author" db:"author"`
	TotalCopies int       `json:"total_copies" db:"total_copies"`
	Quantity    int       `json:"quantity" db:"quantity"`
	IsAvailable bool      `json:"is_available" db:"is_available"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
