// internal/identity/domain.go
package identity

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Borrower roles.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

var (
	ErrNotFound           = errors.New("borrower not found")
	ErrUsernameTaken      = errors.New("username already registered")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrRateLimited        = errors.New("rate limit exceeded")
)

// Borrower is a registered library user.
type Borrower struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	Email     string    `json:"email" db:"email"`
	Role      string    `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Credential holds a borrower's salted password hash. Never serialized.
type Credential struct {
	BorrowerID   uuid.UUID `db:"borrower_id"`
	PasswordHash string    `db:"password_hash"`
	Salt         string    `db:"salt"`
}
