// internal/identity/implementation.go
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"golang.org/x/time/rate"
)

// service implements the Service interface.
type service struct {
	db          *sqlx.DB
	issuer      *TokenIssuer
	rateLimiter *rate.Limiter
}

// NewService creates a new identity service instance.
func NewService(db *sqlx.DB, issuer *TokenIssuer) Service {
	return &service{
		db:          db,
		issuer:      issuer,
		rateLimiter: rate.NewLimiter(rate.Every(time.Minute), 5), // 5 requests per minute
	}
}

// Register creates a new borrower with the member role.
func (s *service) Register(ctx context.Context, username, email, password string) (*Borrower, error) {
	return s.register(ctx, username, email, password, RoleMember)
}

// RegisterAdmin creates a new borrower with the admin role.
func (s *service) RegisterAdmin(ctx context.Context, username, email, password string) (*Borrower, error) {
	return s.register(ctx, username, email, password, RoleAdmin)
}

func (s *service) register(ctx context.Context, username, email, password, role string) (*Borrower, error) {
	if !s.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	passwordHash, salt, err := hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	borrower := &Borrower{
		ID:       uuid.New(),
		Username: username,
		Email:    email,
		Role:     role,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO borrowers (id, username, email, role)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, borrower.ID, borrower.Username, borrower.Email, borrower.Role).Scan(&borrower.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("insert borrower: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credentials (borrower_id, password_hash, salt)
		VALUES ($1, $2, $3)
	`, borrower.ID, passwordHash, salt)
	if err != nil {
		return nil, fmt.Errorf("insert credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return borrower, nil
}

// Login verifies credentials and returns a signed token plus the borrower.
func (s *service) Login(ctx context.Context, username, password string) (string, *Borrower, error) {
	if !s.rateLimiter.Allow() {
		return "", nil, ErrRateLimited
	}

	borrower, err := s.GetBorrowerByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}

	cred := &Credential{}
	err = s.db.GetContext(ctx, cred, `
		SELECT borrower_id, password_hash, salt
		FROM credentials
		WHERE borrower_id = $1
	`, borrower.ID)
	if err != nil {
		return "", nil, fmt.Errorf("get credential: %w", err)
	}

	ok, err := verifyPassword(password, cred.Salt, cred.PasswordHash)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.issuer.Issue(borrower)
	if err != nil {
		return "", nil, err
	}
	return token, borrower, nil
}

// GetBorrower retrieves a borrower by ID.
func (s *service) GetBorrower(ctx context.Context, id uuid.UUID) (*Borrower, error) {
	borrower := &Borrower{}
	err := s.db.GetContext(ctx, borrower, `
		SELECT id, username, email, role, created_at
		FROM borrowers
		WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get borrower: %w", err)
	}
	return borrower, nil
}

// GetBorrowerByUsername retrieves a borrower by username.
func (s *service) GetBorrowerByUsername(ctx context.Context, username string) (*Borrower, error) {
	borrower := &Borrower{}
	err := s.db.GetContext(ctx, borrower, `
		SELECT id, username, email, role, created_at
		FROM borrowers
		WHERE username = $1
	`, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get borrower by username: %w", err)
	}
	return borrower, nil
}
