// internal/catalog/implementation.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// service implements the Service interface against Postgres.
type service struct {
	db *sqlx.DB
}

// NewService creates a new catalog service instance.
func NewService(db *sqlx.DB) Service {
	return &service{db: db}
}

// AddBook creates a new title with all copies on the shelf.
func (s *service) AddBook(ctx context.Context, isbn, title, author string, totalCopies int) (*Book, error) {
	if totalCopies < 0 {
		return nil, fmt.Errorf("total copies must not be negative")
	}

	book := &Book{
		ID:          uuid.New(),
		ISBN:        isbn,
		Title:       title,
		Author:      author,
		TotalCopies: totalCopies,
		Quantity:    totalCopies,
		IsAvailable: totalCopies > 0,
	}

	query := `
		INSERT INTO books (id, isbn, title, author, total_copies, quantity, is_available)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		book.ID, book.ISBN, book.Title, book.Author,
		book.TotalCopies, book.Quantity, book.IsAvailable,
	).Scan(&book.CreatedAt, &book.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert book: %w", err)
	}

	return book, nil
}

// GetBook retrieves a book by its ID.
func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	book := &Book{}
	query := `
		SELECT id, isbn, title, author, total_copies, quantity, is_available, created_at, updated_at
		FROM books
		WHERE id = $1
	`
	if err := s.db.GetContext(ctx, book, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get book: %w", err)
	}
	return book, nil
}

// ListBooks returns the full catalog ordered by title.
func (s *service) ListBooks(ctx context.Context) ([]*Book, error) {
	var books []*Book
	query := `
		SELECT id, isbn, title, author, total_copies, quantity, is_available, created_at, updated_at
		FROM books
		ORDER BY title, id
	`
	if err := s.db.SelectContext(ctx, &books, query); err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

// UpdateBook updates a title's metadata and total copy count. The on-shelf
// quantity is left to the lending engine; availability is re-derived from
// the current quantity so the two cannot drift.
func (s *service) UpdateBook(ctx context.Context, id uuid.UUID, isbn, title, author string, totalCopies int) (*Book, error) {
	book := &Book{}
	query := `
		UPDATE books
		SET isbn = $1, title = $2, author = $3, total_copies = $4,
		    is_available = quantity > 0, updated_at = NOW()
		WHERE id = $5
		RETURNING id, isbn, title, author, total_copies, quantity, is_available, created_at, updated_at
	`
	if err := s.db.GetContext(ctx, book, query, isbn, title, author, totalCopies, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update book: %w", err)
	}
	return book, nil
}

// DeleteBook removes a title from the catalog.
func (s *service) DeleteBook(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM books WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Search finds books by title or author full-text match.
func (s *service) Search(ctx context.Context, query string) ([]*Book, error) {
	var books []*Book
	dbQuery := `
		SELECT id, isbn, title, author, total_copies, quantity, is_available, created_at, updated_at
		FROM books
		WHERE to_tsvector('english', title) @@ plainto_tsquery('english', $1)
		OR to_tsvector('english', author) @@ plainto_tsquery('english', $1)
		LIMIT 10
	`
	if err := s.db.SelectContext(ctx, &books, dbQuery, query); err != nil {
		return nil, fmt.Errorf("search books: %w", err)
	}
	return books, nil
}
