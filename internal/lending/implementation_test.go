// internal/lending/implementation_test.go
package lending

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"bookledger/internal/journal"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pqSerializationFailure = pq.Error{Code: "40001"}
	pqDeadlockDetected     = pq.Error{Code: "40P01"}
)

// setupTestDB attempts to connect to a PostgreSQL database for testing.
// It skips the test if the connection cannot be established.
func setupTestDB(t testing.TB) *sql.DB {
	t.Helper()

	pgUser := getenvDefault("PGUSER", "user")
	pgPassword := getenvDefault("PGPASSWORD", "password")
	pgHost := getenvDefault("PGHOST", "localhost")
	pgPort := getenvDefault("PGPORT", "5432")
	pgDB := getenvDefault("PGDATABASE", "testdb")

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort, pgUser, pgPassword, pgDB)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("skipping: could not connect to postgres: %v", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS books (
			id UUID PRIMARY KEY,
			isbn TEXT NOT NULL,
			title TEXT NOT NULL,
			author TEXT NOT NULL,
			total_copies INT NOT NULL CHECK (total_copies >= 0),
			quantity INT NOT NULL CHECK (quantity >= 0),
			is_available BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS borrowers (
			id UUID PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS loan_records (
			id UUID PRIMARY KEY,
			book_id UUID NOT NULL,
			borrower_id UUID NOT NULL,
			issue_date TIMESTAMPTZ NOT NULL,
			due_date TIMESTAMPTZ NOT NULL,
			return_date TIMESTAMPTZ,
			is_returned BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE TABLE IF NOT EXISTS loan_events (
			id BIGSERIAL PRIMARY KEY,
			loan_id UUID NOT NULL,
			seq INT NOT NULL,
			event_type TEXT NOT NULL,
			event_data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (loan_id, seq)
		);
	`)
	if err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	return db
}

func getenvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// testResolver resolves borrowers straight from the test database.
type testResolver struct {
	db *sql.DB
}

func (r *testResolver) ResolveBorrower(ctx context.Context, username string) (*Borrower, error) {
	borrower := &Borrower{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username FROM borrowers WHERE username = $1`, username,
	).Scan(&borrower.ID, &borrower.Username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBorrowerNotFound
		}
		return nil, err
	}
	return borrower, nil
}

func seedBorrower(t testing.TB, db *sql.DB) (uuid.UUID, string) {
	t.Helper()
	id := uuid.New()
	username := fmt.Sprintf("borrower-%s", id)
	_, err := db.Exec(`
		INSERT INTO borrowers (id, username, email, role)
		VALUES ($1, $2, $3, 'member')
	`, id, username, username+"@example.com")
	require.NoError(t, err)
	return id, username
}

func seedBook(t testing.TB, db *sql.DB, copies int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := db.Exec(`
		INSERT INTO books (id, isbn, title, author, total_copies, quantity, is_available)
		VALUES ($1, $2, 'The Go Programming Language', 'Donovan & Kernighan', $3, $3, $3 > 0)
	`, id, fmt.Sprintf("isbn-%s", id), copies)
	require.NoError(t, err)
	return id
}

func bookState(t testing.TB, db *sql.DB, id uuid.UUID) (int, bool) {
	t.Helper()
	var quantity int
	var isAvailable bool
	err := db.QueryRow(`SELECT quantity, is_available FROM books WHERE id = $1`, id).
		Scan(&quantity, &isAvailable)
	require.NoError(t, err)
	return quantity, isAvailable
}

// requireInvariants asserts that the availability flag matches the counter
// and that open loans plus on-shelf copies equal the total copy count.
func requireInvariants(t testing.TB, db *sql.DB, bookID uuid.UUID) {
	t.Helper()

	var quantity, totalCopies, openLoans int
	var isAvailable bool
	err := db.QueryRow(`
		SELECT b.quantity, b.total_copies, b.is_available,
			(SELECT COUNT(*) FROM loan_records lr WHERE lr.book_id = b.id AND NOT lr.is_returned)
		FROM books b WHERE b.id = $1
	`, bookID).Scan(&quantity, &totalCopies, &isAvailable, &openLoans)
	require.NoError(t, err)

	assert.Equal(t, quantity > 0, isAvailable, "is_available must equal quantity > 0")
	assert.GreaterOrEqual(t, quantity, 0, "quantity must never go negative")
	assert.LessOrEqual(t, quantity, totalCopies, "quantity must never exceed total copies")
	assert.Equal(t, totalCopies, quantity+openLoans, "open loans plus on-shelf copies must equal total copies")
}

func TestIssueAndReturnScenario(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := NewService(db, &testResolver{db: db})
	_, username := seedBorrower(t, db)
	bookID := seedBook(t, db, 1)
	ctx := WithCaller(context.Background(), username)

	// Issue the last copy.
	record, err := svc.IssueBook(ctx, bookID)
	require.NoError(t, err)
	assert.False(t, record.IsReturned)
	assert.Nil(t, record.ReturnDate)
	assert.Equal(t, record.IssueDate.AddDate(0, 0, 14), record.DueDate)

	quantity, isAvailable := bookState(t, db, bookID)
	assert.Equal(t, 0, quantity)
	assert.False(t, isAvailable)
	requireInvariants(t, db, bookID)

	// A second issue must be rejected without touching anything.
	_, err = svc.IssueBook(ctx, bookID)
	assert.ErrorIs(t, err, ErrBookUnavailable)
	quantity, _ = bookState(t, db, bookID)
	assert.Equal(t, 0, quantity)

	// Return restores the pre-issue state.
	returned, err := svc.ReturnBook(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, returned.IsReturned)
	require.NotNil(t, returned.ReturnDate)

	quantity, isAvailable = bookState(t, db, bookID)
	assert.Equal(t, 1, quantity)
	assert.True(t, isAvailable)
	requireInvariants(t, db, bookID)

	// A repeated return is rejected and the book stays unchanged.
	_, err = svc.ReturnBook(ctx, record.ID)
	assert.ErrorIs(t, err, ErrAlreadyReturned)
	quantity, isAvailable = bookState(t, db, bookID)
	assert.Equal(t, 1, quantity)
	assert.True(t, isAvailable)
}

func TestIssueUnknownBook(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := NewService(db, &testResolver{db: db})
	_, username := seedBorrower(t, db)
	ctx := WithCaller(context.Background(), username)

	_, err := svc.IssueBook(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestIssueUnknownBorrower(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := NewService(db, &testResolver{db: db})
	bookID := seedBook(t, db, 1)
	ctx := WithCaller(context.Background(), "nobody-registered")

	_, err := svc.IssueBook(ctx, bookID)
	assert.ErrorIs(t, err, ErrBorrowerNotFound)

	// The failed issue must not have taken a copy.
	quantity, isAvailable := bookState(t, db, bookID)
	assert.Equal(t, 1, quantity)
	assert.True(t, isAvailable)
}

func TestIssueWithoutCaller(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := NewService(db, &testResolver{db: db})
	bookID := seedBook(t, db, 1)

	_, err := svc.IssueBook(context.Background(), bookID)
	assert.ErrorIs(t, err, ErrBorrowerNotFound)
}

func TestReturnUnknownRecord(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := NewService(db, &testResolver{db: db})

	_, err := svc.ReturnBook(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestConcurrentIssueOfLastCopy(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := NewService(db, &testResolver{db: db})
	_, username := seedBorrower(t, db)
	bookID := seedBook(t, db, 1)
	ctx := WithCaller(context.Background(), username)

	const callers = 2
	var wg sync.WaitGroup
	results := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.IssueBook(ctx, bookID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, unavailable int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrBookUnavailable):
			unavailable++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, successes, "exactly one caller may get the last copy")
	assert.Equal(t, 1, unavailable)

	quantity, isAvailable := bookState(t, db, bookID)
	assert.Equal(t, 0, quantity)
	assert.False(t, isAvailable)
	requireInvariants(t, db, bookID)
}

func TestConcurrentDoubleReturn(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := NewService(db, &testResolver{db: db})
	_, username := seedBorrower(t, db)
	bookID := seedBook(t, db, 1)
	ctx := WithCaller(context.Background(), username)

	record, err := svc.IssueBook(ctx, bookID)
	require.NoError(t, err)

	const callers = 2
	var wg sync.WaitGroup
	results := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ReturnBook(ctx, record.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, alreadyReturned int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrAlreadyReturned):
			alreadyReturned++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, successes, "exactly one return may close the record")
	assert.Equal(t, 1, alreadyReturned)

	// The copy was credited exactly once.
	quantity, _ := bookState(t, db, bookID)
	assert.Equal(t, 1, quantity)
	requireInvariants(t, db, bookID)
}

func TestGetRecordAndListBorrowerRecords(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := NewService(db, &testResolver{db: db})
	borrowerID, username := seedBorrower(t, db)
	bookID := seedBook(t, db, 2)
	ctx := WithCaller(context.Background(), username)

	first, err := svc.IssueBook(ctx, bookID)
	require.NoError(t, err)
	second, err := svc.IssueBook(ctx, bookID)
	require.NoError(t, err)

	got, err := svc.GetRecord(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, bookID, got.BookID)

	records, err := svc.ListBorrowerRecords(ctx, borrowerID)
	require.NoError(t, err)
	require.Len(t, records, 2)

	ids := []uuid.UUID{records[0].ID, records[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)
}

func TestJournalRecordsIssueAndReturn(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := NewService(db, &testResolver{db: db})
	_, username := seedBorrower(t, db)
	bookID := seedBook(t, db, 1)
	ctx := WithCaller(context.Background(), username)

	record, err := svc.IssueBook(ctx, bookID)
	require.NoError(t, err)
	_, err = svc.ReturnBook(ctx, record.ID)
	require.NoError(t, err)

	entries, err := journal.LoanHistory(ctx, db, record.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, journal.LoanIssued, entries[0].EventType)
	assert.Equal(t, journal.LoanReturned, entries[1].EventType)
	assert.Equal(t, 1, entries[0].Seq)
	assert.Equal(t, 2, entries[1].Seq)
}

func TestRoundTripRestoresPreIssueState(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := NewService(db, &testResolver{db: db})
	_, username := seedBorrower(t, db)
	bookID := seedBook(t, db, 3)
	ctx := WithCaller(context.Background(), username)

	beforeQuantity, beforeAvailable := bookState(t, db, bookID)

	record, err := svc.IssueBook(ctx, bookID)
	require.NoError(t, err)
	returned, err := svc.ReturnBook(ctx, record.ID)
	require.NoError(t, err)

	afterQuantity, afterAvailable := bookState(t, db, bookID)
	assert.Equal(t, beforeQuantity, afterQuantity)
	assert.Equal(t, beforeAvailable, afterAvailable)
	assert.True(t, returned.IsReturned)
	require.NotNil(t, returned.ReturnDate)
	assert.Equal(t, returned.IssueDate.AddDate(0, 0, 14), returned.DueDate)
	requireInvariants(t, db, bookID)
}

func TestManyBorrowersDrainInventory(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := NewService(db, &testResolver{db: db})
	bookID := seedBook(t, db, 4)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)

	for i := 0; i < callers; i++ {
		_, username := seedBorrower(t, db)
		wg.Add(1)
		go func(username string) {
			defer wg.Done()
			ctx := WithCaller(context.Background(), username)
			_, err := svc.IssueBook(ctx, bookID)
			results <- err
		}(username)
	}
	wg.Wait()
	close(results)

	var successes int
	for err := range results {
		if err == nil {
			successes++
		} else {
			require.ErrorIs(t, err, ErrBookUnavailable)
		}
	}

	assert.Equal(t, 4, successes, "every tracked copy is issued exactly once")
	quantity, isAvailable := bookState(t, db, bookID)
	assert.Equal(t, 0, quantity)
	assert.False(t, isAvailable)
	requireInvariants(t, db, bookID)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(nil))
	assert.False(t, isRetryable(errors.New("plain")))
	assert.False(t, isRetryable(ErrBookUnavailable))
	assert.True(t, isRetryable(&pqSerializationFailure))
	assert.True(t, isRetryable(fmt.Errorf("commit transaction: %w", &pqDeadlockDetected)))
}

func TestTodayIsDateGranular(t *testing.T) {
	now := today()
	assert.Equal(t, 0, now.Hour())
	assert.Equal(t, 0, now.Minute())
	assert.Equal(t, time.UTC, now.Location())
}
