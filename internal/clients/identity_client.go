// internal/clients/identity_client.go
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"bookledger/internal/lending"

	"github.com/sony/gobreaker"
)

// IdentityClient resolves borrowers over the identity service's HTTP API.
// It implements lending.BorrowerResolver. Calls run through a circuit
// breaker so a dead identity service fails issue requests fast instead of
// holding the engine's row locks for the full timeout.
type IdentityClient struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewIdentityClient(baseURL string) *IdentityClient {
	return &IdentityClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "identity",
			Timeout: 10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// ResolveBorrower looks up a borrower by username.
func (c *IdentityClient) ResolveBorrower(ctx context.Context, username string) (*lending.Borrower, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.getBorrower(ctx, username)
	})
	if err != nil {
		return nil, err
	}
	return result.(*lending.Borrower), nil
}

func (c *IdentityClient) getBorrower(ctx context.Context, username string) (*lending.Borrower, error) {
	endpoint := fmt.Sprintf("%s/borrowers/username/%s", c.baseURL, url.PathEscape(username))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var borrower lending.Borrower
	if err := json.NewDecoder(resp.Body).Decode(&borrower); err != nil {
		return nil, err
	}
	return &borrower, nil
}
