// Package directory is the HTTP client for the external user directory, the
// roster authority for ALL and ROLE targeting.
//
// Calls run behind a circuit breaker and a bulkhead. When the breaker is
// open or the bulkhead is saturated the client fails loudly with
// domain.ErrDirectoryUnavailable: targeting must never proceed on a stale or
// partial roster.
package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// Client calls the user directory service.
type Client struct {
	baseURL  string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	bulkhead chan struct{}
}

// New constructs a Client. maxConcurrent bounds in-flight directory calls.
func New(baseURL string, timeout time.Duration, maxConcurrent int) *Client {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "user-directory",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		breaker:  cb,
		bulkhead: make(chan struct{}, maxConcurrent),
	}
}

type rosterResponse struct {
	UserIDs []string `json:"userIds"`
}

// AllUsers returns the full roster.
func (c *Client) AllUsers(ctx domain.Context) ([]string, error) {
	return c.fetch(ctx, c.baseURL+"/v1/users")
}

// UsersInRole returns the members of a role.
func (c *Client) UsersInRole(ctx domain.Context, role string) ([]string, error) {
	return c.fetch(ctx, c.baseURL+"/v1/roles/"+url.PathEscape(role)+"/users")
}

func (c *Client) fetch(ctx domain.Context, u string) ([]string, error) {
	select {
	case c.bulkhead <- struct{}{}:
		defer func() { <-c.bulkhead }()
	default:
		return nil, fmt.Errorf("op=directory.fetch: bulkhead full: %w", domain.ErrDirectoryUnavailable)
	}

	res, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("directory status %d", resp.StatusCode)
		}
		var body rosterResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, err
		}
		return body.UserIDs, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("op=directory.fetch: circuit open: %w", domain.ErrDirectoryUnavailable)
		}
		return nil, fmt.Errorf("op=directory.fetch: %w: %v", domain.ErrDirectoryUnavailable, err)
	}
	ids, _ := res.([]string)
	return ids, nil
}
