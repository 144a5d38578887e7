// Package jira implements the Jira extractors and transformers.
package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ternarybob/colligo/internal/models"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default rate limit (requests per second).
	DefaultRateLimit = 5

	// PageSize is the page size requested from paginated endpoints.
	PageSize = 50
)

// Client is a thin rate-limited Jira REST client. Base URL and credential
// are supplied per call because both vary per integration.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a client with the default timeout and rate limit.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}
}

// get performs an authenticated GET and decodes the JSON response, returning
// the raw body alongside so extractors can persist it verbatim.
func (c *Client) get(ctx context.Context, baseURL, token, path string, params url.Values, result interface{}) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, models.Retryable("rate limit wait interrupted", err)
	}

	reqURL := baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, models.Retryable("jira request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.Retryable("jira response read failed", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, models.AuthError(fmt.Sprintf("jira rejected credentials (status %d, endpoint %s)", resp.StatusCode, path), nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, models.Retryable(fmt.Sprintf("jira returned status %d for %s", resp.StatusCode, path), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, models.SchemaError(fmt.Sprintf("jira returned status %d for %s", resp.StatusCode, path), nil)
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return nil, models.SchemaError("failed to decode jira response", err)
		}
	}
	return body, nil
}
