// Package fhir implements data and terminology providers backed by a FHIR REST server.
package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Sentinel errors
var (
	ErrHTTPStatus      = errors.New("unexpected HTTP status")
	ErrInvalidResponse = errors.New("invalid FHIR response")
	ErrInvalidBaseURL  = errors.New("invalid FHIR base URL")
)

// DefaultTimeout bounds a single request when no client is supplied.
const DefaultTimeout = 30 * time.Second

// Client performs FHIR REST reads against one base URL.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	logger     *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for a FHIR server base such as http://fhirtest.uhn.ca/baseDstu3.
func NewClient(base string, options ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBaseURL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBaseURL, base)
	}

	c := &Client{
		base:       u,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zap.NewNop(),
	}

	for _, option := range options {
		option(c)
	}

	return c, nil
}

// Base returns the server base URL.
func (c *Client) Base() string {
	return c.base.String()
}

// resolve builds a URL below the base from a path and query
func (c *Client) resolve(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	u.RawQuery = query.Encode()

	return u.String()
}

// Get reads a JSON resource. Absolute URLs such as bundle next links are used as is.
func (c *Client) Get(ctx context.Context, target string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/fhir+json")

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request %s: %w", target, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("fhir request",
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response of %s: %w", target, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w %d from %s: %s", ErrHTTPStatus, resp.StatusCode, target, outcomeText(body))
	}

	var resource map[string]any
	if err := json.Unmarshal(body, &resource); err != nil {
		return nil, fmt.Errorf("%w from %s: %w", ErrInvalidResponse, target, err)
	}

	return resource, nil
}

// outcomeText extracts the diagnostics of an OperationOutcome body
func outcomeText(body []byte) string {
	var outcome struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Diagnostics string `json:"diagnostics"`
		} `json:"issue"`
	}

	if err := json.Unmarshal(body, &outcome); err != nil || outcome.ResourceType != "OperationOutcome" {
		text := strings.TrimSpace(string(body))
		if len(text) > 200 {
			text = text[:200]
		}

		return text
	}

	messages := make([]string, 0, len(outcome.Issue))
	for _, issue := range outcome.Issue {
		messages = append(messages, issue.Diagnostics)
	}

	return strings.Join(messages, "; ")
}
