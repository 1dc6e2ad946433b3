package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
)

// HTTPError is a non-2xx response from the backend. Message is the backend's
// error string.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// Client calls the backend's billing and entitlement endpoints. It satisfies
// entitlement.Payments and entitlement.RecordStore for processes without
// direct database access.
type Client struct {
	baseURL    string
	httpClient *http.Client
	email      string
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithEmail pre-fills the checkout email.
func WithEmail(email string) ClientOption {
	return func(c *Client) { c.email = email }
}

// WithClientHTTP replaces the underlying HTTP client.
func WithClientHTTP(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckoutURL asks the backend for a hosted checkout session.
func (c *Client) CheckoutURL(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrMissingUserID
	}

	var resp models.CheckoutResponse
	err := c.do(ctx, http.MethodPost, "/api/checkout", models.CheckoutRequest{UserID: userID, Email: c.email}, &resp)
	if err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", errors.New("billing: checkout response has no url")
	}
	return resp.URL, nil
}

// PortalURL asks the backend for a customer portal session.
func (c *Client) PortalURL(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrMissingUserID
	}

	var resp models.PortalResponse
	err := c.do(ctx, http.MethodPost, "/api/portal", models.PortalRequest{UserID: userID}, &resp)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", ErrNoCustomer, httpErr.Message)
		}
		return "", err
	}
	if resp.URL == "" {
		return "", errors.New("billing: portal response has no url")
	}
	return resp.URL, nil
}

// LatestSubscription reads the user's newest subscription row through the
// entitlement endpoint.
func (c *Client) LatestSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	var resp models.EntitlementResponse
	path := "/api/entitlement?user_id=" + url.QueryEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Record == nil {
		return nil, models.ErrSubscriptionNotFound
	}
	return resp.Record, nil
}

// ListSubscriptions reads the user's subscription rows, newest first.
func (c *Client) ListSubscriptions(ctx context.Context, userID string, limit int) ([]models.Subscription, error) {
	var resp struct {
		Subscriptions []models.Subscription `json:"subscriptions"`
	}
	path := fmt.Sprintf("/api/subscriptions?user_id=%s&limit=%d", url.QueryEscape(userID), limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("billing: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("billing: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("billing: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("billing: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp models.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return &HTTPError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("billing: decode response: %w", err)
	}
	return nil
}
