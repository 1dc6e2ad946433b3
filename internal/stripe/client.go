package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
)

const defaultBaseURL = "https://api.stripe.com/v1"

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("stripe: temporarily unavailable")

// APIError is a non-2xx response from Stripe. Message is Stripe's own
// human-readable message and is safe to show to callers.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stripe API error (%d): %s", e.StatusCode, e.Message)
}

// Client wraps Stripe API calls using the REST API directly (no SDK dependency)
type Client struct {
	secretKey  string
	httpClient *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker[map[string]interface{}]
}

// Option customises a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root (tests, stripe-mock).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a new Stripe API client
func NewClient(secretKey string, opts ...Option) *Client {
	c := &Client{
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		baseURL:    defaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker[map[string]interface{}](gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// 4xx responses are answers, not outages.
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[stripe] circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return c
}

// CheckoutSessionParams describes a subscription checkout for one user.
type CheckoutSessionParams struct {
	UserID     string
	CustomerID string
	Email      string
	PriceID    string
	Embedded   bool
	SuccessURL string
	CancelURL  string
	ReturnURL  string
}

// CheckoutSession is the subset of Stripe's checkout session we use.
type CheckoutSession struct {
	ID           string
	URL          string
	ClientSecret string
}

// CreateCheckoutSession creates a Stripe Checkout session for a subscription.
// Hosted sessions return URL; embedded sessions return ClientSecret.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (*CheckoutSession, error) {
	if p.UserID == "" {
		return nil, errors.New("create checkout session: user id is required")
	}
	if p.PriceID == "" {
		return nil, errors.New("create checkout session: price id is required")
	}

	data := url.Values{}
	data.Set("mode", "subscription")
	data.Set("line_items[0][price]", p.PriceID)
	data.Set("line_items[0][quantity]", "1")
	data.Set("client_reference_id", p.UserID)
	data.Set("metadata[user_id]", p.UserID)
	data.Set("subscription_data[metadata][user_id]", p.UserID)

	switch {
	case p.CustomerID != "":
		data.Set("customer", p.CustomerID)
	case p.Email != "":
		data.Set("customer_email", p.Email)
	}

	if p.Embedded {
		data.Set("ui_mode", "embedded")
		data.Set("return_url", p.ReturnURL)
	} else {
		data.Set("success_url", p.SuccessURL)
		data.Set("cancel_url", p.CancelURL)
	}

	resp, err := c.post(ctx, "/checkout/sessions", data)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	session := &CheckoutSession{}
	session.ID, _ = resp["id"].(string)
	session.URL, _ = resp["url"].(string)
	session.ClientSecret, _ = resp["client_secret"].(string)
	if session.ID == "" {
		return nil, fmt.Errorf("create checkout session: missing session ID in response")
	}

	return session, nil
}

// CreatePortalSession creates a billing portal session for an existing
// customer and returns its URL.
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if customerID == "" {
		return "", errors.New("create portal session: customer id is required")
	}

	data := url.Values{}
	data.Set("customer", customerID)
	if returnURL != "" {
		data.Set("return_url", returnURL)
	}

	resp, err := c.post(ctx, "/billing_portal/sessions", data)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}

	portalURL, _ := resp["url"].(string)
	if portalURL == "" {
		return "", fmt.Errorf("create portal session: missing url in response")
	}
	return portalURL, nil
}

// GetSubscription fetches a subscription by id.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	if subscriptionID == "" {
		return nil, errors.New("get subscription: id is required")
	}

	resp, err := c.get(ctx, "/subscriptions/"+url.PathEscape(subscriptionID))
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	return subscriptionFromObject(resp), nil
}

// HTTP helpers

func (c *Client) post(ctx context.Context, path string, data url.Values) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.secretKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	return c.doRequest(req)
}

func (c *Client) get(ctx context.Context, path string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.secretKey, "")

	return c.doRequest(req)
}

func (c *Client) doRequest(req *http.Request) (map[string]interface{}, error) {
	result, err := c.breaker.Execute(func() (map[string]interface{}, error) {
		return c.roundTrip(req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrUnavailable
	}
	return result, err
}

func (c *Client) roundTrip(req *http.Request) (map[string]interface{}, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stripe request failed: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("read stripe response: %w", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("parse stripe response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: "unknown error"}
		if errObj, ok := result["error"].(map[string]interface{}); ok {
			if m, ok := errObj["message"].(string); ok && m != "" {
				apiErr.Message = m
			}
			apiErr.Type, _ = errObj["type"].(string)
			apiErr.Code, _ = errObj["code"].(string)
		}
		return nil, apiErr
	}

	return result, nil
}
