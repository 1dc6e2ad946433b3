// Package billing connects users to Stripe: it creates checkout and portal
// sessions and folds Stripe webhook events into the subscriptions table.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/stripe"
)

var (
	ErrMissingUserID = errors.New("billing: userId is required")
	// ErrNoCustomer means the user never completed a subscription checkout,
	// so there is no Stripe customer to open a portal for.
	ErrNoCustomer    = errors.New("billing: no customer found for user")
	ErrNotConfigured = errors.New("billing: stripe price is not configured")
)

// SubscriptionStore is the slice of the store the billing service uses.
type SubscriptionStore interface {
	GetCustomerID(ctx context.Context, userID string) (string, error)
	GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
}

// StripeAPI is implemented by *stripe.Client.
type StripeAPI interface {
	CreateCheckoutSession(ctx context.Context, p stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
}

// Config holds the Stripe product settings for checkout.
type Config struct {
	PriceID    string
	AppBaseURL string
}

// Service creates checkout/portal sessions and applies webhook events.
type Service struct {
	store   SubscriptionStore
	stripe  StripeAPI
	priceID string
	baseURL string
}

// NewService wires a Service.
func NewService(store SubscriptionStore, api StripeAPI, cfg Config) (*Service, error) {
	if store == nil {
		return nil, errors.New("billing: store cannot be nil")
	}
	if api == nil {
		return nil, errors.New("billing: stripe client cannot be nil")
	}
	return &Service{
		store:   store,
		stripe:  api,
		priceID: cfg.PriceID,
		baseURL: strings.TrimRight(cfg.AppBaseURL, "/"),
	}, nil
}

// CheckoutParams is a checkout request for one user.
type CheckoutParams struct {
	UserID   string
	Email    string
	Embedded bool
}

// CreateCheckout opens a subscription checkout session. Hosted sessions
// return a URL and embedded sessions a client secret. A returning customer
// is attached to the session so Stripe keeps one customer per user.
func (s *Service) CreateCheckout(ctx context.Context, p CheckoutParams) (*models.CheckoutResponse, error) {
	if p.UserID == "" {
		return nil, ErrMissingUserID
	}
	if s.priceID == "" {
		return nil, ErrNotConfigured
	}

	customerID, err := s.store.GetCustomerID(ctx, p.UserID)
	if err != nil {
		if !errors.Is(err, models.ErrSubscriptionNotFound) {
			log.Printf("[billing] customer lookup failed for user %s, continuing without: %v", p.UserID, err)
		}
		customerID = ""
	}

	session, err := s.stripe.CreateCheckoutSession(ctx, stripe.CheckoutSessionParams{
		UserID:     p.UserID,
		CustomerID: customerID,
		Email:      p.Email,
		PriceID:    s.priceID,
		Embedded:   p.Embedded,
		SuccessURL: s.baseURL + "/?checkout=success&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  s.baseURL + "/?checkout=canceled",
		ReturnURL:  s.baseURL + "/?checkout=return&session_id={CHECKOUT_SESSION_ID}",
	})
	if err != nil {
		return nil, err
	}

	if p.Embedded {
		return &models.CheckoutResponse{ClientSecret: session.ClientSecret}, nil
	}
	return &models.CheckoutResponse{URL: session.URL}, nil
}

// CreatePortal opens a customer portal session for the user's Stripe
// customer.
func (s *Service) CreatePortal(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrMissingUserID
	}

	customerID, err := s.store.GetCustomerID(ctx, userID)
	if errors.Is(err, models.ErrSubscriptionNotFound) {
		return "", ErrNoCustomer
	}
	if err != nil {
		return "", fmt.Errorf("billing: lookup customer: %w", err)
	}

	return s.stripe.CreatePortalSession(ctx, customerID, s.baseURL+"/")
}

// CheckoutURL returns a hosted checkout URL for userID.
func (s *Service) CheckoutURL(ctx context.Context, userID string) (string, error) {
	resp, err := s.CreateCheckout(ctx, CheckoutParams{UserID: userID})
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

// PortalURL returns a customer portal URL for userID.
func (s *Service) PortalURL(ctx context.Context, userID string) (string, error) {
	return s.CreatePortal(ctx, userID)
}
