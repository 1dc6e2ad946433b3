package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
)

const (
	subscriptionsTable = "subscriptions"
	defaultHistorySize = 100
)

const subscriptionColumns = `
	id, user_id, stripe_customer_id, stripe_subscription_id, stripe_price_id,
	status, current_period_end, cancel_at_period_end, created_at, updated_at`

// Store provides database-backed accessors for subscription records.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// LatestSubscription returns the most recently created subscription row for
// the user, whatever its status. It returns models.ErrSubscriptionNotFound
// when the user has no rows.
func (s *Store) LatestSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1
`, subscriptionColumns, subscriptionsTable)

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns up to `limit` subscription rows for the user,
// newest first.
func (s *Store) ListSubscriptions(ctx context.Context, userID string, limit int) ([]models.Subscription, error) {
	if limit <= 0 || limit > defaultHistorySize {
		limit = defaultHistorySize
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`, subscriptionColumns, subscriptionsTable)

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate subscriptions: %w", err)
	}

	return subs, nil
}

// GetSubscriptionByStripeID looks a row up by its Stripe subscription id.
func (s *Store) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE stripe_subscription_id = $1
`, subscriptionColumns, subscriptionsTable)

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, stripeSubscriptionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subscription by stripe id: %w", err)
	}
	return sub, nil
}

// GetCustomerID returns the Stripe customer id of the user's newest
// customer-linked subscription.
func (s *Store) GetCustomerID(ctx context.Context, userID string) (string, error) {
	var customerID string
	err := s.db.QueryRowContext(ctx, `
SELECT stripe_customer_id
FROM subscriptions
WHERE user_id = $1 AND stripe_customer_id <> ''
ORDER BY created_at DESC, id DESC
LIMIT 1
`, userID).Scan(&customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.ErrSubscriptionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get customer id: %w", err)
	}
	return customerID, nil
}

// UpsertSubscription inserts a subscription row or updates the existing row
// with the same Stripe subscription id. The owning user and creation time of
// an existing row are never rewritten.
//
// An existing row is left alone, and ErrSubscriptionSuperseded returned, when
// it already holds a newer event than sub.LastEventAt or sits in a terminal
// status. Retried webhook jobs can arrive out of order; this keeps an older
// "active" event from reviving a canceled subscription.
func (s *Store) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub == nil {
		return errors.New("store: subscription cannot be nil")
	}
	if sub.UserID == "" || sub.StripeSubscriptionID == "" {
		return errors.New("store: subscription requires user id and stripe subscription id")
	}
	if !sub.Status.Valid() {
		return fmt.Errorf("store: unknown subscription status %q", sub.Status)
	}

	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
INSERT INTO subscriptions (
	user_id, stripe_customer_id, stripe_subscription_id, stripe_price_id,
	status, current_period_end, cancel_at_period_end, created_at, last_event_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (stripe_subscription_id) DO UPDATE SET
	stripe_customer_id = COALESCE(NULLIF(EXCLUDED.stripe_customer_id, ''), subscriptions.stripe_customer_id),
	stripe_price_id = COALESCE(NULLIF(EXCLUDED.stripe_price_id, ''), subscriptions.stripe_price_id),
	status = EXCLUDED.status,
	current_period_end = EXCLUDED.current_period_end,
	cancel_at_period_end = EXCLUDED.cancel_at_period_end,
	last_event_at = COALESCE(EXCLUDED.last_event_at, subscriptions.last_event_at),
	updated_at = now()
WHERE subscriptions.status NOT IN ('canceled', 'incomplete_expired')
	AND (subscriptions.last_event_at IS NULL
		OR EXCLUDED.last_event_at IS NULL
		OR subscriptions.last_event_at <= EXCLUDED.last_event_at)
RETURNING id, user_id, created_at, updated_at
`

	err := s.db.QueryRowContext(ctx, query,
		sub.UserID,
		sub.StripeCustomerID,
		sub.StripeSubscriptionID,
		sub.StripePriceID,
		string(sub.Status),
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		createdAt,
		sub.LastEventAt,
	).Scan(&sub.ID, &sub.UserID, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrSubscriptionSuperseded
	}
	if err != nil {
		return fmt.Errorf("store: upsert subscription: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		sub       models.Subscription
		status    string
		periodEnd sql.NullTime
	)

	if err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.StripeCustomerID,
		&sub.StripeSubscriptionID,
		&sub.StripePriceID,
		&status,
		&periodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return nil, err
	}

	sub.Status = models.SubscriptionStatus(status)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	return &sub, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
