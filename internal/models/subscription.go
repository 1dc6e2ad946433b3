package models

import (
	"errors"
	"time"
)

// ErrSubscriptionNotFound is the record store's "no rows" signal. It is an
// expected outcome, not a failure.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ErrSubscriptionSuperseded is returned by an upsert that lost to a newer
// provider event already stored on the row.
var ErrSubscriptionSuperseded = errors.New("subscription update superseded by a newer event")

// SubscriptionStatus mirrors the status values Stripe reports for a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionPaused            SubscriptionStatus = "paused"
)

// SubscriptionStatuses lists every status the subscriptions table accepts.
var SubscriptionStatuses = []SubscriptionStatus{
	SubscriptionActive,
	SubscriptionTrialing,
	SubscriptionPastDue,
	SubscriptionCanceled,
	SubscriptionIncomplete,
	SubscriptionIncompleteExpired,
	SubscriptionUnpaid,
	SubscriptionPaused,
}

// Valid reports whether s is one of the known provider statuses.
func (s SubscriptionStatus) Valid() bool {
	for _, known := range SubscriptionStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether the provider never moves a subscription out of
// this status.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionCanceled || s == SubscriptionIncompleteExpired
}

// Entitling reports whether the status can unlock premium features.
func (s SubscriptionStatus) Entitling() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing
}

// Subscription is one row of the subscriptions table. A user may have many
// rows over time; CreatedAt orders them.
type Subscription struct {
	ID                   int64              `json:"id"`
	UserID               string             `json:"userId"`
	StripeCustomerID     string             `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string             `json:"stripeSubscriptionId"`
	StripePriceID        string             `json:"stripePriceId,omitempty"`
	Status               SubscriptionStatus `json:"status"`
	CurrentPeriodEnd     *time.Time         `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd    bool               `json:"cancelAtPeriodEnd"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`

	// LastEventAt is the creation time of the provider event that produced
	// this state. Writers set it; reads do not load it.
	LastEventAt *time.Time `json:"-"`
}
