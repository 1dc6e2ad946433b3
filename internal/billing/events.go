package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/stripe"
)

// Webhook event types the service acts on.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventSubscriptionPaused  = "customer.subscription.paused"
	EventSubscriptionResumed = "customer.subscription.resumed"
)

const userIDMetadataKey = "user_id"

// ApplyEvent folds one webhook event into the subscriptions table. Events it
// does not handle are ignored. A returned error means the event should be
// retried.
func (s *Service) ApplyEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil {
		return errors.New("billing: nil event")
	}

	switch event.Type {
	case EventCheckoutCompleted:
		return s.applyCheckoutCompleted(ctx, event)
	case EventSubscriptionCreated,
		EventSubscriptionUpdated,
		EventSubscriptionPaused,
		EventSubscriptionResumed:
		return s.applySubscription(ctx, event, stripe.SubscriptionFromEvent(event), "")
	case EventSubscriptionDeleted:
		sub := stripe.SubscriptionFromEvent(event)
		sub.Status = string(models.SubscriptionCanceled)
		return s.applySubscription(ctx, event, sub, "")
	default:
		log.Printf("[webhook] ignoring event %s (type: %s)", event.ID, event.Type)
		return nil
	}
}

func (s *Service) applyCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	obj := event.Object
	if mode, _ := obj["mode"].(string); mode != "" && mode != "subscription" {
		log.Printf("[webhook] checkout %s: ignoring mode %s", event.ID, mode)
		return nil
	}

	userID, _ := obj["client_reference_id"].(string)
	if userID == "" {
		if md, ok := obj["metadata"].(map[string]interface{}); ok {
			userID, _ = md[userIDMetadataKey].(string)
		}
	}

	var subscriptionID string
	switch v := obj["subscription"].(type) {
	case string:
		subscriptionID = v
	case map[string]interface{}:
		subscriptionID, _ = v["id"].(string)
	}
	if subscriptionID == "" {
		log.Printf("[webhook] checkout %s: no subscription on session", event.ID)
		return nil
	}

	sub, err := s.stripe.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("billing: fetch subscription %s: %w", subscriptionID, err)
	}
	if sub.CustomerID == "" {
		sub.CustomerID, _ = obj["customer"].(string)
	}

	return s.applySubscription(ctx, event, sub, userID)
}

// applySubscription upserts a Stripe subscription. The owning user comes from
// fallbackUserID, then subscription metadata, then an existing row. A row
// already holding a newer event is kept as is.
func (s *Service) applySubscription(ctx context.Context, event *stripe.Event, sub *stripe.Subscription, fallbackUserID string) error {
	eventID := event.ID
	if sub == nil || sub.ID == "" {
		log.Printf("[webhook] event %s: subscription object has no id", eventID)
		return nil
	}

	status := models.SubscriptionStatus(sub.Status)
	if !status.Valid() {
		log.Printf("[webhook] event %s: subscription %s has unknown status %q, skipping", eventID, sub.ID, sub.Status)
		return nil
	}

	userID := fallbackUserID
	if userID == "" {
		userID = sub.Metadata[userIDMetadataKey]
	}
	if userID == "" {
		existing, err := s.store.GetSubscriptionByStripeID(ctx, sub.ID)
		switch {
		case errors.Is(err, models.ErrSubscriptionNotFound):
			log.Printf("[webhook] event %s: no user for subscription %s, skipping", eventID, sub.ID)
			return nil
		case err != nil:
			return fmt.Errorf("billing: lookup subscription %s: %w", sub.ID, err)
		}
		userID = existing.UserID
	}

	record := &models.Subscription{
		UserID:               userID,
		StripeCustomerID:     sub.CustomerID,
		StripeSubscriptionID: sub.ID,
		StripePriceID:        sub.PriceID,
		Status:               status,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		CreatedAt:            sub.Created,
		LastEventAt:          eventTime(event),
	}
	err := s.store.UpsertSubscription(ctx, record)
	if errors.Is(err, models.ErrSubscriptionSuperseded) {
		log.Printf("[webhook] event %s: subscription %s already has newer state, skipping", eventID, sub.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("billing: save subscription %s: %w", sub.ID, err)
	}

	log.Printf("[webhook] event %s: subscription %s for user %s is %s", eventID, sub.ID, userID, status)
	return nil
}

func eventTime(event *stripe.Event) *time.Time {
	if event.Created <= 0 {
		return nil
	}
	t := time.Unix(event.Created, 0).UTC()
	return &t
}
