package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/stripe"
)

// EventApplier applies a Stripe event to local state. *billing.Service
// implements it.
type EventApplier interface {
	ApplyEvent(ctx context.Context, event *stripe.Event) error
}

// RegisterBillingJobs registers the Stripe webhook event handler.
func RegisterBillingJobs(w *Worker, applier EventApplier) {
	w.RegisterHandler(models.JobTypeStripeEvent, stripeEventHandler(applier))
	log.Printf("[worker] Registered billing job handlers: %s", models.JobTypeStripeEvent)
}

func stripeEventHandler(applier EventApplier) Handler {
	return func(ctx context.Context, job *models.Job) error {
		raw, err := json.Marshal(job.Payload)
		if err != nil {
			return Permanent(fmt.Errorf("encode stripe event payload: %w", err))
		}

		event, err := stripe.ParseEvent(raw)
		if err != nil {
			return Permanent(err)
		}

		return applier.ApplyEvent(ctx, event)
	}
}
