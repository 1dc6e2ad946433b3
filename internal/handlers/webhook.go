package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/store"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/stripe"
)

const maxWebhookBody = 1 << 20

// JobEnqueuer accepts work for the background worker.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// StripeWebhook handles POST /api/webhooks/stripe. Verified events are queued
// as stripe_event jobs and applied by the worker, so Stripe gets a fast 200
// and failed applications are retried. An empty secret skips verification.
func StripeWebhook(queue JobEnqueuer, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				log.Printf("[webhook] rejected payload over %d bytes", tooLarge.Limit)
				writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
				return
			}
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}

		if secret != "" {
			err := stripe.VerifyWebhookSignature(body, r.Header.Get("Stripe-Signature"), secret, stripe.DefaultSignatureTolerance)
			if err != nil {
				log.Printf("[webhook] rejected payload: %v", err)
				status := http.StatusBadRequest
				if errors.Is(err, stripe.ErrInvalidSignature) || errors.Is(err, stripe.ErrSignatureExpired) {
					status = http.StatusUnauthorized
				}
				writeError(w, status, "invalid signature")
				return
			}
		}

		event, err := stripe.ParseEvent(body)
		if err != nil {
			log.Printf("[webhook] failed to parse event: %v", err)
			writeError(w, http.StatusBadRequest, "invalid webhook payload")
			return
		}

		var payload models.JSONB
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid webhook payload")
			return
		}

		job := &models.Job{
			JobType:     models.JobTypeStripeEvent,
			Payload:     payload,
			MaxAttempts: models.DefaultJobMaxAttempts,
		}
		if event.ID != "" {
			job.DedupeKey = &event.ID
		}

		err = queue.Enqueue(r.Context(), job)
		if errors.Is(err, store.ErrDuplicateJob) {
			log.Printf("[webhook] event %s already queued, ignoring redelivery", event.ID)
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		if err != nil {
			log.Printf("[webhook] failed to enqueue event %s: %v", event.ID, err)
			writeError(w, http.StatusInternalServerError, "failed to queue event")
			return
		}

		log.Printf("[webhook] queued event %s (type: %s) as job %d", event.ID, event.Type, job.ID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
