package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/entitlement"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
)

// SubscriptionReader is the read side of the subscriptions table.
type SubscriptionReader interface {
	LatestSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	ListSubscriptions(ctx context.Context, userID string, limit int) ([]models.Subscription, error)
}

// Entitlement handles GET /api/entitlement?user_id=. It applies the
// entitlement rule to the user's newest subscription row. Lookup failures
// answer "not premium" rather than an error.
func Entitlement(reader SubscriptionReader, now func() time.Time) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user_id query parameter is required")
			return
		}

		record, err := reader.LatestSubscription(r.Context(), userID)
		switch {
		case errors.Is(err, models.ErrSubscriptionNotFound):
			record = nil
		case err != nil:
			log.Printf("Entitlement: lookup failed for user=%s: %v", userID, err)
			record = nil
		}

		isPremium := entitlement.Evaluate(record, now())
		writeJSON(w, http.StatusOK, models.EntitlementResponse{
			UserID:    userID,
			IsPremium: isPremium,
			Record:    record,
			Features:  entitlement.Features(isPremium),
		})
	}
}

// Subscriptions handles GET /api/subscriptions?user_id=&limit=, returning the
// user's subscription rows newest first.
func Subscriptions(reader SubscriptionReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user_id query parameter is required")
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = parsed
		}

		subs, err := reader.ListSubscriptions(r.Context(), userID, limit)
		if err != nil {
			log.Printf("Subscriptions: list failed for user=%s: %v", userID, err)
			writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
			return
		}
		if subs == nil {
			subs = []models.Subscription{}
		}

		writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
	}
}
