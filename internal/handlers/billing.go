package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/billing"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/stripe"
)

// CheckoutService creates Stripe checkout and portal sessions.
type CheckoutService interface {
	CreateCheckout(ctx context.Context, p billing.CheckoutParams) (*models.CheckoutResponse, error)
	CreatePortal(ctx context.Context, userID string) (string, error)
}

// Checkout handles POST /api/checkout.
func Checkout(svc CheckoutService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			writeError(w, http.StatusServiceUnavailable, "billing is not configured")
			return
		}

		var req models.CheckoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}

		resp, err := svc.CreateCheckout(r.Context(), billing.CheckoutParams{
			UserID:   strings.TrimSpace(req.UserID),
			Email:    strings.TrimSpace(req.Email),
			Embedded: req.Embedded,
		})
		if err != nil {
			log.Printf("Checkout: user=%s: %v", req.UserID, err)
			writeBillingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// Portal handles POST /api/portal.
func Portal(svc CheckoutService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			writeError(w, http.StatusServiceUnavailable, "billing is not configured")
			return
		}

		var req models.PortalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}

		portalURL, err := svc.CreatePortal(r.Context(), strings.TrimSpace(req.UserID))
		if err != nil {
			log.Printf("Portal: user=%s: %v", req.UserID, err)
			writeBillingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, models.PortalResponse{URL: portalURL})
	}
}

func writeBillingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrMissingUserID):
		writeError(w, http.StatusBadRequest, "userId is required")
	case errors.Is(err, billing.ErrNoCustomer):
		writeError(w, http.StatusNotFound, "no customer found for user")
	case errors.Is(err, billing.ErrNotConfigured), errors.Is(err, stripe.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
