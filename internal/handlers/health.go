package handlers

import (
	"context"
	"log"
	"net/http"
	"time"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Health reports liveness plus database reachability and whether billing is
// configured. A failed ping answers 503. db may be nil.
func Health(db Pinger, billingEnabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		payload := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"billing":   billingEnabled,
		}

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				log.Printf("Health: database ping failed: %v", err)
				status = http.StatusServiceUnavailable
				payload["status"] = "degraded"
				payload["database"] = "unreachable"
			} else {
				payload["database"] = "ok"
			}
		}

		writeJSON(w, status, payload)
	}
}
