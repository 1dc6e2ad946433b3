package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/store"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/worker"
)

// JobReader exposes the webhook job queue for inspection.
type JobReader interface {
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	GetStats(ctx context.Context) (*models.JobStats, error)
}

// WorkerStats reports the in-process worker counters. *worker.Worker's
// GetStats method value satisfies it.
type WorkerStats func() worker.Stats

// JobStats handles GET /api/jobs/stats: queue counts by status, plus this
// process's worker counters when a worker is running.
func JobStats(jobs JobReader, local WorkerStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := jobs.GetStats(r.Context())
		if err != nil {
			log.Printf("JobStats: failed to get stats: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to get job stats")
			return
		}

		resp := struct {
			Queue  *models.JobStats `json:"queue"`
			Worker *worker.Stats    `json:"worker,omitempty"`
		}{Queue: stats}
		if local != nil {
			ws := local()
			resp.Worker = &ws
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// GetJob handles GET /api/jobs/{id}.
func GetJob(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid job ID")
			return
		}

		job, err := jobs.GetByID(r.Context(), jobID)
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			log.Printf("GetJob: failed to get job %d: %v", jobID, err)
			writeError(w, http.StatusInternalServerError, "failed to get job")
			return
		}

		writeJSON(w, http.StatusOK, job)
	}
}
