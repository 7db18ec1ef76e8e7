package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/garnizeh/chainlance/internal/jobs"
)

// HealthChecker reports whether a dependency is reachable. *chain.Client
// satisfies it for the read channel.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type SystemHandler struct {
	// Checks are probed by ReadyHandler, keyed by dependency name.
	Checks map[string]HealthChecker
}

func (h *SystemHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, `{"status":"ok","service":"chainlance"}`)
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ReadyHandler probes every dependency and answers 503 when one is down.
func (h *SystemHandler) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := readyResponse{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK
	for name, c := range h.Checks {
		if err := c.Health(ctx); err != nil {
			logger.Warn("readiness check failed", slog.String("check", name), slog.Any("err", err))
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, resp, status)
}

func (h *SystemHandler) VersionHandler(version, buildTime string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"version":"%s","buildTime":"%s"}`, version, buildTime)
	}
}

// JobsHandler exposes the background refresh queue.
type JobsHandler struct {
	repo *jobs.Repository
	pool *jobs.WorkerPool
	// attempts is the retry budget of refreshes enqueued over HTTP.
	attempts int
}

func NewJobsHandler(repo *jobs.Repository, pool *jobs.WorkerPool, attempts int) *JobsHandler {
	if attempts <= 0 {
		attempts = 3
	}
	return &JobsHandler{repo: repo, pool: pool, attempts: attempts}
}

func (h *JobsHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, badRequestf("limit must be a positive integer"))
			return
		}
		limit = n
	}
	dl, err := h.repo.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, dl, http.StatusOK)
}

type enqueueResponse struct {
	JobID     int64 `json:"jobId,omitempty"`
	Coalesced bool  `json:"coalesced"`
}

// EnqueueRefresh queues a background refresh of the authenticated wallet.
// A refresh already waiting for the same account absorbs the request.
func (h *JobsHandler) EnqueueRefresh(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := h.pool.EnqueueRefresh(r.Context(), wallet, h.attempts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, enqueueResponse{JobID: id, Coalesced: id == 0}, http.StatusAccepted)
}
