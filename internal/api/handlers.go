package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dealhound/deal-scraper/internal/cost"
	"github.com/dealhound/deal-scraper/internal/models"
	"github.com/dealhound/deal-scraper/internal/orchestrator"
)

// Scheduler is the slice of the orchestrator the admin surface needs.
type Scheduler interface {
	TriggerManual() error
	Start()
	Stop()
	Stats() orchestrator.Stats
	LastResult() *orchestrator.CycleResult
}

// CostReporter exposes the current day's spending ledger.
type CostReporter interface {
	Summary() cost.Summary
}

// DealLister reads stored deals.
type DealLister interface {
	List(ctx context.Context, source string, limit int) ([]*models.Deal, error)
}

type Handlers struct {
	scheduler Scheduler
	costs     CostReporter
	deals     DealLister
	logger    *slog.Logger
}

func NewHandlers(scheduler Scheduler, costs CostReporter, deals DealLister, logger *slog.Logger) *Handlers {
	return &Handlers{
		scheduler: scheduler,
		costs:     costs,
		deals:     deals,
		logger:    logger,
	}
}

// StatusResponse combines scheduler state with the last completed cycle.
type StatusResponse struct {
	Stats     orchestrator.Stats        `json:"stats"`
	LastCycle *orchestrator.CycleResult `json:"last_cycle,omitempty"`
}

// GetStatus handles scheduler status retrieval
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, StatusResponse{
		Stats:     h.scheduler.Stats(),
		LastCycle: h.scheduler.LastResult(),
	})
}

// TriggerCycle starts a scrape cycle outside the schedule. The cycle runs
// in the background; a cycle already in flight yields 409.
func (h *Handlers) TriggerCycle(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.TriggerManual(); err != nil {
		if errors.Is(err, orchestrator.ErrCycleInFlight) {
			h.respondError(w, http.StatusConflict, "a cycle is already running")
			return
		}
		h.logger.Error("failed to trigger cycle", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to trigger cycle")
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]string{"status": "cycle started"})
}

// StartScheduler arms the cycle timer.
func (h *Handlers) StartScheduler(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Start()
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "scheduler started"})
}

// StopScheduler disarms the cycle timer. A cycle in flight finishes.
func (h *Handlers) StopScheduler(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Stop()
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "scheduler stopped"})
}

// GetCostSummary reports today's metered AI spend.
func (h *Handlers) GetCostSummary(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.costs.Summary())
}

// ListDeals returns stored deals, optionally filtered by source.
func (h *Handlers) ListDeals(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 500 {
			h.respondError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	deals, err := h.deals.List(r.Context(), source, limit)
	if err != nil {
		h.logger.Error("failed to list deals", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list deals")
		return
	}
	if deals == nil {
		deals = []*models.Deal{}
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"count": len(deals),
		"deals": deals,
	})
}

// Helper methods
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
