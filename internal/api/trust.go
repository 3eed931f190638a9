package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife/gatekeeper/internal/core"
)

// handleGetTrust returns every category's trust state
// GET /api/v1/trust
func (api *DecisionAPI) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	snaps := api.strategy.TrustSnapshot()
	api.srv.respondJSON(w, http.StatusOK, map[string]interface{}{
		"mode":       api.strategy.Mode(),
		"categories": snaps,
		"count":      len(snaps),
	})
}

// handleGetCategory returns one category's trust state and posterior
// GET /api/v1/trust/{category}
func (api *DecisionAPI) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	snap, ok := api.strategy.Tracker().Snapshot(category)
	if !ok {
		api.srv.respondErr(w, fmt.Errorf("%w: %s", core.ErrUnknownCategory, category))
		return
	}

	resp := map[string]interface{}{
		"category": snap,
		"breaker":  api.strategy.Breaker().Stats(category),
	}
	if stats, ok := api.strategy.ThompsonDiagnostics()[category]; ok {
		resp["thompson"] = stats
	}
	if p, ok := api.strategy.Tracker().ProbabilityAtMean(category); ok {
		resp["blr_probability"] = p
	}
	api.srv.respondJSON(w, http.StatusOK, resp)
}

// handleBreakerStats returns breaker statistics per category
// GET /api/v1/breaker
func (api *DecisionAPI) handleBreakerStats(w http.ResponseWriter, r *http.Request) {
	stats := api.strategy.BreakerStats()
	api.srv.respondJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": stats,
		"count":    len(stats),
	})
}

type tripRequest struct {
	Reason string `json:"reason"`
}

// handleBreakerTrip opens a category's breaker by hand
// POST /api/v1/breaker/{category}/trip
func (api *DecisionAPI) handleBreakerTrip(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if !api.strategy.Tracker().Has(category) {
		api.srv.respondErr(w, fmt.Errorf("%w: %s", core.ErrUnknownCategory, category))
		return
	}

	var req tripRequest
	if r.ContentLength > 0 {
		if err := api.srv.decode(r, &req); err != nil {
			api.srv.respondErr(w, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	api.strategy.Breaker().Trip(category, req.Reason)
	stats := api.strategy.Breaker().Stats(category)
	api.srv.Broadcast("breaker", stats)
	api.srv.respondJSON(w, http.StatusOK, stats)
}

// handleBreakerReset closes a category's breaker
// POST /api/v1/breaker/{category}/reset
func (api *DecisionAPI) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if !api.strategy.Tracker().Has(category) {
		api.srv.respondErr(w, fmt.Errorf("%w: %s", core.ErrUnknownCategory, category))
		return
	}
	api.strategy.Breaker().Reset(category)
	stats := api.strategy.Breaker().Stats(category)
	api.srv.Broadcast("breaker", stats)
	api.srv.respondJSON(w, http.StatusOK, stats)
}

// handleThompson returns the Thompson routing diagnostics
// GET /api/v1/thompson
func (api *DecisionAPI) handleThompson(w http.ResponseWriter, r *http.Request) {
	api.srv.respondJSON(w, http.StatusOK, api.strategy.ThompsonDiagnostics())
}

// handleConformalStatus returns the conformal wrapper state
// GET /api/v1/conformal
func (api *DecisionAPI) handleConformalStatus(w http.ResponseWriter, r *http.Request) {
	api.srv.respondJSON(w, http.StatusOK, api.strategy.ConformalStatus())
}

// handleCalibrate fits the conformal threshold from trust history
// POST /api/v1/conformal/calibrate
func (api *DecisionAPI) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	points, err := api.strategy.CalibrateConformal()
	if err != nil {
		api.srv.respondErr(w, err)
		return
	}
	api.srv.respondJSON(w, http.StatusOK, map[string]interface{}{
		"points": points,
		"status": api.strategy.ConformalStatus(),
	})
}
