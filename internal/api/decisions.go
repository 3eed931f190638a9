package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/strategy"
)

// DecisionAPI exposes the engineering strategy over HTTP
type DecisionAPI struct {
	srv      *Server
	strategy *strategy.EngineeringStrategy
}

// NewDecisionAPI creates the decision handlers
func NewDecisionAPI(srv *Server) *DecisionAPI {
	return &DecisionAPI{srv: srv, strategy: srv.strategy}
}

// RegisterRoutes registers decision, trust and diagnostics routes
func (api *DecisionAPI) RegisterRoutes(r chi.Router) {
	r.Post("/evaluate", api.handleEvaluate)
	r.Post("/outcomes", api.handleRecordOutcome)
	r.Post("/ratify", api.handleRatify)

	r.Route("/trust", func(r chi.Router) {
		r.Get("/", api.handleGetTrust)
		r.Get("/{category}", api.handleGetCategory)
	})

	r.Route("/breaker", func(r chi.Router) {
		r.Get("/", api.handleBreakerStats)
		r.Post("/{category}/trip", api.handleBreakerTrip)
		r.Post("/{category}/reset", api.handleBreakerReset)
	})

	r.Get("/thompson", api.handleThompson)

	r.Route("/conformal", func(r chi.Router) {
		r.Get("/", api.handleConformalStatus)
		r.Post("/calibrate", api.handleCalibrate)
	})
}

type evaluateRequest struct {
	Question string                 `json:"question" validate:"required"`
	SenderID string                 `json:"sender_id"`
	Context  map[string]interface{} `json:"context"`
}

// handleEvaluate gates one question
// POST /api/v1/evaluate
func (api *DecisionAPI) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := api.srv.decode(r, &req); err != nil {
		api.srv.respondErr(w, err)
		return
	}
	res := api.strategy.Evaluate(r.Context(), req.Question, req.SenderID, req.Context)
	api.srv.respondJSON(w, http.StatusOK, res)
}

type outcomeRequest struct {
	Category   string  `json:"category" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Outcome    string  `json:"outcome" validate:"required"`
}

// handleRecordOutcome applies human feedback to a category
// POST /api/v1/outcomes
func (api *DecisionAPI) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := api.srv.decode(r, &req); err != nil {
		api.srv.respondErr(w, err)
		return
	}
	outcome, err := core.ParseOutcome(req.Outcome)
	if err != nil {
		api.srv.respondErr(w, err)
		return
	}

	tr, err := api.strategy.RecordOutcome(req.Category, req.Confidence, outcome)
	if err != nil {
		api.srv.respondErr(w, err)
		return
	}
	api.srv.saveTrust(r.Context())

	if tr.Changed() {
		api.srv.Broadcast("trust", tr)
	}
	api.srv.respondJSON(w, http.StatusOK, tr)
}

type ratifyRequest struct {
	Question string `json:"question" validate:"required"`
	Category string `json:"category" validate:"required"`
	Value    string `json:"value" validate:"required"`
}

// handleRatify stores a human-confirmed decision as a precedent
// POST /api/v1/ratify
func (api *DecisionAPI) handleRatify(w http.ResponseWriter, r *http.Request) {
	var req ratifyRequest
	if err := api.srv.decode(r, &req); err != nil {
		api.srv.respondErr(w, err)
		return
	}
	if err := api.strategy.Ratify(r.Context(), req.Question, req.Category, req.Value); err != nil {
		api.srv.respondErr(w, err)
		return
	}
	api.srv.respondJSON(w, http.StatusCreated, map[string]string{
		"status":   "ratified",
		"category": req.Category,
	})
}
