package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/prediction"
)

// PredictionAPI exposes the notification prediction engine
type PredictionAPI struct {
	srv    *Server
	engine *prediction.Engine
}

// NewPredictionAPI creates the prediction handlers
func NewPredictionAPI(srv *Server) *PredictionAPI {
	return &PredictionAPI{srv: srv, engine: srv.prediction}
}

// RegisterRoutes registers prediction routes
func (api *PredictionAPI) RegisterRoutes(r chi.Router) {
	r.Route("/predictions", func(r chi.Router) {
		r.Use(api.requireEngine)
		r.Post("/", api.handlePredict)
		r.Get("/accuracy", api.handleAccuracy)
		r.Post("/{id}/outcome", api.handleOutcome)
	})
}

func (api *PredictionAPI) requireEngine(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if api.engine == nil {
			api.srv.respondError(w, http.StatusServiceUnavailable, "prediction engine not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type predictRequest struct {
	ID           string                 `json:"id" validate:"required"`
	Message      string                 `json:"message" validate:"required"`
	SenderID     string                 `json:"sender_id"`
	ResponseType string                 `json:"response_type"`
	Options      []string               `json:"options"`
	Context      map[string]interface{} `json:"context"`
}

// handlePredict predicts the human's answer to a notification
// POST /api/v1/predictions
func (api *PredictionAPI) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := api.srv.decode(r, &req); err != nil {
		api.srv.respondErr(w, err)
		return
	}
	rt := core.ResponseType(req.ResponseType)
	if rt == "" {
		rt = core.ResponseYesNo
	}

	res := api.engine.Predict(r.Context(), core.Notification{
		ID:           req.ID,
		Message:      req.Message,
		SenderID:     req.SenderID,
		ResponseType: rt,
		Options:      req.Options,
		Context:      req.Context,
	})
	api.srv.Broadcast("prediction", res)
	api.srv.respondJSON(w, http.StatusOK, res)
}

type predictionOutcomeRequest struct {
	Prediction   prediction.Result `json:"prediction"`
	Actual       interface{}       `json:"actual" validate:"required"`
	ResponseType string            `json:"response_type"`
}

// handleOutcome scores a prediction against the actual answer
// POST /api/v1/predictions/{id}/outcome
func (api *PredictionAPI) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req predictionOutcomeRequest
	if err := api.srv.decode(r, &req); err != nil {
		api.srv.respondErr(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	report := api.engine.RecordOutcome(r.Context(), id, req.Prediction, req.Actual, core.ResponseType(req.ResponseType))
	api.srv.respondJSON(w, http.StatusOK, report)
}

// handleAccuracy returns the rolling accuracy summary
// GET /api/v1/predictions/accuracy?window_days=&category=&response_type=
func (api *PredictionAPI) handleAccuracy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	summary := api.engine.AccuracySummary(r.Context(), queryInt(r, "window_days", 30), q.Get("category"), q.Get("response_type"))
	api.srv.respondJSON(w, http.StatusOK, summary)
}
