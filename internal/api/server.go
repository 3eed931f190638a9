// Package api provides the HTTP API server for the gatekeeper.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/ledger"
	"github.com/quantumlife/gatekeeper/internal/logging"
	"github.com/quantumlife/gatekeeper/internal/prediction"
	"github.com/quantumlife/gatekeeper/internal/strategy"
)

// TrustSaver persists the trust tracker after a state change
type TrustSaver interface {
	SaveTrust(ctx context.Context) error
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	strategy   *strategy.EngineeringStrategy
	prediction *prediction.Engine
	ledger     *ledger.Store
	saver      TrustSaver
	wsHub      *WebSocketHub

	validate *validator.Validate
}

// Config for the server. Prediction, Ledger and TrustSaver are optional;
// their routes answer 503 when unset.
type Config struct {
	Host       string
	Port       int
	Strategy   *strategy.EngineeringStrategy
	Prediction *prediction.Engine
	Ledger     *ledger.Store
	TrustSaver TrustSaver
}

// New creates a new API server
func New(cfg Config) *Server {
	s := &Server{
		strategy:   cfg.Strategy,
		prediction: cfg.Prediction,
		ledger:     cfg.Ledger,
		saver:      cfg.TrustSaver,
		wsHub:      NewWebSocketHub(),
		validate:   validator.New(),
	}

	if s.strategy != nil {
		s.strategy.Subscribe(func(ev strategy.Event) {
			s.Broadcast("decision", ev)
		})
	}

	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket stays outside the timeout middleware
	r.Get("/ws/decisions", s.wsHub.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(traceRequests)

		if s.strategy != nil {
			NewDecisionAPI(s).RegisterRoutes(r)
		}
		NewPredictionAPI(s).RegisterRoutes(r)
		NewLedgerAPI(s).RegisterRoutes(r)
	})

	s.router = r
}

// Start starts the HTTP server and blocks until it stops or ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	go s.wsHub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logging.WithField("addr", s.httpServer.Addr).Info("API server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Broadcast sends a message to all WebSocket clients
func (s *Server) Broadcast(msgType string, data interface{}) {
	s.wsHub.Broadcast(WebSocketMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":     "ok",
		"prediction": s.prediction != nil,
		"ledger":     s.ledger != nil,
		"ws_clients": s.wsHub.ClientCount(),
	}
	if s.strategy != nil {
		resp["mode"] = s.strategy.Mode()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// --- Response helpers ---

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps engine errors onto HTTP status codes
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrUnknownCategory), errors.Is(err, core.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrInvalidInput), errors.Is(err, core.ErrInvalidOutcome),
		errors.Is(err, core.ErrMissingRequired):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrNoVectorStore), errors.Is(err, core.ErrEmbeddingFailed),
		errors.Is(err, core.ErrLLMUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, core.ErrNoObservations):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logging.WithField("component", "api").Error("Request failed: %v", err)
	}
	s.respondError(w, status, err.Error())
}

// decode reads a JSON body into v and runs struct validation
func (s *Server) decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", core.ErrInvalidInput, err)
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", core.ErrInvalidInput, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) saveTrust(ctx context.Context) {
	if s.saver == nil {
		return
	}
	if err := s.saver.SaveTrust(ctx); err != nil {
		logging.WithField("component", "api").Warn("Failed to persist trust state: %v", err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
