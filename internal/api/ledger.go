package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife/gatekeeper/internal/ledger"
)

// LedgerAPI serves the decision audit chain. Read-only.
type LedgerAPI struct {
	srv   *Server
	store *ledger.Store
}

// NewLedgerAPI creates the ledger routes for srv
func NewLedgerAPI(srv *Server) *LedgerAPI {
	return &LedgerAPI{srv: srv, store: srv.ledger}
}

// RegisterRoutes mounts /ledger
func (api *LedgerAPI) RegisterRoutes(r chi.Router) {
	r.Route("/ledger", func(r chi.Router) {
		r.Use(api.requireStore)
		r.Get("/", api.handleList)
		r.Get("/summary", api.handleSummary)
		r.Get("/verify", api.handleVerify)
		r.Get("/entry/{id}", api.handleEntry)
		r.Get("/categories/{category}", api.handleCategoryHistory)
		r.Get("/breakers/{category}", api.handleBreakerHistory)
	})
}

func (api *LedgerAPI) requireStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if api.store == nil {
			api.srv.respondError(w, http.StatusServiceUnavailable, "ledger not enabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// entryPage is one page of ledger entries
type entryPage struct {
	Entries []*ledger.Entry `json:"entries"`
	Count   int             `json:"count"`
	Total   int             `json:"total_entries"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// handleList returns entries newest first.
// GET /api/v1/ledger?action=&category=&since=&limit=&offset=
func (api *LedgerAPI) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := ledger.QueryOptions{
		Action: q.Get("action"),
		Actor:  q.Get("actor"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if category := q.Get("category"); category != "" {
		opts.EntityType, opts.EntityID = "category", category
	}
	if since, err := time.Parse(time.RFC3339, q.Get("since")); err == nil {
		opts.Since = since
	}

	entries, err := api.store.Query(r.Context(), opts)
	if err != nil {
		api.srv.respondErr(w, err)
		return
	}
	total, err := api.store.Count(r.Context())
	if err != nil {
		api.srv.respondErr(w, err)
		return
	}
	api.srv.respondJSON(w, http.StatusOK, entryPage{
		Entries: entries,
		Count:   len(entries),
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

func (api *LedgerAPI) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := api.store.GetSummary(r.Context())
	if err != nil {
		api.srv.respondErr(w, err)
		return
	}
	api.srv.respondJSON(w, http.StatusOK, summary)
}

// verifyResponse reports a chain walk. Failure fields are set only when the
// chain is broken.
type verifyResponse struct {
	Valid      bool      `json:"chain_valid"`
	Total      int       `json:"total_entries"`
	VerifiedAt time.Time `json:"verified_at"`
	Error      string    `json:"error,omitempty"`
	ErrorType  string    `json:"error_type,omitempty"`
	EntryNum   int       `json:"entry_num,omitempty"`
	EntryID    string    `json:"entry_id,omitempty"`
}

func (api *LedgerAPI) handleVerify(w http.ResponseWriter, r *http.Request) {
	res := verifyResponse{VerifiedAt: time.Now().UTC()}

	err := api.store.VerifyChain(r.Context())
	res.Valid = err == nil
	var chainErr *ledger.ChainError
	switch {
	case errors.As(err, &chainErr):
		res.Error = chainErr.Error()
		res.ErrorType = chainErr.Type
		res.EntryNum = chainErr.EntryNum
		res.EntryID = chainErr.EntryID
	case err != nil:
		api.srv.respondErr(w, err)
		return
	}

	res.Total, _ = api.store.Count(r.Context())
	api.srv.respondJSON(w, http.StatusOK, res)
}

func (api *LedgerAPI) handleEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := api.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.srv.respondErr(w, err)
		return
	}
	api.srv.respondJSON(w, http.StatusOK, entry)
}

// handleCategoryHistory returns decisions, outcomes and level changes for
// one category
func (api *LedgerAPI) handleCategoryHistory(w http.ResponseWriter, r *http.Request) {
	api.entityHistory(w, r, "category")
}

// handleBreakerHistory returns the trips recorded for one category
func (api *LedgerAPI) handleBreakerHistory(w http.ResponseWriter, r *http.Request) {
	api.entityHistory(w, r, "breaker")
}

func (api *LedgerAPI) entityHistory(w http.ResponseWriter, r *http.Request, entityType string) {
	category := chi.URLParam(r, "category")
	entries, err := api.store.Query(r.Context(), ledger.QueryOptions{
		EntityType: entityType,
		EntityID:   category,
		Limit:      queryInt(r, "limit", 0),
	})
	if err != nil {
		api.srv.respondErr(w, err)
		return
	}
	api.srv.respondJSON(w, http.StatusOK, map[string]interface{}{
		"category": category,
		"entries":  entries,
		"count":    len(entries),
	})
}
