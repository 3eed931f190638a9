package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quantumlife/gatekeeper/internal/core"
)

func ollamaServer(t *testing.T, vector []float32, status int, gotPrompt *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embeddings":
			var req EmbedRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if gotPrompt != nil {
				*gotPrompt = req.Prompt
			}
			if status != http.StatusOK {
				http.Error(w, "model not found", status)
				return
			}
			json.NewEncoder(w).Encode(EmbedResponse{Embedding: vector})
		case "/api/tags":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateEmbedding_TaskPrefix(t *testing.T) {
	var prompt string
	srv := ollamaServer(t, []float32{0.1, 0.2, 0.3}, http.StatusOK, &prompt)
	svc := NewService(Config{BaseURL: srv.URL + "/", Dimension: 3})

	vec, err := svc.GenerateEmbedding(context.Background(), "deploy to prod?", ContentQuery)
	if err != nil {
		t.Fatalf("GenerateEmbedding() error = %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("len(vec) = %d, want 3", len(vec))
	}
	if prompt != "search_query: deploy to prod?" {
		t.Errorf("prompt = %q", prompt)
	}

	svc.GenerateEmbedding(context.Background(), "deploy to prod?", ContentDocument)
	if prompt != "search_document: deploy to prod?" {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestGenerateEmbedding_NoPrefixForOtherModels(t *testing.T) {
	var prompt string
	srv := ollamaServer(t, []float32{1}, http.StatusOK, &prompt)
	svc := NewService(Config{BaseURL: srv.URL, Model: "mxbai-embed-large"})

	if _, err := svc.GenerateEmbedding(context.Background(), "hello", ContentQuery); err != nil {
		t.Fatal(err)
	}
	if prompt != "hello" {
		t.Errorf("prompt = %q, want unprefixed", prompt)
	}
}

func TestGenerateEmbedding_Errors(t *testing.T) {
	tests := []struct {
		name   string
		vector []float32
		status int
		dim    uint64
		text   string
	}{
		{"empty text", []float32{1}, http.StatusOK, 0, "  "},
		{"server error", nil, http.StatusNotFound, 0, "q"},
		{"empty vector", []float32{}, http.StatusOK, 0, "q"},
		{"dimension mismatch", []float32{1, 2}, http.StatusOK, 3, "q"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := ollamaServer(t, tt.vector, tt.status, nil)
			svc := NewService(Config{BaseURL: srv.URL, Dimension: tt.dim})
			_, err := svc.GenerateEmbedding(context.Background(), tt.text, ContentQuery)
			if !errors.Is(err, core.ErrEmbeddingFailed) {
				t.Errorf("error = %v, want ErrEmbeddingFailed", err)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	srv := ollamaServer(t, nil, http.StatusOK, nil)
	if err := NewService(Config{BaseURL: srv.URL}).Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}

	if err := NewService(Config{BaseURL: "http://127.0.0.1:1"}).Health(context.Background()); err == nil {
		t.Error("Health() against closed port should fail")
	}
}

func TestEmbed_Cache(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(EmbedResponse{Embedding: []float32{1, 2}})
	}))
	defer srv.Close()

	svc := NewService(Config{BaseURL: srv.URL, CacheSize: 1})
	ctx := context.Background()

	first, err := svc.Embed(ctx, "a")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	first[0] = 99 // callers must not corrupt the cache
	second, _ := svc.Embed(ctx, "a")
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if second[0] != 1 {
		t.Errorf("cached vector was mutated: %v", second)
	}

	svc.Embed(ctx, "b") // evicts "a"
	svc.Embed(ctx, "a")
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if svc.cache.len() != 1 {
		t.Errorf("cache len = %d, want 1", svc.cache.len())
	}

	uncached := NewService(Config{BaseURL: srv.URL, CacheSize: -1})
	uncached.Embed(ctx, "a")
	uncached.Embed(ctx, "a")
	if calls != 5 {
		t.Errorf("calls = %d, want 5 with caching disabled", calls)
	}
}
