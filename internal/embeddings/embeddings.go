// Package embeddings provides text embedding via Ollama.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quantumlife/gatekeeper/internal/core"
)

// Content types select the nomic task prefix
const (
	ContentQuery    = "query"
	ContentDocument = "document"
)

// Provider turns text into a vector
type Provider interface {
	GenerateEmbedding(ctx context.Context, text, contentType string) ([]float32, error)
}

// Service handles embedding generation
type Service struct {
	baseURL string
	model   string
	dim     uint64
	client  *http.Client
	cache   *vectorCache
}

// Config for embedding service
type Config struct {
	BaseURL   string        // Ollama URL, default "http://localhost:11434"
	Model     string        // Embedding model, default "nomic-embed-text"
	Dimension uint64        // Expected vector size, 0 to skip the check
	Timeout   time.Duration // Request timeout
	CacheSize int           // Cached prompts, 0 for the default, negative to disable
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://localhost:11434",
		Model:     "nomic-embed-text",
		Dimension: 768,
		Timeout:   30 * time.Second,
		CacheSize: 512,
	}
}

// NewService creates an embedding service
func NewService(cfg Config) *Service {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = def.CacheSize
	}

	return &Service{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		dim:     cfg.Dimension,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		cache: newVectorCache(cfg.CacheSize),
	}
}

// EmbedRequest is the Ollama embedding API request
type EmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// EmbedResponse is the Ollama embedding API response
type EmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// GenerateEmbedding embeds text with the task prefix for its content type
func (s *Service) GenerateEmbedding(ctx context.Context, text, contentType string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", core.ErrEmbeddingFailed)
	}
	return s.Embed(ctx, taskPrefix(s.model, contentType)+text)
}

func taskPrefix(model, contentType string) string {
	if !strings.Contains(model, "nomic") {
		return ""
	}
	switch contentType {
	case ContentQuery:
		return "search_query: "
	case ContentDocument:
		return "search_document: "
	}
	return ""
}

// Embed returns the embedding for text, from cache when it has been seen
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s.cache.get(text); ok {
		return v, nil
	}
	v, err := s.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	s.cache.put(text, v)
	return v, nil
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	req := EmbedRequest{
		Model:  s.model,
		Prompt: text,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: %s - %s", core.ErrEmbeddingFailed, resp.Status, string(respBody))
	}

	var embedResp EmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(embedResp.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty vector", core.ErrEmbeddingFailed)
	}
	if s.dim > 0 && uint64(len(embedResp.Embedding)) != s.dim {
		return nil, fmt.Errorf("%w: got %d dimensions, want %d", core.ErrEmbeddingFailed, len(embedResp.Embedding), s.dim)
	}

	return embedResp.Embedding, nil
}

// Dimension returns the configured embedding dimension
func (s *Service) Dimension() uint64 {
	return s.dim
}

// ModelName returns the model being used
func (s *Service) ModelName() string {
	return s.model
}

// Health checks if Ollama is available
func (s *Service) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama unhealthy: %s", resp.Status)
	}

	return nil
}
