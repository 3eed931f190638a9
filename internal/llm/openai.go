package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/quantumlife/gatekeeper/internal/core"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint:
// OpenAI itself, Azure OpenAI deployments and Ollama's /v1 API.
type OpenAIClient struct {
	client     *openai.Client
	provider   string
	model      string
	maxTokens  int
	system     string
	configured bool
}

// OpenAIConfig for OpenAI-compatible clients
type OpenAIConfig struct {
	Provider  string // openai, azure or ollama
	APIKey    string
	BaseURL   string // Azure resource endpoint, Ollama host, or custom gateway
	Model     string // Model, or Azure deployment name
	MaxTokens int
	System    string
	Timeout   time.Duration
}

// NewOpenAIClient creates a client for the configured provider
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 64
	}

	var oc openai.ClientConfig
	configured := cfg.APIKey != ""
	switch cfg.Provider {
	case ProviderOpenAI, "":
		cfg.Provider = ProviderOpenAI
		oc = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
		if cfg.Model == "" {
			cfg.Model = openai.GPT4oMini
		}
	case ProviderAzure:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("%w: azure endpoint", core.ErrMissingRequired)
		}
		if cfg.Model == "" {
			return nil, fmt.Errorf("%w: azure deployment", core.ErrMissingRequired)
		}
		oc = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
	case ProviderOllama:
		base := strings.TrimRight(cfg.BaseURL, "/")
		if base == "" {
			base = "http://localhost:11434"
		}
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		// Ollama ignores the key but the client requires one
		oc = openai.DefaultConfig("ollama")
		oc.BaseURL = base
		if cfg.Model == "" {
			cfg.Model = "llama3.2"
		}
		configured = true
	default:
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownProvider, cfg.Provider)
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAIClient{
		client:     openai.NewClientWithConfig(oc),
		provider:   cfg.Provider,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		system:     cfg.System,
		configured: configured,
	}, nil
}

// Chat sends one system + user exchange
func (c *OpenAIClient) Chat(ctx context.Context, system, userMessage string) (string, error) {
	if !c.configured {
		return "", fmt.Errorf("%w: %s api key not set", core.ErrLLMUnavailable, c.provider)
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userMessage})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %v", core.ErrRateLimited, err)
		}
		return "", fmt.Errorf("%s request failed: %w", c.provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Run implements Runner
func (c *OpenAIClient) Run(ctx context.Context, prompt string) (string, error) {
	return c.Chat(ctx, c.system, prompt)
}

// IsConfigured reports whether the client has credentials
func (c *OpenAIClient) IsConfigured() bool { return c.configured }

// Name identifies the provider in stats and logs
func (c *OpenAIClient) Name() string { return c.provider }
