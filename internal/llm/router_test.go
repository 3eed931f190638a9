package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/gatekeeper/internal/core"
)

type stubBackend struct {
	name       string
	configured bool
	out        string
	err        error
	calls      int
}

func (s *stubBackend) Run(ctx context.Context, prompt string) (string, error) {
	s.calls++
	return s.out, s.err
}
func (s *stubBackend) Name() string       { return s.name }
func (s *stubBackend) IsConfigured() bool { return s.configured }

func TestRouter_Fallback(t *testing.T) {
	primary := &stubBackend{name: "anthropic", configured: true, err: errors.New("overloaded")}
	skipped := &stubBackend{name: "azure", configured: false, out: "never"}
	backup := &stubBackend{name: "ollama", configured: true, out: "approved"}

	r := NewRouter(primary, skipped, nil, backup)
	assert.Equal(t, []string{"anthropic", "ollama"}, r.Providers())

	out, err := r.Run(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "approved", out)
	assert.Zero(t, skipped.calls)

	stats := r.GetStats()
	assert.Equal(t, int64(1), stats.Requests["ollama"])
	assert.Equal(t, int64(1), stats.Failures["anthropic"])
	assert.Equal(t, int64(1), stats.FallbackCount)
}

func TestRouter_AllFail(t *testing.T) {
	r := NewRouter(
		&stubBackend{name: "a", configured: true, err: errors.New("x")},
		&stubBackend{name: "b", configured: true, err: core.ErrRateLimited},
	)
	_, err := r.Run(context.Background(), "p")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrRateLimited))
}

func TestRouter_Empty(t *testing.T) {
	r := NewRouter(&stubBackend{name: "a"})
	assert.False(t, r.IsConfigured())
	_, err := r.Run(context.Background(), "p")
	assert.True(t, errors.Is(err, core.ErrLLMUnavailable))
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(Settings{Provider: ProviderAnthropic, APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, b.Name())
	assert.True(t, b.IsConfigured())

	b, err = NewBackend(Settings{Provider: ProviderOllama})
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, b.Name())

	_, err = NewBackend(Settings{Provider: "palm"})
	assert.True(t, errors.Is(err, core.ErrUnknownProvider))
}
