package main

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/gatekeeper/internal/core"
)

type echoStrategy struct {
	inFlight, peak atomic.Int32
}

func (e *echoStrategy) Classify(ctx context.Context, q, s string, c map[string]interface{}) (string, float64) {
	return q, 1
}

func (e *echoStrategy) Gate(category string, level int, confidence float64) core.Action {
	return core.ActionShadow
}

func (e *echoStrategy) Decide(ctx context.Context, q, category string, c map[string]interface{}) string {
	return core.ValueApproved
}

func (e *echoStrategy) Evaluate(ctx context.Context, q, s string, c map[string]interface{}) core.DecisionResult {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return core.DecisionResult{Action: core.ActionShadow, Category: q}
}

func TestReadQuestions(t *testing.T) {
	in := "first\n\n# comment\n  second  \n"
	got, err := readQuestions(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestReplay_KeepsOrderAndBound(t *testing.T) {
	s := &echoStrategy{}
	questions := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	results, err := replay(context.Background(), s, questions, 3)
	require.NoError(t, err)
	require.Len(t, results, len(questions))
	for i, q := range questions {
		assert.Equal(t, q, results[i].Category)
	}
	assert.LessOrEqual(t, s.peak.Load(), int32(3))
}

func TestReplay_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := replay(ctx, &echoStrategy{}, []string{"a"}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
