package trust

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/quantumlife/gatekeeper/internal/core"
)

// DefaultPriorPrecision is λ in the N(0, 1/λ) weight prior
const DefaultPriorPrecision = 1.0

// Model is an online Bayesian logistic regression with a diagonal Laplace
// posterior. Each weight carries a Gaussian N(weights[i], 1/precision[i]).
//
// Model is not safe for concurrent use; the Tracker serialises access.
type Model struct {
	weights    []float64
	precision  []float64
	featureSum []float64
	count      int
}

// ModelState is the serialisable form of a Model
type ModelState struct {
	Weights      []float64 `json:"weights"`
	Precision    []float64 `json:"precision"`
	FeatureSum   []float64 `json:"feature_sum"`
	FeatureCount int       `json:"feature_count"`
}

// NewModel creates a model over dim features with the given prior precision
func NewModel(dim int, priorPrecision float64) *Model {
	if priorPrecision <= 0 {
		priorPrecision = DefaultPriorPrecision
	}
	m := &Model{
		weights:    make([]float64, dim),
		precision:  make([]float64, dim),
		featureSum: make([]float64, dim),
	}
	for i := range m.precision {
		m.precision[i] = priorPrecision
	}
	return m
}

func modelFromState(s ModelState) (*Model, error) {
	n := len(s.Weights)
	if n == 0 || len(s.Precision) != n || len(s.FeatureSum) != n {
		return nil, fmt.Errorf("%w: model state", core.ErrFeatureDimension)
	}
	return &Model{
		weights:    append([]float64(nil), s.Weights...),
		precision:  append([]float64(nil), s.Precision...),
		featureSum: append([]float64(nil), s.FeatureSum...),
		count:      s.FeatureCount,
	}, nil
}

// State returns a copy of the model parameters
func (m *Model) State() ModelState {
	return ModelState{
		Weights:      append([]float64(nil), m.weights...),
		Precision:    append([]float64(nil), m.precision...),
		FeatureSum:   append([]float64(nil), m.featureSum...),
		FeatureCount: m.count,
	}
}

// Dim is the feature dimension fixed at construction
func (m *Model) Dim() int { return len(m.weights) }

// Observations is the number of updates applied
func (m *Model) Observations() int { return m.count }

func (m *Model) check(x []float64) error {
	if len(x) != len(m.weights) {
		return fmt.Errorf("%w: got %d, want %d", core.ErrFeatureDimension, len(x), len(m.weights))
	}
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite feature", core.ErrInvalidInput)
		}
	}
	return nil
}

// Update folds one labelled observation into the posterior.
// label must be 0 or 1.
func (m *Model) Update(x []float64, label int) error {
	if err := m.check(x); err != nil {
		return err
	}
	if label != 0 && label != 1 {
		return fmt.Errorf("%w: label %d", core.ErrInvalidInput, label)
	}

	p := sigmoid(floats.Dot(m.weights, x))
	y := float64(label)
	for i, xi := range x {
		m.precision[i] += p * (1 - p) * xi * xi
		m.weights[i] += (y - p) * xi / m.precision[i]
	}

	floats.Add(m.featureSum, x)
	m.count++
	return nil
}

// Predict returns the probit-corrected probability of a positive outcome
// and the predictive variance of the logit.
func (m *Model) Predict(x []float64) (probability, variance float64, err error) {
	if err := m.check(x); err != nil {
		return 0, 0, err
	}
	mu := floats.Dot(m.weights, x)
	for i, xi := range x {
		variance += xi * xi / m.precision[i]
	}
	probability = sigmoid(mu / math.Sqrt(1+math.Pi*variance/8))
	return probability, variance, nil
}

// MeanFeatures returns feature_sum / feature_count, or false before any update
func (m *Model) MeanFeatures() ([]float64, bool) {
	if m.count == 0 {
		return nil, false
	}
	mean := append([]float64(nil), m.featureSum...)
	floats.Scale(1/float64(m.count), mean)
	return mean, true
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
