// Package conformal implements split conformal prediction for binary
// decisions. After calibration the wrapper tells a caller whether a
// probability is confidently classifiable or should be deferred.
package conformal

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/quantumlife/gatekeeper/internal/core"
)

// DefaultAlpha is the default miscoverage level
const DefaultAlpha = 0.1

// Status reports calibration state for diagnostics
type Status struct {
	IsCalibrated    bool    `json:"is_calibrated"`
	Alpha           float64 `json:"alpha"`
	Threshold       float64 `json:"threshold"`
	CalibrationSize int     `json:"calibration_size"`
}

// Wrapper holds the calibrated nonconformity threshold.
// Safe for concurrent use.
type Wrapper struct {
	mu         sync.RWMutex
	alpha      float64
	calibrated bool
	threshold  float64
	size       int
}

// New creates an uncalibrated wrapper
func New(alpha float64) (*Wrapper, error) {
	if !(alpha > 0 && alpha < 1) {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidAlpha, alpha)
	}
	return &Wrapper{alpha: alpha}, nil
}

// Alpha returns the miscoverage level
func (w *Wrapper) Alpha() float64 { return w.alpha }

// Calibrate fits the threshold from held-out (probability, label) pairs.
//
// Scores are |p - y|. With n scores sorted ascending and
// k = ceil((n+1)(1-alpha)), the threshold is the k-th smallest score, or
// 1.0 when k > n. Empty input is a no-op and leaves the wrapper as it was.
func (w *Wrapper) Calibrate(probabilities []float64, labels []int) error {
	if len(probabilities) != len(labels) {
		return fmt.Errorf("%w: %d probabilities, %d labels", core.ErrLengthMismatch, len(probabilities), len(labels))
	}
	n := len(probabilities)
	if n == 0 {
		return nil
	}

	scores := make([]float64, n)
	for i, p := range probabilities {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return fmt.Errorf("%w: probability %v at %d", core.ErrInvalidInput, p, i)
		}
		y := labels[i]
		if y != 0 && y != 1 {
			return fmt.Errorf("%w: label %d at %d", core.ErrInvalidInput, y, i)
		}
		scores[i] = math.Abs(p - float64(y))
	}
	sort.Float64s(scores)

	k := int(math.Ceil(float64(n+1) * (1 - w.alpha)))
	threshold := 1.0
	if k <= n {
		if k < 1 {
			k = 1
		}
		threshold = scores[k-1]
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.threshold = threshold
	w.size = n
	w.calibrated = true
	return nil
}

// IsCalibrated reports whether Calibrate has run with data
func (w *Wrapper) IsCalibrated() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.calibrated
}

// PredictionSet returns the labels whose nonconformity score is within the
// threshold. Before calibration both labels are returned.
func (w *Wrapper) PredictionSet(p float64) []int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.calibrated {
		return []int{0, 1}
	}
	return predictionSet(p, w.threshold)
}

func predictionSet(p, threshold float64) []int {
	set := make([]int, 0, 2)
	if math.Abs(p-0) <= threshold {
		set = append(set, 0)
	}
	if math.Abs(p-1) <= threshold {
		set = append(set, 1)
	}
	return set
}

// ShouldDefer reports whether p is ambiguous: its prediction set is not a
// single label. An uncalibrated wrapper never defers. A probability outside
// [0, 1] always defers.
func (w *Wrapper) ShouldDefer(p float64) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.calibrated {
		return false
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return true
	}
	return len(predictionSet(p, w.threshold)) != 1
}

// Coverage is the fraction of pairs whose true label lies in the prediction set
func (w *Wrapper) Coverage(probabilities []float64, labels []int) (float64, error) {
	if len(probabilities) != len(labels) {
		return 0, core.ErrLengthMismatch
	}
	if len(probabilities) == 0 {
		return 0, core.ErrInvalidInput
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.calibrated {
		return 0, core.ErrNotCalibrated
	}

	covered := 0
	for i, p := range probabilities {
		for _, y := range predictionSet(p, w.threshold) {
			if y == labels[i] {
				covered++
				break
			}
		}
	}
	return float64(covered) / float64(len(probabilities)), nil
}

// Status returns calibration diagnostics
func (w *Wrapper) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Status{
		IsCalibrated:    w.calibrated,
		Alpha:           w.alpha,
		Threshold:       w.threshold,
		CalibrationSize: w.size,
	}
}
