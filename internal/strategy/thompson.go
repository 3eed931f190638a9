package strategy

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// ThompsonStats describes a category's Beta posterior and the probability
// mass routed to each action under the configured thresholds.
type ThompsonStats struct {
	Category     string  `json:"category"`
	Alpha        float64 `json:"alpha"`
	Beta         float64 `json:"beta"`
	MeanRate     float64 `json:"mean_rate"`
	Observations int     `json:"observations"`
	PAct         float64 `json:"p_act"`
	PSuggest     float64 `json:"p_suggest"`
	PShadow      float64 `json:"p_shadow"`
}

func betaSample(alpha, beta float64) float64 {
	if alpha <= 0 || beta <= 0 {
		return math.NaN()
	}
	return distuv.Beta{Alpha: alpha, Beta: beta}.Rand()
}

// ThompsonDiagnostics reports the posterior of every category. The three
// probabilities always sum to 1.
func (s *EngineeringStrategy) ThompsonDiagnostics() map[string]ThompsonStats {
	act, suggest := s.cfg.Thompson.ActThreshold, s.cfg.Thompson.SuggestThreshold
	if !(suggest > 0 && act < 1 && act > suggest) {
		def := DefaultConfig().Thompson
		act, suggest = def.ActThreshold, def.SuggestThreshold
	}

	out := make(map[string]ThompsonStats)
	for _, snap := range s.tracker.Snapshots() {
		alpha, beta := posterior(snap)
		dist := distuv.Beta{Alpha: alpha, Beta: beta}

		pAct := dist.Survival(act)
		pShadow := dist.CDF(suggest)
		out[snap.Name] = ThompsonStats{
			Category:     snap.Name,
			Alpha:        alpha,
			Beta:         beta,
			MeanRate:     dist.Mean(),
			Observations: snap.TotalSuccesses + snap.TotalRejections,
			PAct:         pAct,
			PSuggest:     math.Max(0, 1-pAct-pShadow),
			PShadow:      pShadow,
		}
	}
	return out
}
