package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/quantumlife/gatekeeper/internal/cbr"
	"github.com/quantumlife/gatekeeper/internal/core"
)

// RandomID generates a random ID for testing.
func RandomID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// SimilarCases builds ratified cases pairing values[i] with similarities[i].
func SimilarCases(category string, values []string, similarities []float64) []cbr.SimilarCase {
	out := make([]cbr.SimilarCase, len(values))
	for i, v := range values {
		out[i] = cbr.SimilarCase{
			Similarity: similarities[i],
			Case: cbr.Case{
				ID:                "case-" + RandomID(),
				Question:          "past question " + v,
				Category:          category,
				DecisionValue:     v,
				RatificationState: cbr.StateRatified,
				DataOrigin:        cbr.OriginSynthetic,
				CreatedAt:         time.Now().UTC(),
			},
		}
	}
	return out
}

// YesNoNotification returns a yes/no notification fixture.
func YesNoNotification(message string) core.Notification {
	return core.Notification{
		ID:           "notif-" + RandomID(),
		Message:      message,
		SenderID:     "agent@example.com",
		ResponseType: core.ResponseYesNo,
		Context:      map[string]interface{}{},
	}
}
