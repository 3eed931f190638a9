package prediction

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/quantumlife/gatekeeper/internal/cbr"
	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/embeddings"
	"github.com/quantumlife/gatekeeper/internal/logging"
	"github.com/quantumlife/gatekeeper/internal/storage"
)

// OutcomeReport describes what RecordOutcome did
type OutcomeReport struct {
	NotificationID string   `json:"notification_id"`
	Matched        bool     `json:"matched"`
	Detail         string   `json:"detail"`
	Logged         bool     `json:"logged"`
	CaseStored     bool     `json:"case_stored"`
	Errors         []string `json:"errors,omitempty"`
}

// RecordOutcome scores a prediction against the human's actual answer,
// persists both, and stores the answer as a new CBR case when the original
// message is in the prediction's metadata. It never fails; problems are
// listed in the report.
func (e *Engine) RecordOutcome(ctx context.Context, notificationID string, result Result, actual interface{}, responseType core.ResponseType) OutcomeReport {
	ctx, span := tracer.Start(ctx, "prediction.RecordOutcome")
	defer span.End()

	if responseType == "" {
		responseType = result.ResponseType
	}
	answer := NormalizeActual(actual)
	match, detail := ComparatorFor(responseType)(result, answer)

	report := OutcomeReport{NotificationID: notificationID, Matched: match, Detail: detail}
	log := logging.WithField("notification_id", notificationID)

	if e.log != nil && notificationID != "" {
		rec := toRecord(result)
		rec.NotificationID = notificationID
		rec.ResponseType = string(responseType)
		err := e.log.LogPrediction(ctx, rec)
		if err == nil {
			err = e.log.UpdateOutcome(ctx, notificationID, answer, match, detail)
		}
		if err != nil {
			log.Warn("Failed to persist outcome: %v", err)
			report.Errors = append(report.Errors, err.Error())
		} else {
			report.Logged = true
		}
	}

	if err := e.storeCase(ctx, result, answer); err != nil {
		log.Debug("Outcome not stored as case: %v", err)
		report.Errors = append(report.Errors, err.Error())
	} else {
		report.CaseStored = true
	}

	span.SetAttributes(attribute.Bool("matched", match), attribute.String("detail", detail))
	outcomesTotal.WithLabelValues(string(responseType), fmt.Sprint(match)).Inc()
	return report
}

func (e *Engine) storeCase(ctx context.Context, result Result, answer map[string]interface{}) error {
	message, _ := result.Metadata["message"].(string)
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("%w: original message", core.ErrMissingRequired)
	}
	value, ok := actualValue(answer)
	if !ok {
		items := actualItems(answer)
		if len(items) == 0 {
			return fmt.Errorf("%w: actual value", core.ErrMissingRequired)
		}
		value = strings.Join(items, "\n")
	}

	store := e.vectorStore()
	if store == nil {
		return core.ErrNoVectorStore
	}
	p := e.embedder()
	if p == nil {
		return core.ErrEmbeddingFailed
	}
	vec, err := p.GenerateEmbedding(ctx, message, embeddings.ContentDocument)
	if err != nil {
		return err
	}
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty embedding", core.ErrEmbeddingFailed)
	}

	return store.AddDecision(ctx, cbr.Case{
		Question:          message,
		Category:          result.Category,
		DecisionValue:     value,
		RatificationState: cbr.StateRatified,
		Embedding:         vec,
		DataOrigin:        cbr.OriginLive,
	})
}

// AccuracySummary reports prediction accuracy from the log. Failures
// return a zeroed summary with Error set.
func (e *Engine) AccuracySummary(ctx context.Context, windowDays int, category, responseType string) storage.AccuracySummary {
	empty := storage.AccuracySummary{
		WindowDays:   windowDays,
		Category:     category,
		ResponseType: responseType,
		ByCategory:   map[string]storage.CategoryAccuracy{},
	}
	if e.log == nil {
		empty.Error = "prediction log not configured"
		return empty
	}
	sum, err := e.log.AccuracySummary(ctx, windowDays, category, responseType)
	if err != nil {
		logging.WithField("component", "prediction").Warn("Accuracy summary failed: %v", err)
		empty.Error = err.Error()
		return empty
	}
	return sum
}
