// Package core defines the fundamental types and errors for the gatekeeper.
package core

import "errors"

// Core errors that can occur across the system
var (
	// Trust errors
	ErrUnknownCategory  = errors.New("unknown category")
	ErrInvalidCategory  = errors.New("invalid category name")
	ErrInvalidCapLevel  = errors.New("cap level must be between 1 and 5")
	ErrInvalidOutcome   = errors.New("invalid outcome")
	ErrFeatureDimension = errors.New("feature vector dimension mismatch")
	ErrNoObservations   = errors.New("no observations recorded")

	// Conformal errors
	ErrLengthMismatch = errors.New("probabilities and labels differ in length")
	ErrNotCalibrated  = errors.New("conformal wrapper is not calibrated")

	// Strategy errors
	ErrInvalidTrustMode  = errors.New("invalid trust mode")
	ErrInvalidThresholds = errors.New("invalid thresholds")
	ErrInvalidAlpha      = errors.New("alpha must be in (0, 1)")

	// Storage errors
	ErrDatabaseNotFound = errors.New("database not found")
	ErrMigrationFailed  = errors.New("migration failed")
	ErrRecordNotFound   = errors.New("record not found")

	// Retrieval errors
	ErrEmbeddingFailed = errors.New("failed to generate embedding")
	ErrRetrievalFailed = errors.New("case retrieval failed")
	ErrNoVectorStore   = errors.New("vector store not configured")

	// LLM errors
	ErrLLMUnavailable  = errors.New("LLM service unavailable")
	ErrUnknownProvider = errors.New("unknown LLM provider")
	ErrRateLimited     = errors.New("rate limited")

	// Ledger errors
	ErrChainBroken      = errors.New("ledger hash chain broken")
	ErrInvalidSignature = errors.New("invalid ledger signature")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
)
