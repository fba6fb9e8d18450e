// Package oracle is the decision boundary: ranking, strategy, and retry
// decisions come from an external reasoning service, with deterministic
// fallbacks so the dispatch loop keeps making progress when the service is
// down, slow, or returns garbage. The oracle is advisory, never a single
// point of total failure.
package oracle

import (
	"context"

	"github.com/lifeline-lk/dispatch/internal/model"
)

// RankedRequest is one request annotated with the urgency the oracle (or the
// fallback table) assigned to it.
type RankedRequest struct {
	Request      model.EmergencyRequest
	Priority     int // 1 = dispatch first
	UrgencyScore float64
	Rationale    string
}

// RankDecision is the ordered ranking for a batch.
type RankDecision struct {
	Ranked    []RankedRequest
	Rationale string
}

// StrategyDecision chooses between sequential and parallel dispatch.
type StrategyDecision struct {
	Strategy  model.Strategy
	Rationale string
}

// FailureContext describes one failed call attempt for retry analysis.
type FailureContext struct {
	Status            model.CallStatus
	Category          model.Category
	Attempt           int
	MaxAttempts       int
	CurrentContact    model.Contact
	RemainingContacts []model.Contact
	UserMessage       string
}

// RetryDecision is the oracle's verdict on a failed attempt.
type RetryDecision struct {
	ShouldRetry        bool
	AdvanceContact     bool
	Rationale          string
	SuccessProbability float64
}

// Oracle is the external reasoning service. Any method may return an error
// (timeout, malformed response, unavailable); callers must apply the
// deterministic fallback and continue.
type Oracle interface {
	Rank(ctx context.Context, requests []model.EmergencyRequest, userMessage string) (RankDecision, error)
	ChooseStrategy(ctx context.Context, ranked []RankedRequest, userMessage string) (StrategyDecision, error)
	AnalyzeFailure(ctx context.Context, fc FailureContext) (RetryDecision, error)
}
