package oracle

import (
	"fmt"
	"sort"

	"github.com/lifeline-lk/dispatch/internal/model"
)

// FallbackRank orders requests by a fixed category precedence table. It never
// fails: categories missing from the table rank after all configured ones,
// and ties keep their original order.
func FallbackRank(requests []model.EmergencyRequest, precedence []model.Category) RankDecision {
	rank := make(map[model.Category]int, len(precedence))
	for i, c := range precedence {
		rank[c] = i
	}
	pos := func(c model.Category) int {
		if p, ok := rank[c]; ok {
			return p
		}
		return len(precedence)
	}

	ranked := make([]RankedRequest, len(requests))
	for i, req := range requests {
		score := 0.7
		if len(precedence) > 0 && req.Category == precedence[0] {
			score = 0.8
		}
		ranked[i] = RankedRequest{
			Request:      req,
			UrgencyScore: score,
			Rationale:    fmt.Sprintf("fallback precedence rank for %s", req.Category),
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return pos(ranked[i].Request.Category) < pos(ranked[j].Request.Category)
	})
	for i := range ranked {
		ranked[i].Priority = i + 1
	}

	return RankDecision{
		Ranked:    ranked,
		Rationale: "oracle unavailable, ranked by fixed category precedence",
	}
}

// FallbackStrategy always chooses sequential, the conservative default.
func FallbackStrategy() StrategyDecision {
	return StrategyDecision{
		Strategy:  model.StrategySequential,
		Rationale: "oracle unavailable, sequential is the safe default",
	}
}

// FallbackRetry retries while attempts remain, staying on the same contact
// for the first failure (maybe it was a transient glitch) and escalating to
// a backup afterwards.
func FallbackRetry(attempt, maxAttempts int) RetryDecision {
	return RetryDecision{
		ShouldRetry:        attempt < maxAttempts,
		AdvanceContact:     attempt > 1,
		Rationale:          fmt.Sprintf("oracle unavailable, rule-based decision (attempt %d/%d)", attempt, maxAttempts),
		SuccessProbability: 0.5,
	}
}
