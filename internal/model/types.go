// Package model defines the data structures for Lifeline's configuration,
// emergency requests, call attempts, and dispatch results.
package model

import "time"

// Category is the kind of emergency service a request needs.
type Category string

const (
	CategoryPolice  Category = "police"
	CategoryFire    Category = "fire"
	CategoryMedical Category = "medical"
)

var validCategories = map[Category]bool{
	CategoryPolice:  true,
	CategoryFire:    true,
	CategoryMedical: true,
}

// ValidCategory reports whether c is a known emergency category.
func ValidCategory(c Category) bool {
	return validCategories[c]
}

// Strategy is how a multi-emergency batch is dispatched.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
)

// EmergencyRequest is one detected emergency needing a call placed.
// Immutable once created; produced at the decision-oracle boundary.
type EmergencyRequest struct {
	ID         string   `yaml:"id" json:"id"`
	Category   Category `yaml:"category" json:"category"`
	Severity   string   `yaml:"severity" json:"severity"`
	Confidence float64  `yaml:"confidence" json:"confidence"`
	Message    string   `yaml:"message" json:"message"`
	Language   string   `yaml:"language" json:"language"`
	RankHint   int      `yaml:"rank_hint,omitempty" json:"rank_hint,omitempty"`
}

// Contact is one destination on a category's contact ladder.
type Contact struct {
	Number      string `yaml:"number" json:"number"`
	Name        string `yaml:"name" json:"name"`
	Priority    int    `yaml:"priority" json:"priority"` // 1 = primary
	Description string `yaml:"description" json:"description"`
}

// PlannedCall is one entry of a DispatchPlan: a request annotated with the
// urgency the planner assigned to it.
type PlannedCall struct {
	Request      EmergencyRequest
	UrgencyScore float64
	Rationale    string
}

// DispatchPlan is the ordering and strategy chosen for one batch. Consumed
// immediately by the coordinator; never persisted.
type DispatchPlan struct {
	Calls     []PlannedCall
	Strategy  Strategy
	Rationale string
}

// CallAttempt is one placed call. Mutated only by its owning monitor;
// immutable once Status is terminal.
type CallAttempt struct {
	ID        string        `json:"id"`
	RequestID string        `json:"request_id"`
	Handle    string        `json:"handle"` // opaque gateway call handle
	Contact   Contact       `json:"contact"`
	Number    int           `json:"number"` // 1-based attempt counter
	Status    CallStatus    `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// CallOutcome is the terminal result for one EmergencyRequest. Produced
// exactly once per request regardless of how many attempts were made.
type CallOutcome struct {
	RequestID    string   `yaml:"request_id" json:"request_id"`
	Category     Category `yaml:"category" json:"category"`
	Success      bool     `yaml:"success" json:"success"`
	Attempts     int      `yaml:"attempts" json:"attempts"`
	FinalContact *Contact `yaml:"final_contact,omitempty" json:"final_contact,omitempty"`
	Reason       string   `yaml:"reason" json:"reason"`
}

// DispatchResult aggregates the outcomes of one batch.
type DispatchResult struct {
	Outcomes  []CallOutcome `yaml:"outcomes" json:"outcomes"`
	Strategy  Strategy      `yaml:"strategy" json:"strategy"`
	Rationale string        `yaml:"rationale,omitempty" json:"rationale,omitempty"`
	Partial   bool          `yaml:"partial,omitempty" json:"partial,omitempty"`
}

// Successes counts outcomes that reached an emergency service.
func (r DispatchResult) Successes() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Success {
			n++
		}
	}
	return n
}

// OutcomeFor returns the outcome tagged to the given request ID.
func (r DispatchResult) OutcomeFor(requestID string) (CallOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.RequestID == requestID {
			return o, true
		}
	}
	return CallOutcome{}, false
}
