package model

import "fmt"

// CallStatus is the status of a single call attempt as reported by the
// telephony gateway.
type CallStatus string

const (
	StatusQueued     CallStatus = "queued"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in_progress"
	StatusCompleted  CallStatus = "completed"
	StatusFailed     CallStatus = "failed"
	StatusBusy       CallStatus = "busy"
	StatusNoAnswer   CallStatus = "no_answer"
	StatusCanceled   CallStatus = "canceled"
)

// in-flight → keep polling; completed → success; everything else → retry policy
var inFlightStatuses = map[CallStatus]bool{
	StatusQueued:     true,
	StatusRinging:    true,
	StatusInProgress: true,
}

var retryableStatuses = map[CallStatus]bool{
	StatusFailed:   true,
	StatusBusy:     true,
	StatusNoAnswer: true,
	StatusCanceled: true,
}

// Attempt status transitions: queued ↔ ringing → in_progress → terminal.
// The gateway is the source of truth; we only reject transitions out of a
// terminal status, since a terminal attempt is immutable.
var validAttemptTransitions = map[CallStatus]map[CallStatus]bool{
	StatusQueued: {
		StatusRinging:    true,
		StatusInProgress: true,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusBusy:       true,
		StatusNoAnswer:   true,
		StatusCanceled:   true,
	},
	StatusRinging: {
		StatusQueued:     true, // carrier re-queue
		StatusInProgress: true,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusBusy:       true,
		StatusNoAnswer:   true,
		StatusCanceled:   true,
	},
	StatusInProgress: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCanceled:  true,
	},
}

// IsInFlight reports whether the attempt is still being driven by the gateway.
func (s CallStatus) IsInFlight() bool {
	return inFlightStatuses[s]
}

// IsRetryable reports whether the status is a per-attempt failure subject to
// the retry policy.
func (s CallStatus) IsRetryable() bool {
	return retryableStatuses[s]
}

// IsTerminal reports whether the attempt can no longer change status.
func (s CallStatus) IsTerminal() bool {
	return s == StatusCompleted || retryableStatuses[s]
}

// ValidateAttemptTransition rejects status changes out of a terminal attempt.
func ValidateAttemptTransition(from, to CallStatus) error {
	if from.IsTerminal() {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validAttemptTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid attempt transition: %q → %q", from, to)
	}
	return nil
}

// gateway status strings use hyphens (in-progress, no-answer)
var gatewayStatusNames = map[string]CallStatus{
	"queued":      StatusQueued,
	"initiated":   StatusQueued,
	"ringing":     StatusRinging,
	"in-progress": StatusInProgress,
	"in_progress": StatusInProgress,
	"completed":   StatusCompleted,
	"failed":      StatusFailed,
	"busy":        StatusBusy,
	"no-answer":   StatusNoAnswer,
	"no_answer":   StatusNoAnswer,
	"canceled":    StatusCanceled,
}

// ParseCallStatus maps a gateway status string to a CallStatus. Unknown
// strings map to failed so the retry policy still makes progress.
func ParseCallStatus(s string) (CallStatus, bool) {
	st, ok := gatewayStatusNames[s]
	if !ok {
		return StatusFailed, false
	}
	return st, true
}
