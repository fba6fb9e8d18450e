package model

import "testing"

func TestCallStatusClassification(t *testing.T) {
	tests := []struct {
		status    CallStatus
		inFlight  bool
		retryable bool
		terminal  bool
	}{
		{StatusQueued, true, false, false},
		{StatusRinging, true, false, false},
		{StatusInProgress, true, false, false},
		{StatusCompleted, false, false, true},
		{StatusFailed, false, true, true},
		{StatusBusy, false, true, true},
		{StatusNoAnswer, false, true, true},
		{StatusCanceled, false, true, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsInFlight(); got != tt.inFlight {
				t.Errorf("IsInFlight() = %v, want %v", got, tt.inFlight)
			}
			if got := tt.status.IsRetryable(); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestValidateAttemptTransition(t *testing.T) {
	valid := []struct{ from, to CallStatus }{
		{StatusQueued, StatusRinging},
		{StatusQueued, StatusNoAnswer},
		{StatusRinging, StatusInProgress},
		{StatusRinging, StatusQueued},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusCanceled},
	}
	for _, tt := range valid {
		if err := ValidateAttemptTransition(tt.from, tt.to); err != nil {
			t.Errorf("ValidateAttemptTransition(%q, %q) = %v, want nil", tt.from, tt.to, err)
		}
	}

	invalid := []struct{ from, to CallStatus }{
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusQueued},
		{StatusCanceled, StatusRinging},
		{StatusInProgress, StatusRinging},
	}
	for _, tt := range invalid {
		if err := ValidateAttemptTransition(tt.from, tt.to); err == nil {
			t.Errorf("ValidateAttemptTransition(%q, %q) = nil, want error", tt.from, tt.to)
		}
	}
}

func TestParseCallStatus(t *testing.T) {
	tests := []struct {
		raw    string
		want   CallStatus
		wantOK bool
	}{
		{"completed", StatusCompleted, true},
		{"in-progress", StatusInProgress, true},
		{"in_progress", StatusInProgress, true},
		{"no-answer", StatusNoAnswer, true},
		{"initiated", StatusQueued, true},
		{"busy", StatusBusy, true},
		{"garbage", StatusFailed, false},
		{"", StatusFailed, false},
	}

	for _, tt := range tests {
		got, ok := ParseCallStatus(tt.raw)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseCallStatus(%q) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}
