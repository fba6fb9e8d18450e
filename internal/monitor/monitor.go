// Package monitor drives one emergency request from first call placement to
// a terminal outcome: polling the gateway, classifying statuses, and retrying
// down the contact ladder under the bounded-attempts policy.
package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lifeline-lk/dispatch/internal/events"
	"github.com/lifeline-lk/dispatch/internal/ledger"
	"github.com/lifeline-lk/dispatch/internal/model"
	"github.com/lifeline-lk/dispatch/internal/oracle"
	"github.com/lifeline-lk/dispatch/internal/telephony"
)

// cancelGrace bounds the detached best-effort Cancel when a batch context is
// canceled while a call is in flight.
const cancelGrace = 5 * time.Second

// Config is the retry and pacing policy for one monitor.
type Config struct {
	MaxAttempts  int
	PollInterval time.Duration
	RetryDelay   time.Duration
}

// Recorder is the append-only ledger sink. Append errors are logged, never
// allowed to interrupt a dispatch in progress.
type Recorder interface {
	Append(entry ledger.Entry) error
}

// Monitor owns exactly one EmergencyRequest's lifecycle. It shares no
// mutable state with other monitors; its only output is one CallOutcome.
type Monitor struct {
	gateway  telephony.Gateway
	oracle   oracle.Oracle
	recorder Recorder
	bus      *events.Bus
	cfg      Config
	logger   *log.Logger
	logLevel model.LogLevel
}

// New creates a monitor. Gateway and oracle are required; ledger and event
// bus are optional observers.
func New(gw telephony.Gateway, orc oracle.Oracle, cfg Config, logger *log.Logger, logLevel model.LogLevel) *Monitor {
	return &Monitor{
		gateway:  gw,
		oracle:   orc,
		cfg:      cfg,
		logger:   logger,
		logLevel: logLevel,
	}
}

// SetRecorder wires the call ledger.
func (m *Monitor) SetRecorder(r Recorder) {
	m.recorder = r
}

// SetEventBus wires the event bus for lifecycle events.
func (m *Monitor) SetEventBus(bus *events.Bus) {
	m.bus = bus
}

// Run places the first call and monitors the request to a terminal outcome.
// It always returns an outcome, never an error: exhaustion and gateway
// faults are expected terminal results, not exceptions.
func (m *Monitor) Run(ctx context.Context, req model.EmergencyRequest, ladder []model.Contact) model.CallOutcome {
	if len(ladder) == 0 {
		return m.finish(req, model.CallOutcome{
			RequestID: req.ID,
			Category:  req.Category,
			Success:   false,
			Attempts:  0,
			Reason:    fmt.Sprintf("no emergency contacts configured for category %q", req.Category),
		})
	}

	attempt := 1
	cursor := 0
	contact := ladder[cursor]

	handle, placeErr := m.place(ctx, req, contact, attempt)
	if placeErr != nil {
		m.log(model.LogLevelWarn, "%s attempt %d placement failed: %v", req.ID, attempt, placeErr)
	}

	lastStatus := model.CallStatus("")
	for {
		// Placement failure counts as a failed attempt and goes through
		// the same retry policy as any other failure status.
		status := model.StatusFailed
		if placeErr == nil {
			var err error
			status, err = m.gateway.Status(ctx, handle)
			if err != nil {
				if ctx.Err() != nil {
					return m.canceled(ctx, req, contact, attempt, handle)
				}
				m.log(model.LogLevelWarn, "%s attempt %d status fetch failed: %v", req.ID, attempt, err)
				status = model.StatusFailed
			}
		}

		if status != lastStatus {
			m.recordStatus(req, contact, attempt, status)
			lastStatus = status
		}

		if status == model.StatusCompleted {
			m.log(model.LogLevelInfo, "%s notified via %s after %d attempt(s)", req.ID, contact.Name, attempt)
			return m.finish(req, model.CallOutcome{
				RequestID:    req.ID,
				Category:     req.Category,
				Success:      true,
				Attempts:     attempt,
				FinalContact: &contact,
				Reason:       fmt.Sprintf("emergency services notified via %s", contact.Name),
			})
		}

		if status.IsInFlight() {
			if !m.sleep(ctx, m.cfg.PollInterval) {
				return m.canceled(ctx, req, contact, attempt, handle)
			}
			continue
		}

		// Retryable per-attempt failure: consult the oracle, fall back to
		// the rule-based policy on any oracle error.
		decision := m.analyze(ctx, req, status, attempt, contact, ladder[cursor+1:])
		m.log(model.LogLevelDebug, "%s attempt %d status=%s retry=%v advance=%v: %s",
			req.ID, attempt, status, decision.ShouldRetry, decision.AdvanceContact, decision.Rationale)

		if !decision.ShouldRetry {
			return m.finish(req, model.CallOutcome{
				RequestID:    req.ID,
				Category:     req.Category,
				Success:      false,
				Attempts:     attempt,
				FinalContact: &contact,
				Reason:       fmt.Sprintf("stopped after attempt %d (%s): %s", attempt, status, decision.Rationale),
			})
		}
		if attempt >= m.cfg.MaxAttempts {
			return m.finish(req, model.CallOutcome{
				RequestID:    req.ID,
				Category:     req.Category,
				Success:      false,
				Attempts:     attempt,
				FinalContact: &contact,
				Reason:       fmt.Sprintf("max attempts (%d) exhausted, last status %s", m.cfg.MaxAttempts, status),
			})
		}
		if decision.AdvanceContact {
			cursor++
			if cursor >= len(ladder) {
				return m.finish(req, model.CallOutcome{
					RequestID:    req.ID,
					Category:     req.Category,
					Success:      false,
					Attempts:     attempt,
					FinalContact: &contact,
					Reason:       fmt.Sprintf("contacts exhausted after %d attempt(s), last status %s", attempt, status),
				})
			}
			contact = ladder[cursor]
			m.log(model.LogLevelInfo, "%s escalating to backup contact %s", req.ID, contact.Name)
		}

		if !m.sleep(ctx, m.cfg.RetryDelay) {
			return m.canceled(ctx, req, contact, attempt, "")
		}

		attempt++
		handle, placeErr = m.place(ctx, req, contact, attempt)
		if placeErr != nil {
			// A placement error during retry is immediately terminal; no
			// loop is allowed on a faulting gateway.
			return m.finish(req, model.CallOutcome{
				RequestID:    req.ID,
				Category:     req.Category,
				Success:      false,
				Attempts:     attempt,
				FinalContact: &contact,
				Reason:       fmt.Sprintf("retry call placement failed: %v", placeErr),
			})
		}
		lastStatus = ""
	}
}

func (m *Monitor) place(ctx context.Context, req model.EmergencyRequest, contact model.Contact, attempt int) (telephony.Handle, error) {
	handle, err := m.gateway.Place(ctx, contact.Number, telephony.Payload{
		Category:    req.Category,
		Message:     req.Message,
		Language:    req.Language,
		ContactName: contact.Name,
	})
	if err != nil {
		return "", err
	}

	attemptID, idErr := model.GenerateID(model.IDTypeAttempt)
	if idErr != nil {
		attemptID = ""
	}
	m.record(ledger.Entry{
		Kind:      ledger.KindCallPlaced,
		RequestID: req.ID,
		AttemptID: attemptID,
		Category:  string(req.Category),
		Contact:   contact.Name,
		Number:    contact.Number,
		Attempt:   attempt,
		Language:  req.Language,
	})
	if m.bus != nil {
		m.bus.Publish(events.EventCallPlaced, map[string]any{
			"request_id": req.ID,
			"category":   string(req.Category),
			"contact":    contact.Name,
			"attempt":    attempt,
			"handle":     string(handle),
		})
	}
	m.log(model.LogLevelInfo, "%s attempt %d placed to %s (%s)", req.ID, attempt, contact.Name, contact.Number)
	return handle, nil
}

func (m *Monitor) analyze(ctx context.Context, req model.EmergencyRequest, status model.CallStatus, attempt int, contact model.Contact, remaining []model.Contact) oracle.RetryDecision {
	decision, err := m.oracle.AnalyzeFailure(ctx, oracle.FailureContext{
		Status:            status,
		Category:          req.Category,
		Attempt:           attempt,
		MaxAttempts:       m.cfg.MaxAttempts,
		CurrentContact:    contact,
		RemainingContacts: remaining,
		UserMessage:       req.Message,
	})
	if err != nil {
		m.log(model.LogLevelWarn, "%s oracle failure analysis unavailable: %v", req.ID, err)
		return oracle.FallbackRetry(attempt, m.cfg.MaxAttempts)
	}
	return decision
}

func (m *Monitor) canceled(ctx context.Context, req model.EmergencyRequest, contact model.Contact, attempt int, handle telephony.Handle) model.CallOutcome {
	if handle != "" {
		// Best effort: the batch context is already dead, so detach.
		cancelCtx, cancel := context.WithTimeout(context.Background(), cancelGrace)
		defer cancel()
		if err := m.gateway.Cancel(cancelCtx, handle); err != nil {
			m.log(model.LogLevelWarn, "%s cancel of in-flight call failed: %v", req.ID, err)
		}
	}
	return m.finish(req, model.CallOutcome{
		RequestID:    req.ID,
		Category:     req.Category,
		Success:      false,
		Attempts:     attempt,
		FinalContact: &contact,
		Reason:       "dispatch canceled",
	})
}

func (m *Monitor) recordStatus(req model.EmergencyRequest, contact model.Contact, attempt int, status model.CallStatus) {
	m.record(ledger.Entry{
		Kind:      ledger.KindCallStatus,
		RequestID: req.ID,
		Category:  string(req.Category),
		Contact:   contact.Name,
		Attempt:   attempt,
		Status:    string(status),
		Language:  req.Language,
	})
	if m.bus != nil {
		m.bus.Publish(events.EventCallStatus, map[string]any{
			"request_id": req.ID,
			"attempt":    attempt,
			"status":     string(status),
		})
	}
}

func (m *Monitor) finish(req model.EmergencyRequest, outcome model.CallOutcome) model.CallOutcome {
	contact := ""
	if outcome.FinalContact != nil {
		contact = outcome.FinalContact.Name
	}
	m.record(ledger.Entry{
		Kind:      ledger.KindCallOutcome,
		RequestID: req.ID,
		Category:  string(req.Category),
		Contact:   contact,
		Attempt:   outcome.Attempts,
		Status:    outcomeStatus(outcome),
		Language:  req.Language,
		Rationale: outcome.Reason,
	})
	if m.bus != nil {
		m.bus.Publish(events.EventCallOutcome, map[string]any{
			"request_id": req.ID,
			"category":   string(req.Category),
			"success":    outcome.Success,
			"attempts":   outcome.Attempts,
			"reason":     outcome.Reason,
		})
	}
	if !outcome.Success {
		m.log(model.LogLevelWarn, "%s terminal failure after %d attempt(s): %s", req.ID, outcome.Attempts, outcome.Reason)
	}
	return outcome
}

func outcomeStatus(o model.CallOutcome) string {
	if o.Success {
		return "success"
	}
	return "failure"
}

func (m *Monitor) record(entry ledger.Entry) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.Append(entry); err != nil {
		m.log(model.LogLevelWarn, "ledger append failed: %v", err)
	}
}

// sleep waits d or returns false if ctx is canceled first.
func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Monitor) log(level model.LogLevel, format string, args ...any) {
	if m.logger == nil || level < m.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	m.logger.Printf("%s %s monitor: %s", time.Now().Format(time.RFC3339), level, msg)
}
