// Package coordinator turns a batch of detected emergencies into a dispatch
// plan and a set of running call monitors: rank the batch, choose sequential
// or parallel execution, start one monitor per request, and aggregate their
// terminal outcomes into a single result.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lifeline-lk/dispatch/internal/events"
	"github.com/lifeline-lk/dispatch/internal/ledger"
	"github.com/lifeline-lk/dispatch/internal/lock"
	"github.com/lifeline-lk/dispatch/internal/model"
	"github.com/lifeline-lk/dispatch/internal/monitor"
	"github.com/lifeline-lk/dispatch/internal/oracle"
	"github.com/lifeline-lk/dispatch/internal/telephony"
)

// Config is the dispatch policy for one coordinator.
type Config struct {
	MaxAttempts        int
	PollInterval       time.Duration
	RetryDelay         time.Duration
	SequentialDelay    time.Duration
	FallbackPrecedence []model.Category
}

// ConfigFromDispatch converts the YAML policy into runtime durations.
func ConfigFromDispatch(dc model.DispatchConfig) Config {
	return Config{
		MaxAttempts:        dc.MaxAttempts,
		PollInterval:       time.Duration(dc.PollIntervalSec) * time.Second,
		RetryDelay:         time.Duration(dc.RetryDelaySec) * time.Second,
		SequentialDelay:    time.Duration(dc.SequentialDelaySec) * time.Second,
		FallbackPrecedence: dc.FallbackPrecedence,
	}
}

// ContactSource resolves a category to its ranked contact ladder.
type ContactSource interface {
	ContactsFor(category model.Category) []model.Contact
}

// Coordinator owns batch-level orchestration. One Coordinator serves many
// Dispatch calls; per-request state lives in the monitors it spawns.
type Coordinator struct {
	gateway  telephony.Gateway
	oracle   oracle.Oracle
	contacts ContactSource
	guard    *lock.Guard
	recorder monitor.Recorder
	bus      *events.Bus
	cfg      Config
	logger   *log.Logger
	logLevel model.LogLevel
}

// New creates a coordinator. Gateway, oracle, and contact source are
// required; ledger and event bus are optional observers.
func New(gw telephony.Gateway, orc oracle.Oracle, contacts ContactSource, cfg Config, logger *log.Logger, logLevel model.LogLevel) *Coordinator {
	return &Coordinator{
		gateway:  gw,
		oracle:   orc,
		contacts: contacts,
		guard:    lock.NewGuard(),
		cfg:      cfg,
		logger:   logger,
		logLevel: logLevel,
	}
}

// SetRecorder wires the call ledger into the coordinator and every monitor
// it spawns.
func (c *Coordinator) SetRecorder(r monitor.Recorder) {
	c.recorder = r
}

// SetEventBus wires the event bus for batch and call lifecycle events.
func (c *Coordinator) SetEventBus(bus *events.Bus) {
	c.bus = bus
}

// Dispatch ranks the batch, picks a strategy, and runs one call monitor per
// request to a terminal outcome. It always returns a result: oracle outages,
// gateway faults, and exhausted ladders become failure outcomes, and a
// canceled context yields a partial result rather than an error.
func (c *Coordinator) Dispatch(ctx context.Context, requests []model.EmergencyRequest, userMessage string) model.DispatchResult {
	if len(requests) == 0 {
		return model.DispatchResult{Strategy: model.StrategySequential}
	}

	batchID, err := model.GenerateID(model.IDTypeBatch)
	if err != nil {
		batchID = ""
	}

	// A request already owned by a running monitor must not get a second
	// one; it fails out of this batch instead.
	var admitted []model.EmergencyRequest
	var duplicates []model.CallOutcome
	for _, req := range requests {
		if !c.guard.TryAcquire(req.ID) {
			c.log(model.LogLevelWarn, "%s already being dispatched, rejecting duplicate", req.ID)
			duplicates = append(duplicates, model.CallOutcome{
				RequestID: req.ID,
				Category:  req.Category,
				Success:   false,
				Reason:    "request already being dispatched",
			})
			continue
		}
		admitted = append(admitted, req)
	}

	plan := c.plan(ctx, admitted, userMessage)
	c.log(model.LogLevelInfo, "batch %s: %d request(s), strategy %s: %s",
		batchID, len(plan.Calls), plan.Strategy, plan.Rationale)
	c.record(ledger.Entry{
		Kind:      ledger.KindBatch,
		BatchID:   batchID,
		Status:    "started",
		Rationale: plan.Rationale,
		Details: map[string]any{
			"requests": len(plan.Calls),
			"strategy": string(plan.Strategy),
		},
	})

	outcomes := c.execute(ctx, batchID, plan)
	outcomes = append(outcomes, duplicates...)

	result := model.DispatchResult{
		Outcomes:  outcomes,
		Strategy:  plan.Strategy,
		Rationale: plan.Rationale,
		Partial:   ctx.Err() != nil,
	}
	c.record(ledger.Entry{
		Kind:    ledger.KindBatch,
		BatchID: batchID,
		Status:  "done",
		Details: map[string]any{
			"successes": result.Successes(),
			"outcomes":  len(result.Outcomes),
			"partial":   result.Partial,
		},
	})
	if c.bus != nil {
		c.bus.Publish(events.EventBatchDone, map[string]any{
			"batch_id":  batchID,
			"strategy":  string(plan.Strategy),
			"successes": result.Successes(),
			"outcomes":  len(result.Outcomes),
			"partial":   result.Partial,
		})
	}
	return result
}

// plan ranks admitted requests and chooses a strategy. A single request
// skips the oracle entirely; there is nothing to rank and nothing to
// parallelize, and every oracle round-trip delays the call.
func (c *Coordinator) plan(ctx context.Context, requests []model.EmergencyRequest, userMessage string) model.DispatchPlan {
	if len(requests) == 1 {
		return model.DispatchPlan{
			Calls: []model.PlannedCall{{
				Request:      requests[0],
				UrgencyScore: 1.0,
				Rationale:    "single emergency, dispatched directly",
			}},
			Strategy:  model.StrategySequential,
			Rationale: "single emergency, dispatched directly",
		}
	}

	rank, err := c.oracle.Rank(ctx, requests, userMessage)
	if err != nil {
		c.log(model.LogLevelWarn, "oracle ranking unavailable: %v", err)
		rank = oracle.FallbackRank(requests, c.precedence())
	}

	strategy, err := c.oracle.ChooseStrategy(ctx, rank.Ranked, userMessage)
	if err != nil {
		c.log(model.LogLevelWarn, "oracle strategy unavailable: %v", err)
		strategy = oracle.FallbackStrategy()
	}

	calls := make([]model.PlannedCall, len(rank.Ranked))
	for i, rr := range rank.Ranked {
		calls[i] = model.PlannedCall{
			Request:      rr.Request,
			UrgencyScore: rr.UrgencyScore,
			Rationale:    rr.Rationale,
		}
	}
	return model.DispatchPlan{
		Calls:     calls,
		Strategy:  strategy.Strategy,
		Rationale: fmt.Sprintf("%s; %s", rank.Rationale, strategy.Rationale),
	}
}

// execute runs one monitor per planned call. Parallel starts everything at
// once; sequential staggers monitor starts by the configured delay so the
// most urgent call gets the gateway first. Outcomes come back in plan order.
func (c *Coordinator) execute(ctx context.Context, batchID string, plan model.DispatchPlan) []model.CallOutcome {
	outcomes := make([]model.CallOutcome, len(plan.Calls))
	var wg sync.WaitGroup

	for i, call := range plan.Calls {
		if plan.Strategy == model.StrategySequential && i > 0 {
			if !sleep(ctx, c.cfg.SequentialDelay) {
				// Everything not yet started fails cleanly; monitors
				// already running see the same cancellation themselves.
				for j := i; j < len(plan.Calls); j++ {
					req := plan.Calls[j].Request
					outcomes[j] = model.CallOutcome{
						RequestID: req.ID,
						Category:  req.Category,
						Success:   false,
						Reason:    "dispatch canceled before call placement",
					}
					c.guard.Release(req.ID)
				}
				break
			}
		}

		wg.Add(1)
		go func(slot int, req model.EmergencyRequest) {
			defer wg.Done()
			defer c.guard.Release(req.ID)
			defer func() {
				if r := recover(); r != nil {
					c.log(model.LogLevelError, "%s monitor panicked: %v", req.ID, r)
					outcomes[slot] = model.CallOutcome{
						RequestID: req.ID,
						Category:  req.Category,
						Success:   false,
						Reason:    fmt.Sprintf("internal dispatch error: %v", r),
					}
				}
			}()

			m := monitor.New(c.gateway, c.oracle, monitor.Config{
				MaxAttempts:  c.cfg.MaxAttempts,
				PollInterval: c.cfg.PollInterval,
				RetryDelay:   c.cfg.RetryDelay,
			}, c.logger, c.logLevel)
			if c.recorder != nil {
				m.SetRecorder(c.recorder)
			}
			if c.bus != nil {
				m.SetEventBus(c.bus)
			}
			outcomes[slot] = m.Run(ctx, req, c.contacts.ContactsFor(req.Category))
		}(i, call.Request)
	}

	wg.Wait()
	return outcomes
}

func (c *Coordinator) precedence() []model.Category {
	if len(c.cfg.FallbackPrecedence) > 0 {
		return c.cfg.FallbackPrecedence
	}
	return model.DefaultFallbackPrecedence
}

func (c *Coordinator) record(entry ledger.Entry) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Append(entry); err != nil {
		c.log(model.LogLevelWarn, "ledger append failed: %v", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Coordinator) log(level model.LogLevel, format string, args ...any) {
	if c.logger == nil || level < c.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s coordinator: %s", time.Now().Format(time.RFC3339), level, msg)
}
