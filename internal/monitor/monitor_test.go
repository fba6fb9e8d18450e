package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifeline-lk/dispatch/internal/ledger"
	"github.com/lifeline-lk/dispatch/internal/model"
	"github.com/lifeline-lk/dispatch/internal/oracle"
	"github.com/lifeline-lk/dispatch/internal/telephony"
)

// fakeGateway scripts one status sequence per placed call. When a script is
// exhausted its last status repeats.
type fakeGateway struct {
	mu        sync.Mutex
	scripts   [][]model.CallStatus
	placeErrs map[int]error // placement index (0-based) → error
	placed    []string      // destination numbers in placement order
	polls     map[string]int
	canceled  []telephony.Handle
}

func newFakeGateway(scripts ...[]model.CallStatus) *fakeGateway {
	return &fakeGateway{
		scripts:   scripts,
		placeErrs: map[int]error{},
		polls:     map[string]int{},
	}
}

func (g *fakeGateway) Place(ctx context.Context, destination string, payload telephony.Payload) (telephony.Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := len(g.placed)
	if err := g.placeErrs[idx]; err != nil {
		g.placed = append(g.placed, destination)
		return "", err
	}
	g.placed = append(g.placed, destination)
	return telephony.Handle(fmt.Sprintf("call-%d", idx)), nil
}

func (g *fakeGateway) Status(ctx context.Context, handle telephony.Handle) (model.CallStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var idx int
	fmt.Sscanf(string(handle), "call-%d", &idx)
	if idx >= len(g.scripts) {
		return model.StatusFailed, fmt.Errorf("no script for %s", handle)
	}
	script := g.scripts[idx]
	poll := g.polls[string(handle)]
	g.polls[string(handle)]++
	if poll >= len(script) {
		return script[len(script)-1], nil
	}
	return script[poll], nil
}

func (g *fakeGateway) Cancel(ctx context.Context, handle telephony.Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled = append(g.canceled, handle)
	return nil
}

func (g *fakeGateway) placements() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.placed...)
}

// stubOracle delegates retry analysis to a function.
type stubOracle struct {
	analyze func(fc oracle.FailureContext) (oracle.RetryDecision, error)
}

func (o *stubOracle) Rank(ctx context.Context, reqs []model.EmergencyRequest, msg string) (oracle.RankDecision, error) {
	return oracle.RankDecision{}, errors.New("not used")
}

func (o *stubOracle) ChooseStrategy(ctx context.Context, ranked []oracle.RankedRequest, msg string) (oracle.StrategyDecision, error) {
	return oracle.StrategyDecision{}, errors.New("not used")
}

func (o *stubOracle) AnalyzeFailure(ctx context.Context, fc oracle.FailureContext) (oracle.RetryDecision, error) {
	return o.analyze(fc)
}

// erroringOracle always fails, forcing the deterministic fallback.
var erroringOracle = &stubOracle{
	analyze: func(fc oracle.FailureContext) (oracle.RetryDecision, error) {
		return oracle.RetryDecision{}, errors.New("oracle unavailable")
	},
}

// memRecorder collects ledger entries in memory.
type memRecorder struct {
	mu      sync.Mutex
	entries []ledger.Entry
}

func (r *memRecorder) Append(e ledger.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *memRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Kind
	}
	return out
}

func testConfig() Config {
	return Config{
		MaxAttempts:  4,
		PollInterval: time.Millisecond,
		RetryDelay:   time.Millisecond,
	}
}

func newTestMonitor(gw telephony.Gateway, orc oracle.Oracle) *Monitor {
	return New(gw, orc, testConfig(), log.New(&bytes.Buffer{}, "", 0), model.LogLevelDebug)
}

func fireRequest() model.EmergencyRequest {
	return model.EmergencyRequest{
		ID:       "req_0000000001_deadbeef",
		Category: model.CategoryFire,
		Severity: "high",
		Message:  "kitchen fire spreading",
		Language: "en",
	}
}

func ladder(n int) []model.Contact {
	out := make([]model.Contact, n)
	for i := range out {
		out[i] = model.Contact{
			Number:   fmt.Sprintf("+9411%d", i),
			Name:     fmt.Sprintf("Contact %d", i+1),
			Priority: i + 1,
		}
	}
	return out
}

func TestFirstAttemptCompleted(t *testing.T) {
	gw := newFakeGateway([]model.CallStatus{model.StatusCompleted})
	m := newTestMonitor(gw, erroringOracle)

	outcome := m.Run(context.Background(), fireRequest(), ladder(2))

	assert.True(t, outcome.Success)
	assert.Equal(t, 1, outcome.Attempts)
	require.NotNil(t, outcome.FinalContact)
	assert.Equal(t, "Contact 1", outcome.FinalContact.Name)
	assert.Len(t, gw.placements(), 1)
}

func TestPollsThroughInFlightStatuses(t *testing.T) {
	gw := newFakeGateway([]model.CallStatus{
		model.StatusQueued, model.StatusRinging, model.StatusInProgress, model.StatusCompleted,
	})
	m := newTestMonitor(gw, erroringOracle)

	outcome := m.Run(context.Background(), fireRequest(), ladder(1))

	assert.True(t, outcome.Success)
	assert.Equal(t, 1, outcome.Attempts, "in-flight polling must not consume attempts")
}

func TestRetrySameContactThenSuccess(t *testing.T) {
	gw := newFakeGateway(
		[]model.CallStatus{model.StatusNoAnswer},
		[]model.CallStatus{model.StatusCompleted},
	)
	orc := &stubOracle{analyze: func(fc oracle.FailureContext) (oracle.RetryDecision, error) {
		return oracle.RetryDecision{ShouldRetry: true, AdvanceContact: false, Rationale: "transient"}, nil
	}}
	m := newTestMonitor(gw, orc)

	outcome := m.Run(context.Background(), fireRequest(), ladder(2))

	assert.True(t, outcome.Success)
	assert.Equal(t, 2, outcome.Attempts)
	placements := gw.placements()
	require.Len(t, placements, 2)
	assert.Equal(t, placements[0], placements[1], "retry without advance must target the same contact")
}

func TestOracleUnavailableStillTerminates(t *testing.T) {
	// Every attempt goes busy and the oracle always errors; the fallback
	// must drive the monitor to a terminal state within max attempts.
	gw := newFakeGateway(
		[]model.CallStatus{model.StatusBusy},
		[]model.CallStatus{model.StatusBusy},
		[]model.CallStatus{model.StatusBusy},
		[]model.CallStatus{model.StatusBusy},
	)
	m := newTestMonitor(gw, erroringOracle)

	done := make(chan model.CallOutcome, 1)
	go func() { done <- m.Run(context.Background(), fireRequest(), ladder(5)) }()

	select {
	case outcome := <-done:
		assert.False(t, outcome.Success)
		assert.Equal(t, 4, outcome.Attempts)
		assert.Contains(t, outcome.Reason, "max attempts")
		assert.Len(t, gw.placements(), 4)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not terminate")
	}
}

func TestContactsExhausted(t *testing.T) {
	// 2-entry ladder, persistent busy, oracle always advances: terminates
	// after the second contact, never attempting a third nonexistent one.
	gw := newFakeGateway(
		[]model.CallStatus{model.StatusBusy},
		[]model.CallStatus{model.StatusBusy},
		[]model.CallStatus{model.StatusBusy},
		[]model.CallStatus{model.StatusBusy},
		[]model.CallStatus{model.StatusBusy},
	)
	orc := &stubOracle{analyze: func(fc oracle.FailureContext) (oracle.RetryDecision, error) {
		return oracle.RetryDecision{ShouldRetry: true, AdvanceContact: true, Rationale: "line persistently busy"}, nil
	}}
	m := New(gw, orc, Config{MaxAttempts: 10, PollInterval: time.Millisecond, RetryDelay: time.Millisecond},
		log.New(&bytes.Buffer{}, "", 0), model.LogLevelDebug)

	outcome := m.Run(context.Background(), fireRequest(), ladder(2))

	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Reason, "contacts exhausted")
	assert.Equal(t, 2, outcome.Attempts)
	assert.Len(t, gw.placements(), 2)
}

func TestOracleSaysStop(t *testing.T) {
	gw := newFakeGateway([]model.CallStatus{model.StatusFailed})
	orc := &stubOracle{analyze: func(fc oracle.FailureContext) (oracle.RetryDecision, error) {
		return oracle.RetryDecision{ShouldRetry: false, Rationale: "unrecoverable carrier fault"}, nil
	}}
	m := newTestMonitor(gw, orc)

	outcome := m.Run(context.Background(), fireRequest(), ladder(3))

	assert.False(t, outcome.Success)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Contains(t, outcome.Reason, "unrecoverable carrier fault")
}

func TestEmptyLadderIsTerminalFailure(t *testing.T) {
	gw := newFakeGateway()
	m := newTestMonitor(gw, erroringOracle)

	outcome := m.Run(context.Background(), fireRequest(), nil)

	assert.False(t, outcome.Success)
	assert.Equal(t, 0, outcome.Attempts)
	assert.Contains(t, outcome.Reason, "no emergency contacts")
	assert.Empty(t, gw.placements())
}

func TestInitialPlacementFailureIsRetried(t *testing.T) {
	gw := newFakeGateway(
		nil, // placement 0 errors, script unused
		[]model.CallStatus{model.StatusCompleted},
	)
	gw.placeErrs[0] = errors.New("gateway 500")
	m := newTestMonitor(gw, erroringOracle)

	outcome := m.Run(context.Background(), fireRequest(), ladder(2))

	assert.True(t, outcome.Success)
	assert.Equal(t, 2, outcome.Attempts)
}

func TestRetryPlacementFailureIsTerminal(t *testing.T) {
	gw := newFakeGateway([]model.CallStatus{model.StatusBusy})
	gw.placeErrs[1] = errors.New("gateway down")
	orc := &stubOracle{analyze: func(fc oracle.FailureContext) (oracle.RetryDecision, error) {
		return oracle.RetryDecision{ShouldRetry: true, AdvanceContact: false}, nil
	}}
	m := newTestMonitor(gw, orc)

	outcome := m.Run(context.Background(), fireRequest(), ladder(2))

	assert.False(t, outcome.Success)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Contains(t, outcome.Reason, "retry call placement failed")
}

func TestNoAnswerUntilFourthAttempt(t *testing.T) {
	gw := newFakeGateway(
		[]model.CallStatus{model.StatusNoAnswer},
		[]model.CallStatus{model.StatusNoAnswer},
		[]model.CallStatus{model.StatusNoAnswer},
		[]model.CallStatus{model.StatusCompleted},
	)
	// Fallback policy: retry same once, then escalate to backups.
	m := newTestMonitor(gw, erroringOracle)

	outcome := m.Run(context.Background(), fireRequest(), ladder(3))

	assert.True(t, outcome.Success)
	assert.Equal(t, 4, outcome.Attempts)
	require.NotNil(t, outcome.FinalContact)
	assert.Equal(t, "Contact 3", outcome.FinalContact.Name, "ladder cursor should reflect the two advances")
}

func TestCancellationCancelsInFlightCall(t *testing.T) {
	gw := newFakeGateway([]model.CallStatus{model.StatusRinging})
	m := newTestMonitor(gw, erroringOracle)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	outcome := m.Run(ctx, fireRequest(), ladder(1))

	assert.False(t, outcome.Success)
	assert.Equal(t, "dispatch canceled", outcome.Reason)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.NotEmpty(t, gw.canceled, "in-flight call should be canceled best-effort")
}

func TestLedgerEntrySequence(t *testing.T) {
	gw := newFakeGateway([]model.CallStatus{model.StatusRinging, model.StatusCompleted})
	m := newTestMonitor(gw, erroringOracle)
	rec := &memRecorder{}
	m.SetRecorder(rec)

	outcome := m.Run(context.Background(), fireRequest(), ladder(1))
	require.True(t, outcome.Success)

	kinds := rec.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, ledger.KindCallPlaced, kinds[0])
	assert.Equal(t, ledger.KindCallOutcome, kinds[len(kinds)-1])
	assert.Contains(t, kinds, ledger.KindCallStatus)
}
