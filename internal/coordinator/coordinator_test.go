package coordinator

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

// fakeGateway answers every call with a fixed status and records when each
// placement happened.
type fakeGateway struct {
	mu           sync.Mutex
	status       model.CallStatus
	placed       []string
	placeTimes   []time.Time
	panicOnPlace bool
}

func (g *fakeGateway) Place(ctx context.Context, destination string, payload telephony.Payload) (telephony.Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.panicOnPlace {
		panic("gateway wiring bug")
	}
	g.placed = append(g.placed, destination)
	g.placeTimes = append(g.placeTimes, time.Now())
	return telephony.Handle(fmt.Sprintf("call-%d", len(g.placed)-1)), nil
}

func (g *fakeGateway) Status(ctx context.Context, handle telephony.Handle) (model.CallStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status, nil
}

func (g *fakeGateway) Cancel(ctx context.Context, handle telephony.Handle) error {
	return nil
}

func (g *fakeGateway) placements() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.placed...)
}

func (g *fakeGateway) times() []time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]time.Time(nil), g.placeTimes...)
}

// fakeOracle counts calls and delegates to overridable functions.
type fakeOracle struct {
	mu            sync.Mutex
	rankCalls     int
	strategyCalls int
	rank          func([]model.EmergencyRequest) (oracle.RankDecision, error)
	strategy      func([]oracle.RankedRequest) (oracle.StrategyDecision, error)
}

func (o *fakeOracle) Rank(ctx context.Context, reqs []model.EmergencyRequest, msg string) (oracle.RankDecision, error) {
	o.mu.Lock()
	o.rankCalls++
	o.mu.Unlock()
	if o.rank == nil {
		return oracle.RankDecision{}, errors.New("rank unavailable")
	}
	return o.rank(reqs)
}

func (o *fakeOracle) ChooseStrategy(ctx context.Context, ranked []oracle.RankedRequest, msg string) (oracle.StrategyDecision, error) {
	o.mu.Lock()
	o.strategyCalls++
	o.mu.Unlock()
	if o.strategy == nil {
		return oracle.StrategyDecision{}, errors.New("strategy unavailable")
	}
	return o.strategy(ranked)
}

func (o *fakeOracle) AnalyzeFailure(ctx context.Context, fc oracle.FailureContext) (oracle.RetryDecision, error) {
	return oracle.RetryDecision{}, errors.New("analysis unavailable")
}

// fixedContacts hands every category the same single-entry ladder, with the
// category embedded in the number so placements are attributable.
type fixedContacts struct{}

func (fixedContacts) ContactsFor(category model.Category) []model.Contact {
	return []model.Contact{{
		Number:   "+94-" + string(category),
		Name:     string(category) + " primary",
		Priority: 1,
	}}
}

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

func testConfig() Config {
	return Config{
		MaxAttempts:        4,
		PollInterval:       time.Millisecond,
		RetryDelay:         time.Millisecond,
		SequentialDelay:    time.Millisecond,
		FallbackPrecedence: model.DefaultFallbackPrecedence,
	}
}

func newTestCoordinator(gw telephony.Gateway, orc oracle.Oracle, cfg Config) *Coordinator {
	return New(gw, orc, fixedContacts{}, cfg, log.New(&bytes.Buffer{}, "", 0), model.LogLevelDebug)
}

func request(id string, category model.Category) model.EmergencyRequest {
	return model.EmergencyRequest{
		ID:       id,
		Category: category,
		Severity: "high",
		Message:  "test emergency",
		Language: "en",
	}
}

func TestEmptyBatch(t *testing.T) {
	c := newTestCoordinator(&fakeGateway{status: model.StatusCompleted}, &fakeOracle{}, testConfig())

	result := c.Dispatch(context.Background(), nil, "")

	assert.Empty(t, result.Outcomes)
	assert.False(t, result.Partial)
}

func TestSingleRequestSkipsOracle(t *testing.T) {
	gw := &fakeGateway{status: model.StatusCompleted}
	orc := &fakeOracle{}
	c := newTestCoordinator(gw, orc, testConfig())

	result := c.Dispatch(context.Background(), []model.EmergencyRequest{
		request("req_0000000001_00000001", model.CategoryFire),
	}, "kitchen fire")

	require.Len(t, result.Outcomes, 1)
	assert.True(t, result.Outcomes[0].Success)
	assert.Equal(t, model.StrategySequential, result.Strategy)
	assert.Equal(t, 0, orc.rankCalls, "a single request must not be ranked")
	assert.Equal(t, 0, orc.strategyCalls)
}

func TestOracleRankingOrdersParallelBatch(t *testing.T) {
	gw := &fakeGateway{status: model.StatusCompleted}
	orc := &fakeOracle{
		rank: func(reqs []model.EmergencyRequest) (oracle.RankDecision, error) {
			// Reverse the submitted order.
			ranked := make([]oracle.RankedRequest, 0, len(reqs))
			for i := len(reqs) - 1; i >= 0; i-- {
				ranked = append(ranked, oracle.RankedRequest{
					Request:      reqs[i],
					Priority:     len(reqs) - i,
					UrgencyScore: 0.9,
				})
			}
			return oracle.RankDecision{Ranked: ranked, Rationale: "reversed"}, nil
		},
		strategy: func(ranked []oracle.RankedRequest) (oracle.StrategyDecision, error) {
			return oracle.StrategyDecision{Strategy: model.StrategyParallel, Rationale: "independent services"}, nil
		},
	}
	c := newTestCoordinator(gw, orc, testConfig())

	result := c.Dispatch(context.Background(), []model.EmergencyRequest{
		request("req_0000000001_00000001", model.CategoryPolice),
		request("req_0000000001_00000002", model.CategoryMedical),
	}, "accident with injuries")

	require.Len(t, result.Outcomes, 2)
	assert.Equal(t, model.StrategyParallel, result.Strategy)
	assert.Equal(t, "req_0000000001_00000002", result.Outcomes[0].RequestID, "outcomes follow ranked order")
	assert.Equal(t, "req_0000000001_00000001", result.Outcomes[1].RequestID)
	assert.Equal(t, 2, result.Successes())

	times := gw.times()
	require.Len(t, times, 2)
	assert.Less(t, times[1].Sub(times[0]), time.Second, "parallel placements must not be staggered")
}

func TestOracleOutageFallsBackToPrecedence(t *testing.T) {
	gw := &fakeGateway{status: model.StatusCompleted}
	c := newTestCoordinator(gw, &fakeOracle{}, testConfig())

	result := c.Dispatch(context.Background(), []model.EmergencyRequest{
		request("req_0000000001_00000001", model.CategoryPolice),
		request("req_0000000001_00000002", model.CategoryFire),
		request("req_0000000001_00000003", model.CategoryMedical),
	}, "building collapse")

	require.Len(t, result.Outcomes, 3)
	assert.Equal(t, model.StrategySequential, result.Strategy, "fallback strategy is sequential")
	assert.Equal(t, model.CategoryFire, result.Outcomes[0].Category)
	assert.Equal(t, model.CategoryMedical, result.Outcomes[1].Category)
	assert.Equal(t, model.CategoryPolice, result.Outcomes[2].Category)
	assert.Equal(t, 3, result.Successes())
}

func TestSequentialStaggersPlacements(t *testing.T) {
	const delay = 40 * time.Millisecond
	gw := &fakeGateway{status: model.StatusCompleted}
	orc := &fakeOracle{
		rank: func(reqs []model.EmergencyRequest) (oracle.RankDecision, error) {
			ranked := make([]oracle.RankedRequest, len(reqs))
			for i, r := range reqs {
				ranked[i] = oracle.RankedRequest{Request: r, Priority: i + 1}
			}
			return oracle.RankDecision{Ranked: ranked}, nil
		},
		strategy: func(ranked []oracle.RankedRequest) (oracle.StrategyDecision, error) {
			return oracle.StrategyDecision{Strategy: model.StrategySequential}, nil
		},
	}
	cfg := testConfig()
	cfg.SequentialDelay = delay
	c := newTestCoordinator(gw, orc, cfg)

	result := c.Dispatch(context.Background(), []model.EmergencyRequest{
		request("req_0000000001_00000001", model.CategoryFire),
		request("req_0000000001_00000002", model.CategoryMedical),
	}, "")

	require.Equal(t, 2, result.Successes())
	times := gw.times()
	require.Len(t, times, 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), delay,
		"second monitor must not start before the sequential delay")
}

func TestDuplicateRequestRejected(t *testing.T) {
	gw := &fakeGateway{status: model.StatusCompleted}
	c := newTestCoordinator(gw, &fakeOracle{}, testConfig())

	req := request("req_0000000001_00000001", model.CategoryFire)
	result := c.Dispatch(context.Background(), []model.EmergencyRequest{req, req}, "")

	require.Len(t, result.Outcomes, 2)
	outcome, ok := result.OutcomeFor(req.ID)
	require.True(t, ok)
	assert.True(t, outcome.Success)

	var rejected *model.CallOutcome
	for i := range result.Outcomes {
		if !result.Outcomes[i].Success {
			rejected = &result.Outcomes[i]
		}
	}
	require.NotNil(t, rejected)
	assert.Contains(t, rejected.Reason, "already being dispatched")
	assert.Len(t, gw.placements(), 1, "the duplicate must never reach the gateway")
}

func TestGuardReleasedAfterDispatch(t *testing.T) {
	gw := &fakeGateway{status: model.StatusCompleted}
	c := newTestCoordinator(gw, &fakeOracle{}, testConfig())

	req := request("req_0000000001_00000001", model.CategoryMedical)
	first := c.Dispatch(context.Background(), []model.EmergencyRequest{req}, "")
	second := c.Dispatch(context.Background(), []model.EmergencyRequest{req}, "")

	assert.Equal(t, 1, first.Successes())
	assert.Equal(t, 1, second.Successes(), "finished requests can be dispatched again")
}

func TestMonitorPanicBecomesFailureOutcome(t *testing.T) {
	gw := &fakeGateway{status: model.StatusCompleted, panicOnPlace: true}
	c := newTestCoordinator(gw, &fakeOracle{}, testConfig())

	result := c.Dispatch(context.Background(), []model.EmergencyRequest{
		request("req_0000000001_00000001", model.CategoryFire),
	}, "")

	require.Len(t, result.Outcomes, 1)
	assert.False(t, result.Outcomes[0].Success)
	assert.Contains(t, result.Outcomes[0].Reason, "internal dispatch error")
}

func TestCancellationYieldsPartialResult(t *testing.T) {
	// First call rings forever; cancellation must fail the not-yet-started
	// requests without placing their calls.
	gw := &fakeGateway{status: model.StatusRinging}
	cfg := testConfig()
	cfg.SequentialDelay = time.Second
	c := newTestCoordinator(gw, &fakeOracle{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	result := c.Dispatch(ctx, []model.EmergencyRequest{
		request("req_0000000001_00000001", model.CategoryFire),
		request("req_0000000001_00000002", model.CategoryMedical),
		request("req_0000000001_00000003", model.CategoryPolice),
	}, "")

	require.Len(t, result.Outcomes, 3)
	assert.True(t, result.Partial)
	assert.Equal(t, 0, result.Successes())
	assert.Equal(t, "dispatch canceled", result.Outcomes[0].Reason)
	assert.Equal(t, "dispatch canceled before call placement", result.Outcomes[1].Reason)
	assert.Equal(t, "dispatch canceled before call placement", result.Outcomes[2].Reason)
	assert.Len(t, gw.placements(), 1)
}

func TestBatchLedgerEntries(t *testing.T) {
	gw := &fakeGateway{status: model.StatusCompleted}
	c := newTestCoordinator(gw, &fakeOracle{}, testConfig())
	rec := &memRecorder{}
	c.SetRecorder(rec)

	c.Dispatch(context.Background(), []model.EmergencyRequest{
		request("req_0000000001_00000001", model.CategoryFire),
	}, "")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var batchStatuses []string
	for _, e := range rec.entries {
		if e.Kind == ledger.KindBatch {
			batchStatuses = append(batchStatuses, e.Status)
			assert.NotEmpty(t, e.BatchID)
		}
	}
	assert.Equal(t, []string{"started", "done"}, batchStatuses)
}
