package risk

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/perpsim/alert"
	"github.com/quantfold/perpsim/exchange"
	"github.com/quantfold/perpsim/internal/config"
	"github.com/quantfold/perpsim/strategy"
	"github.com/quantfold/perpsim/types"
)

// fakeClient is a scriptable exchange.Client.
type fakeClient struct {
	equity     float64
	equityErr  error
	candles    []types.Candle
	positions  []exchange.Position
	margin     exchange.MarginInfo
	closed     []exchange.ClosedTrade
	instrument exchange.Instrument

	leverageCalls int
}

func (f *fakeClient) Klines(context.Context, string, string, int) ([]types.Candle, error) {
	return f.candles, nil
}
func (f *fakeClient) WalletEquity(context.Context) (float64, error) {
	return f.equity, f.equityErr
}
func (f *fakeClient) Positions(context.Context, string) ([]exchange.Position, error) {
	return f.positions, nil
}
func (f *fakeClient) MarginInfo(context.Context, string, int) (exchange.MarginInfo, error) {
	return f.margin, nil
}
func (f *fakeClient) ClosedPnL(context.Context, string, time.Time) ([]exchange.ClosedTrade, error) {
	return f.closed, nil
}
func (f *fakeClient) Instrument(context.Context, string) (exchange.Instrument, error) {
	return f.instrument, nil
}
func (f *fakeClient) SetLeverage(context.Context, string, float64) error {
	f.leverageCalls++
	return nil
}
func (f *fakeClient) PlaceBracket(context.Context, exchange.BracketOrder) (string, error) {
	return "venue-order", nil
}

// fakePlacer records placements.
type fakePlacer struct {
	brackets []Bracket
	exits    []float64
}

func (f *fakePlacer) PlaceBracket(_ context.Context, b Bracket) error {
	f.brackets = append(f.brackets, b)
	return nil
}
func (f *fakePlacer) PlaceExit(_ context.Context, _ string, qty float64, _ string) error {
	f.exits = append(f.exits, qty)
	return nil
}

// stubSignaler returns a fixed signal.
type stubSignaler struct{ sig strategy.Signal }

func (s stubSignaler) Evaluate([]types.Candle) strategy.Signal { return s.sig }
func (s stubSignaler) MinCandles() int                         { return 1 }

func safetyConfig(t *testing.T) config.Safety {
	t.Helper()
	return config.Safety{
		ConsecutiveLossLimit: 3,
		MaxMarginRatio:       0.10,
		MaxDailyLossPct:      0.03,
		DrawdownThresholdPct: 0.10,
		RequestsPerSecond:    5,
		RequestsPerMinute:    120,
		RiskPct:              0.005,
		StopLossPct:          0.01,
		TakeProfitPct:        0.02,
		CashDeployCapPct:     0.20,
		Leverage:             2,
		PositionIdx:          0,
		TriggerBy:            "MarkPrice",
		EarlyExitOnCross:     true,
		StateFile:            filepath.Join(t.TempDir(), "state.json"),
	}
}

// candleHistory builds n closed 5m candles ending well in the past relative
// to the pipeline's clock.
func candleHistory(n int, anchor time.Time) []types.Candle {
	candles := make([]types.Candle, n)
	for i := range candles {
		start := anchor.Add(time.Duration(i-n) * 5 * time.Minute)
		candles[i] = types.Candle{Start: start, Open: 100, High: 101, Low: 99, Close: 100, Volume: 10}
	}
	return candles
}

type pipelineFixture struct {
	pipeline *Pipeline
	client   *fakeClient
	placer   *fakePlacer
	alerts   *alert.Recorder
	state    *State
}

func newFixture(t *testing.T, sig strategy.Signal) *pipelineFixture {
	t.Helper()
	cfg := safetyConfig(t)
	anchor := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	client := &fakeClient{
		equity:     1000,
		candles:    candleHistory(40, anchor),
		instrument: exchange.Instrument{QtyStep: 0.001, MinQty: 0.001, TickSize: 0.01},
	}
	placer := &fakePlacer{}
	rec := &alert.Recorder{}
	state := NewState(cfg.StateFile, alert.Nop{})

	p := NewPipeline(cfg, "BTCUSDT", "5m", "test-run", client, state, placer, stubSignaler{sig}, rec)
	p.now = func() time.Time { return anchor }
	return &pipelineFixture{pipeline: p, client: client, placer: placer, alerts: rec, state: state}
}

func TestCycleEntersOnBullCross(t *testing.T) {
	f := newFixture(t, strategy.Signal{EnterLong: true, Price: 100})

	f.pipeline.Cycle(context.Background())

	require.Len(t, f.placer.brackets, 1)
	b := f.placer.brackets[0]

	// min(1000*0.005/0.01, 1000*0.20)/100 = 200/100 = 2.0
	assert.InDelta(t, 2.0, b.Qty, 1e-9)
	assert.Equal(t, types.SideBuy, b.Side)
	assert.InDelta(t, 102.0, b.TakeProfit, 1e-9)
	assert.InDelta(t, 99.0, b.StopLoss, 1e-9)
	assert.Equal(t, "MarkPrice", b.TriggerBy)
	assert.NotEmpty(t, b.LinkID)

	assert.InDelta(t, 2.0, f.pipeline.currentPositionQty, 1e-9)
	assert.Equal(t, 1000.0, f.pipeline.entryEquity)
	assert.Equal(t, 1, f.pipeline.sessionTrades)
	assert.Equal(t, 1, f.client.leverageCalls, "leverage set once")
}

func TestCycleDuplicateCandleGuard(t *testing.T) {
	f := newFixture(t, strategy.Signal{EnterLong: true, Price: 100})

	f.pipeline.Cycle(context.Background())
	require.Len(t, f.placer.brackets, 1)

	// Same latest candle: the second cycle is a no-op even with the
	// position cleared.
	f.pipeline.currentPositionQty = 0
	f.pipeline.Cycle(context.Background())
	assert.Len(t, f.placer.brackets, 1)
}

func TestCycleLinkIDDeterministic(t *testing.T) {
	f := newFixture(t, strategy.Signal{EnterLong: true, Price: 100})
	f.pipeline.Cycle(context.Background())
	first := f.placer.brackets[0].LinkID

	g := newFixture(t, strategy.Signal{EnterLong: true, Price: 100})
	g.pipeline.Cycle(context.Background())
	assert.Equal(t, first, g.placer.brackets[0].LinkID)
}

func TestCircuitBreakerHaltsTrading(t *testing.T) {
	f := newFixture(t, strategy.Signal{EnterLong: true, Price: 100})
	now := time.Now().UTC()
	f.state.RecordTrade(-1, now)
	f.state.RecordTrade(-1, now.Add(time.Second))
	f.state.RecordTrade(-1, now.Add(2*time.Second))

	f.pipeline.Cycle(context.Background())

	assert.Empty(t, f.placer.brackets)
	assert.Equal(t, 1, f.alerts.Count(alert.CatCircuitBreaker))

	// The streak survives restarts, so the same abort recurs.
	f.pipeline.Cycle(context.Background())
	assert.Empty(t, f.placer.brackets)
	assert.Equal(t, 2, f.alerts.Count(alert.CatCircuitBreaker))
}

func TestDailyLossGate(t *testing.T) {
	f := newFixture(t, strategy.Signal{EnterLong: true, Price: 100})
	// -50 on 1000 equity is 5%, above the 3% cap. Two losses keep the
	// streak below the breaker limit.
	f.state.RecordTrade(-40, f.pipeline.now())
	f.state.RecordTrade(-10, f.pipeline.now().Add(time.Second))

	f.pipeline.Cycle(context.Background())

	assert.Empty(t, f.placer.brackets)
	assert.Equal(t, 1, f.alerts.Count(alert.CatDailyLoss))
}

func TestDrawdownGate(t *testing.T) {
	f := newFixture(t, strategy.Signal{EnterLong: true, Price: 100})
	f.state.UpdatePeak(1200) // equity 1000 → 16.7% drawdown

	f.pipeline.Cycle(context.Background())

	assert.Empty(t, f.placer.brackets)
	assert.Equal(t, 1, f.alerts.Count(alert.CatDrawdown))
}

func TestMarginBlockGate(t *testing.T) {
	f := newFixture(t, strategy.Signal{EnterLong: true, Price: 100})
	f.client.margin = exchange.MarginInfo{Found: true, MarginRatio: 0.85}

	f.pipeline.Cycle(context.Background())

	assert.Empty(t, f.placer.brackets)
	assert.Equal(t, 1, f.alerts.Count(alert.CatMarginBlock))
}

func TestMarginNotFoundDoesNotBlock(t *testing.T) {
	f := newFixture(t, strategy.Signal{EnterLong: true, Price: 100})
	f.client.margin = exchange.MarginInfo{Found: false, MarginRatio: 0.85}

	f.pipeline.Cycle(context.Background())
	assert.Len(t, f.placer.brackets, 1)
}

func TestSessionTradeCap(t *testing.T) {
	f := newFixture(t, strategy.Signal{EnterLong: true, Price: 100})
	f.pipeline.cfg.SessionMaxTrades = 1
	f.pipeline.sessionTrades = 1

	f.pipeline.Cycle(context.Background())

	assert.Empty(t, f.placer.brackets)
	assert.Equal(t, 1, f.alerts.Count(alert.CatSessionTrades))
}

func TestSessionRuntimeCap(t *testing.T) {
	f := newFixture(t, strategy.Signal{EnterLong: true, Price: 100})
	f.pipeline.cfg.SessionMaxRuntimeMin = 30
	f.pipeline.startedAt = f.pipeline.now().Add(-45 * time.Minute)

	f.pipeline.Cycle(context.Background())

	assert.Empty(t, f.placer.brackets)
	assert.Equal(t, 1, f.alerts.Count(alert.CatSessionRuntime))
}

func TestSessionRuntimeUnderCapTrades(t *testing.T) {
	f := newFixture(t, strategy.Signal{EnterLong: true, Price: 100})
	f.pipeline.cfg.SessionMaxRuntimeMin = 30
	f.pipeline.startedAt = f.pipeline.now().Add(-10 * time.Minute)

	f.pipeline.Cycle(context.Background())

	assert.Len(t, f.placer.brackets, 1)
	assert.Zero(t, f.alerts.Count(alert.CatSessionRuntime))
}

func TestNonPositiveEquityAborts(t *testing.T) {
	f := newFixture(t, strategy.Signal{EnterLong: true, Price: 100})
	f.client.equity = 0

	f.pipeline.Cycle(context.Background())

	assert.Empty(t, f.placer.brackets)
	assert.Empty(t, f.alerts.Alerts)
}

func TestNotEnoughClosedCandles(t *testing.T) {
	f := newFixture(t, strategy.Signal{EnterLong: true, Price: 100})
	f.client.candles = f.client.candles[:20]

	f.pipeline.Cycle(context.Background())
	assert.Empty(t, f.placer.brackets)
}

func TestOccupancySkipsEntry(t *testing.T) {
	f := newFixture(t, strategy.Signal{EnterLong: true, Price: 100})
	f.pipeline.currentPositionQty = 2

	f.pipeline.Cycle(context.Background())
	assert.Empty(t, f.placer.brackets)
}

func TestEarlyExitOnBearCross(t *testing.T) {
	f := newFixture(t, strategy.Signal{ExitLong: true, Price: 100})
	f.pipeline.currentPositionQty = 2

	f.pipeline.Cycle(context.Background())

	// Exactly one reduce-only exit, no entry, position cleared.
	require.Len(t, f.placer.exits, 1)
	assert.InDelta(t, 2.0, f.placer.exits[0], 1e-9)
	assert.Empty(t, f.placer.brackets)
	assert.Zero(t, f.pipeline.currentPositionQty)
}

func TestEarlyExitDisabledKeepsPosition(t *testing.T) {
	f := newFixture(t, strategy.Signal{ExitLong: true, Price: 100})
	f.pipeline.cfg.EarlyExitOnCross = false
	f.pipeline.currentPositionQty = 2

	f.pipeline.Cycle(context.Background())

	assert.Empty(t, f.placer.exits)
	assert.InDelta(t, 2.0, f.pipeline.currentPositionQty, 1e-9)
}

func TestClosedPnLIngestionThrottled(t *testing.T) {
	f := newFixture(t, strategy.Signal{})
	tradeTime := f.pipeline.now().Add(-time.Hour)
	f.client.closed = []exchange.ClosedTrade{
		{OrderID: "o1", Symbol: "BTCUSDT", PnL: -7, CreatedTime: tradeTime},
	}

	f.pipeline.Cycle(context.Background())
	assert.Equal(t, 1, f.state.ConsecutiveLosses())
	assert.InDelta(t, -7.0, f.state.DailyPnL(tradeTime), 1e-9)
	assert.Equal(t, 1000.0, f.state.PeakEquity())

	// Second cycle inside the 5-minute window re-ingests nothing; the
	// dedup set would also reject the same timestamp.
	f.pipeline.Cycle(context.Background())
	assert.Equal(t, 1, f.state.ConsecutiveLosses())
}

func TestReconAdoptLong(t *testing.T) {
	f := newFixture(t, strategy.Signal{EnterLong: true, Price: 100})
	f.client.positions = []exchange.Position{
		{Symbol: "BTCUSDT", Side: "Buy", Size: 1.5, AvgPrice: 98, PositionIdx: 0},
	}

	require.NoError(t, f.pipeline.Reconcile(context.Background()))
	assert.Equal(t, 1, f.alerts.Count(alert.CatReconAdopt))
	assert.Equal(t, 0, f.alerts.Count(alert.CatReconBlock))
	assert.InDelta(t, 1.5, f.pipeline.currentPositionQty, 1e-9)

	// Adopted position occupies the slot: no new entry.
	f.pipeline.Cycle(context.Background())
	assert.Empty(t, f.placer.brackets)
}

func TestReconBlockOnShort(t *testing.T) {
	f := newFixture(t, strategy.Signal{EnterLong: true, Price: 100})
	f.client.positions = []exchange.Position{
		{Symbol: "BTCUSDT", Side: "Sell", Size: -1, AvgPrice: 98, PositionIdx: 0},
	}

	require.NoError(t, f.pipeline.Reconcile(context.Background()))
	assert.Equal(t, 1, f.alerts.Count(alert.CatReconAdopt))
	assert.Equal(t, 1, f.alerts.Count(alert.CatReconBlock))

	// Every subsequent cycle aborts on the latch.
	f.client.positions = nil
	f.pipeline.Cycle(context.Background())
	assert.Empty(t, f.placer.brackets)
	assert.Equal(t, 2, f.alerts.Count(alert.CatReconBlock))
}

func TestDisabledPipelineIsSilent(t *testing.T) {
	cfg := safetyConfig(t)
	rec := &alert.Recorder{}
	p := NewPipeline(cfg, "BTCUSDT", "5m", "test-run", nil, NewState(cfg.StateFile, alert.Nop{}), nil, nil, rec)

	p.Cycle(context.Background())
	assert.Empty(t, rec.Alerts)
}
