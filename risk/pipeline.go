package risk

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/perpsim/alert"
	"github.com/quantfold/perpsim/bus"
	"github.com/quantfold/perpsim/exchange"
	"github.com/quantfold/perpsim/internal/config"
	"github.com/quantfold/perpsim/strategy"
	"github.com/quantfold/perpsim/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GATE PIPELINE - Per-symbol cycle driver
// ═══════════════════════════════════════════════════════════════════════════════
//
// One cycle per candle interval. Gates run in strict order; every gate is a
// SAFETY_*-tagged decision point that logs and alerts on refusal. A refusal
// is normal safety behavior, not an error: the cycle returns cleanly and the
// next tick tries again.
//
// Cycle order:
//
//	enablement → account refresh → closed-PnL ingestion →
//	circuit breaker → daily loss → drawdown → recon block →
//	session caps → candles → dup guard → signal (early exit) →
//	occupancy → margin → leverage → sizing → bracket placement
//
// Two cycles never run concurrently for the same symbol.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	minClosedCandles = 35
	candleFetchLimit = 100
	closedPnLEvery   = 5 * time.Minute
	closedPnLWindow  = 24 * time.Hour
)

// Pipeline drives the risk-gated order flow for one symbol.
type Pipeline struct {
	cfg      config.Safety
	symbol   string
	interval string
	runID    string

	client   exchange.Client
	state    *State
	placer   OrderPlacer
	signaler strategy.Signaler
	sink     alert.Sink

	// Optional observability publisher for risk.state snapshots.
	statePub     bus.Publisher
	stateSubject string

	mu sync.Mutex // serializes cycles and guards the fields below

	enabled     bool
	reconBlock  bool
	leverageSet bool

	equity             float64
	currentPositionQty float64
	entryEquity        float64

	sessionTrades int
	startedAt     time.Time

	lastCandleStart time.Time
	lastPnLQuery    time.Time

	instrument       exchange.Instrument
	instrumentLoaded bool

	intervalDur time.Duration
	now         func() time.Time // test hook
}

// NewPipeline wires the cycle driver. A nil client disables the pipeline
// entirely (paper runs without venue credentials); every cycle then returns
// silently.
func NewPipeline(cfg config.Safety, symbol, interval, runID string, client exchange.Client, state *State, placer OrderPlacer, signaler strategy.Signaler, sink alert.Sink) *Pipeline {
	if sink == nil {
		sink = alert.NewLogSink()
	}
	if signaler == nil {
		signaler = strategy.NewSMACross()
	}
	dur, err := time.ParseDuration(interval)
	if err != nil || dur <= 0 {
		dur = 5 * time.Minute
	}
	p := &Pipeline{
		cfg:         cfg,
		symbol:      symbol,
		interval:    interval,
		runID:       runID,
		client:      client,
		state:       state,
		placer:      placer,
		signaler:    signaler,
		sink:        sink,
		enabled:     client != nil && placer != nil,
		startedAt:   time.Now(),
		intervalDur: dur,
		now:         time.Now,
	}
	log.Info().
		Str("symbol", symbol).
		Str("interval", interval).
		Bool("enabled", p.enabled).
		Int("consecutive_loss_limit", cfg.ConsecutiveLossLimit).
		Float64("risk_pct", cfg.RiskPct).
		Msg("🛡️ Risk pipeline initialized")
	return p
}

// SetStatePublisher enables periodic risk.state snapshots after each cycle.
func (p *Pipeline) SetStatePublisher(pub bus.Publisher, subject string) {
	p.statePub = pub
	p.stateSubject = subject
}

// Run reconciles once, then drives one cycle per interval until ctx ends.
func (p *Pipeline) Run(ctx context.Context) {
	if p.enabled {
		if err := p.Reconcile(ctx); err != nil {
			log.Error().Err(err).Msg("initial reconciliation failed, will retry before first entry")
		}
	}

	ticker := time.NewTicker(p.intervalDur)
	defer ticker.Stop()

	p.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("symbol", p.symbol).Msg("risk pipeline stopped")
			return
		case <-ticker.C:
			p.Cycle(ctx)
		}
	}
}

// Cycle runs one gated pass. Concurrent invocations for the same pipeline
// collapse: a cycle already in flight makes the new one a no-op. Panics are
// contained at this boundary.
func (p *Pipeline) Cycle(ctx context.Context) {
	if !p.mu.TryLock() {
		log.Warn().Str("symbol", p.symbol).Msg("cycle still in flight, skipping tick")
		return
	}
	defer p.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("cycle panicked")
			p.sink.Emit(alert.CatRuntimeError, "risk cycle panicked", map[string]string{
				"symbol": p.symbol,
				"panic":  fmt.Sprintf("%v", r),
			})
		}
	}()

	p.runCycleLocked(ctx)
	p.publishStateLocked()
}

// runCycleLocked is the ordered gate sequence. Caller holds the lock.
func (p *Pipeline) runCycleLocked(ctx context.Context) {
	// 1. Enablement.
	if !p.enabled {
		return
	}

	// 2. Account refresh.
	equity, err := p.client.WalletEquity(ctx)
	if err != nil {
		log.Error().Err(err).Msg("equity fetch failed, cycle aborted")
		return
	}
	p.equity = equity
	if equity <= 0 {
		log.Error().Float64("equity", equity).Msg("non-positive equity, cycle aborted")
		return
	}
	p.refreshPositionLocked(ctx)

	// 3. Closed-PnL ingestion, at most once per window.
	p.ingestClosedPnLLocked(ctx, equity)

	// 4. Risk gates, in order.
	if p.cfg.ConsecutiveLossLimit > 0 && p.state.ConsecutiveLosses() >= p.cfg.ConsecutiveLossLimit {
		log.Error().
			Int("losses", p.state.ConsecutiveLosses()).
			Int("limit", p.cfg.ConsecutiveLossLimit).
			Msg("🚨 SAFETY_CIRCUIT_BREAKER consecutive loss limit reached")
		p.sink.Emit(alert.CatCircuitBreaker, "consecutive loss limit reached, trading halted", map[string]string{
			"symbol": p.symbol,
			"losses": fmt.Sprintf("%d", p.state.ConsecutiveLosses()),
			"limit":  fmt.Sprintf("%d", p.cfg.ConsecutiveLossLimit),
		})
		return
	}

	dailyPnL := p.state.DailyPnL(p.now())
	if loss := -min(dailyPnL, 0); loss/equity > p.cfg.MaxDailyLossPct {
		log.Error().
			Float64("daily_pnl", dailyPnL).
			Float64("equity", equity).
			Msg("🚨 SAFETY_DAILY_LOSS daily loss limit exceeded")
		p.sink.Emit(alert.CatDailyLoss, "daily loss limit exceeded", map[string]string{
			"symbol":    p.symbol,
			"daily_pnl": fmt.Sprintf("%.2f", dailyPnL),
			"equity":    fmt.Sprintf("%.2f", equity),
		})
		return
	}

	if dd := p.state.Drawdown(equity); p.state.PeakEquity() > 0 && dd > p.cfg.DrawdownThresholdPct {
		log.Error().
			Float64("drawdown", dd).
			Float64("peak", p.state.PeakEquity()).
			Msg("🚨 SAFETY_DRAWDOWN drawdown threshold exceeded")
		p.sink.Emit(alert.CatDrawdown, "drawdown threshold exceeded", map[string]string{
			"symbol":   p.symbol,
			"drawdown": fmt.Sprintf("%.4f", dd),
			"peak":     fmt.Sprintf("%.2f", p.state.PeakEquity()),
		})
		return
	}

	if p.reconBlock {
		log.Error().Str("symbol", p.symbol).Msg("🚨 SAFETY_RECON_BLOCK reconciliation latch active")
		p.sink.Emit(alert.CatReconBlock, "reconciliation latch active", map[string]string{"symbol": p.symbol})
		return
	}

	// 5. Session gates.
	if p.cfg.SessionMaxTrades > 0 && p.sessionTrades >= p.cfg.SessionMaxTrades {
		log.Warn().Int("trades", p.sessionTrades).Msg("🛡️ SAFETY_SESSION_TRADES session trade cap reached")
		p.sink.Emit(alert.CatSessionTrades, "session trade cap reached", map[string]string{
			"symbol": p.symbol,
			"trades": fmt.Sprintf("%d", p.sessionTrades),
		})
		return
	}
	if p.cfg.SessionMaxRuntimeMin > 0 {
		runtimeMin := int(p.now().Sub(p.startedAt).Minutes())
		if runtimeMin >= p.cfg.SessionMaxRuntimeMin {
			log.Warn().Int("runtime_min", runtimeMin).Msg("🛡️ SAFETY_SESSION_RUNTIME session runtime cap reached")
			p.sink.Emit(alert.CatSessionRuntime, "session runtime cap reached", map[string]string{
				"symbol":      p.symbol,
				"runtime_min": fmt.Sprintf("%d", runtimeMin),
			})
			return
		}
	}

	// 6. Market data.
	candles, err := p.client.Klines(ctx, p.symbol, p.interval, candleFetchLimit)
	if err != nil {
		log.Error().Err(err).Msg("kline fetch failed, cycle aborted")
		return
	}
	closed := p.dropOpenCandle(candles)
	if len(closed) < minClosedCandles {
		log.Warn().Int("closed", len(closed)).Int("need", minClosedCandles).Msg("not enough closed candles")
		return
	}

	// 7. Duplicate-candle guard.
	last := closed[len(closed)-1]
	if last.Start.Equal(p.lastCandleStart) {
		log.Debug().Time("candle", last.Start).Msg("candle already processed")
		return
	}
	p.lastCandleStart = last.Start

	// 8. Signal computation.
	sig := p.signaler.Evaluate(closed)
	if p.cfg.EarlyExitOnCross && sig.ExitLong && p.currentPositionQty > 0 {
		// Exactly one reduce-only exit per detected cross; the cross never
		// also enters in the same cycle.
		linkID := p.linkID(last.Start)
		if err := p.placer.PlaceExit(ctx, p.symbol, p.currentPositionQty, linkID); err != nil {
			log.Error().Err(err).Msg("early exit placement failed")
			p.sink.Emit(alert.CatRuntimeError, "early exit placement failed", map[string]string{
				"symbol": p.symbol, "error": err.Error(),
			})
			return
		}
		log.Info().Float64("qty", p.currentPositionQty).Msg("📉 Bear cross, position exited early")
		p.currentPositionQty = 0
		return
	}

	// 9. Position occupancy.
	if p.currentPositionQty > 0 {
		log.Debug().Float64("qty", p.currentPositionQty).Msg("position open, no new entry")
		return
	}
	if !sig.EnterLong {
		return
	}

	// 10. Pre-order checks.
	margin, err := p.client.MarginInfo(ctx, p.symbol, p.cfg.PositionIdx)
	if err != nil {
		log.Error().Err(err).Msg("margin query failed, cycle aborted")
		return
	}
	if margin.Found && margin.MarginRatio > p.cfg.MaxMarginRatio {
		log.Error().
			Float64("margin_ratio", margin.MarginRatio).
			Float64("max", p.cfg.MaxMarginRatio).
			Msg("🚨 SAFETY_MARGIN_BLOCK margin ratio too high")
		p.sink.Emit(alert.CatMarginBlock, "margin ratio above limit, entry blocked", map[string]string{
			"symbol":       p.symbol,
			"margin_ratio": fmt.Sprintf("%.4f", margin.MarginRatio),
			"max":          fmt.Sprintf("%.4f", p.cfg.MaxMarginRatio),
		})
		return
	}

	if !p.leverageSet {
		if err := p.client.SetLeverage(ctx, p.symbol, p.cfg.Leverage); err != nil {
			// Venues report "not modified" as an error; either way the
			// leverage now matches and the call is not repeated.
			log.Warn().Err(err).Float64("leverage", p.cfg.Leverage).Msg("set leverage returned error")
		}
		p.leverageSet = true
	}

	if !p.instrumentLoaded {
		inst, err := p.client.Instrument(ctx, p.symbol)
		if err != nil {
			log.Error().Err(err).Msg("instrument query failed, cycle aborted")
			return
		}
		p.instrument = inst
		p.instrumentLoaded = true
	}

	qty := ComputeQty(equity, p.cfg.RiskPct, p.cfg.StopLossPct, sig.Price,
		p.cfg.CashDeployCapPct, p.instrument.QtyStep, p.instrument.MinQty)
	if qty <= 0 {
		return
	}

	// 11. Order placement.
	tp, sl := BracketPrices(sig.Price, p.cfg.TakeProfitPct, p.cfg.StopLossPct)
	linkID := p.linkID(last.Start)
	bracket := Bracket{
		Symbol:      p.symbol,
		Side:        types.SideBuy,
		Qty:         qty,
		EntryPrice:  sig.Price,
		TakeProfit:  tp,
		StopLoss:    sl,
		TriggerBy:   p.cfg.TriggerBy,
		PositionIdx: p.cfg.PositionIdx,
		LinkID:      linkID,
	}
	if err := p.placer.PlaceBracket(ctx, bracket); err != nil {
		log.Error().Err(err).Str("link_id", linkID).Msg("bracket placement failed")
		p.sink.Emit(alert.CatRuntimeError, "bracket placement failed", map[string]string{
			"symbol": p.symbol, "link_id": linkID, "error": err.Error(),
		})
		return
	}

	p.currentPositionQty = qty
	p.entryEquity = equity
	p.sessionTrades++
	log.Info().
		Str("link_id", linkID).
		Float64("qty", qty).
		Float64("entry", sig.Price).
		Float64("tp", tp).
		Float64("sl", sl).
		Msg("✅ Entry placed")
	p.refreshPositionLocked(ctx)
}

// refreshPositionLocked syncs the tracked position quantity with the venue.
func (p *Pipeline) refreshPositionLocked(ctx context.Context) {
	positions, err := p.client.Positions(ctx, p.symbol)
	if err != nil {
		log.Warn().Err(err).Msg("position refresh failed, keeping tracked quantity")
		return
	}
	for _, pos := range positions {
		if pos.PositionIdx != p.cfg.PositionIdx {
			continue
		}
		if pos.Size > 0 {
			p.currentPositionQty = pos.Size
		} else if pos.Size == 0 && p.currentPositionQty > 0 {
			log.Info().Msg("venue reports flat, clearing tracked position")
			p.currentPositionQty = 0
		}
		return
	}
}

// ingestClosedPnLLocked pulls realized trades over the trailing window into
// the durable state, at most once per closedPnLEvery.
func (p *Pipeline) ingestClosedPnLLocked(ctx context.Context, equity float64) {
	now := p.now()
	if !p.lastPnLQuery.IsZero() && now.Sub(p.lastPnLQuery) < closedPnLEvery {
		return
	}
	p.lastPnLQuery = now

	trades, err := p.client.ClosedPnL(ctx, p.symbol, now.Add(-closedPnLWindow))
	if err != nil {
		log.Error().Err(err).Msg("closed-pnl query failed")
		return
	}
	accepted := 0
	for _, trade := range trades {
		if p.state.RecordTrade(trade.PnL, trade.CreatedTime) {
			accepted++
		}
	}
	if accepted > 0 {
		log.Info().Int("trades", accepted).Msg("📒 Closed trades ingested")
	}
	p.state.UpdatePeak(equity)
}

// dropOpenCandle removes the still-forming last candle unless its interval
// has fully elapsed.
func (p *Pipeline) dropOpenCandle(candles []types.Candle) []types.Candle {
	if len(candles) == 0 {
		return candles
	}
	last := candles[len(candles)-1]
	if p.now().Before(last.Start.Add(p.intervalDur)) {
		return candles[:len(candles)-1]
	}
	return candles
}

// linkID derives the deterministic idempotency root for the candle being
// acted on: same candle, same id, so retries dedupe downstream.
func (p *Pipeline) linkID(candleStart time.Time) string {
	return fmt.Sprintf("%s-%s-%d", strings.ToLower(p.symbol), p.runID, candleStart.Unix())
}

// RiskSnapshot is the periodic observability record published on risk.state.
type RiskSnapshot struct {
	RunID              string    `json:"run_id"`
	Symbol             string    `json:"symbol"`
	Equity             float64   `json:"equity"`
	PeakEquity         float64   `json:"peak_equity"`
	DailyPnL           float64   `json:"daily_pnl"`
	ConsecutiveLosses  int       `json:"consecutive_losses"`
	CurrentPositionQty float64   `json:"current_position_qty"`
	ReconBlocked       bool      `json:"recon_blocked"`
	SessionTrades      int       `json:"session_trades"`
	Timestamp          time.Time `json:"timestamp"`
}

func (p *Pipeline) publishStateLocked() {
	if p.statePub == nil {
		return
	}
	snap := RiskSnapshot{
		RunID:              p.runID,
		Symbol:             p.symbol,
		Equity:             p.equity,
		PeakEquity:         p.state.PeakEquity(),
		DailyPnL:           p.state.DailyPnL(p.now()),
		ConsecutiveLosses:  p.state.ConsecutiveLosses(),
		CurrentPositionQty: p.currentPositionQty,
		ReconBlocked:       p.reconBlock,
		SessionTrades:      p.sessionTrades,
		Timestamp:          time.Now().UTC(),
	}
	if err := bus.PublishJSON(p.statePub, p.stateSubject, snap); err != nil {
		log.Warn().Err(err).Msg("risk snapshot publish failed")
	}
}
