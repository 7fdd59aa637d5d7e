package broker

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/perpsim/alert"
	"github.com/quantfold/perpsim/bus"
	"github.com/quantfold/perpsim/internal/config"
	"github.com/quantfold/perpsim/market"
	"github.com/quantfold/perpsim/metrics"
	"github.com/quantfold/perpsim/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER BROKER - Microstructure-aware fill simulator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Receives intents from trading.orders and snapshots from market.data, owns
// the symbol→snapshot and symbol→position maps, and publishes one or more
// execution reports per intent on trading.executions.
//
// One intent moves through:
//
//	RECEIVED → (validate) → REJECTED             → publish rejection, end
//	                      → ROUTED(maker|taker) → SCHEDULED(slices)
//	  each slice: WAIT(delay) → LOCK → APPLY → PUBLISH → UNLOCK
//
// Slices from different intents interleave freely; the single mutex makes
// position mutation plus report publication atomic per slice, so downstream
// consumers observe a position-consistent report order per symbol.
//
// ═══════════════════════════════════════════════════════════════════════════════

// dedupEntry remembers the outcome of a client id inside the dedup window.
type dedupEntry struct {
	seenAt   time.Time
	rejected bool
	reports  []types.ExecutionReport
}

type Broker struct {
	mu sync.Mutex

	cfg         config.Paper
	pub         bus.Publisher
	execSubject string
	runID       string
	mode        types.Mode
	sink        alert.Sink

	latencySigma float64
	rng          *rand.Rand

	store     *market.Store
	positions map[string]*Position
	seen      map[string]*dedupEntry

	makerCount float64
	takerCount float64

	// sleep is swapped out by tests to avoid real delays.
	sleep func(time.Duration)
	wg    sync.WaitGroup
}

// New creates a paper broker. cfg must already be validated. A zero seed
// falls back to wall-clock nanos, which forfeits replay determinism.
func New(cfg config.Paper, pub bus.Publisher, execSubject, runID string, mode types.Mode, sink alert.Sink) *Broker {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if sink == nil {
		sink = alert.NewLogSink()
	}
	b := &Broker{
		cfg:          cfg,
		pub:          pub,
		execSubject:  execSubject,
		runID:        runID,
		mode:         mode,
		sink:         sink,
		latencySigma: deriveSigma(cfg.LatencyMeanMs, cfg.LatencyP95Ms),
		rng:          rand.New(rand.NewSource(seed)),
		store:        market.NewStore(),
		positions:    make(map[string]*Position),
		seen:         make(map[string]*dedupEntry),
		sleep:        time.Sleep,
	}
	log.Info().
		Str("mode", string(mode)).
		Str("run_id", runID).
		Float64("fee_bps", cfg.FeeBps).
		Float64("slippage_bps", cfg.SlippageBps).
		Int64("seed", seed).
		Msg("🧾 Paper broker initialized")
	return b
}

// UpdateMarket folds one snapshot into the store and refreshes the mark and
// unrealized PnL of any open position on that symbol.
func (b *Broker) UpdateMarket(md types.MarketData) {
	snap := b.store.Apply(md)

	b.mu.Lock()
	defer b.mu.Unlock()
	if pos, ok := b.positions[md.Symbol]; ok && pos.Size != 0 {
		b.refreshPosition(pos, snap)
	}
}

func (b *Broker) refreshPosition(pos *Position, snap market.Snapshot) {
	mark := snap.Mid()
	if mark <= 0 {
		mark = snap.LastPrice
	}
	pos.refreshMark(mark)
}

// PositionFor returns a copy of the current position for symbol.
func (b *Broker) PositionFor(symbol string) (Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// HandleIntent is the single entry point for order intents. Consumed exactly
// once per distinct client id; repeats inside the dedup window re-publish the
// prior reports without touching the position.
func (b *Broker) HandleIntent(intent types.OrderIntent) {
	// A rejection report is only owed to intents that arrived with their own
	// idempotency key; keyless garbage is dropped after counting.
	hadKey := intent.ID != "" || intent.ClientID != ""
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.ClientID == "" {
		intent.ClientID = intent.ID
	}
	if intent.Timestamp.IsZero() {
		intent.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.pruneSeenLocked()

	// A duplicate repeats the reports recorded so far. Slices still in
	// flight are not repeated: each outstanding slice publishes exactly once
	// when it completes, so a duplicate racing the original can only answer
	// with a prefix of the final report sequence, never a doubled fill.
	if prior, ok := b.seen[intent.ClientID]; ok {
		reports := append([]types.ExecutionReport(nil), prior.reports...)
		rejected := prior.rejected
		b.mu.Unlock()
		if rejected {
			log.Debug().Str("client_id", intent.ClientID).Msg("duplicate of rejected intent dropped")
			return
		}
		log.Info().Str("client_id", intent.ClientID).Int("reports", len(reports)).Msg("duplicate intent, repeating prior reports")
		for _, r := range reports {
			b.publishReport(r)
		}
		return
	}

	if b.mode == types.ModeLive {
		b.rejectLocked(intent, "live execution not configured")
		b.mu.Unlock()
		return
	}

	if err := intent.Validate(); err != nil {
		if hadKey {
			b.rejectLocked(intent, err.Error())
		} else {
			metrics.OrderRejects.WithLabelValues(string(b.mode), b.runID).Inc()
			log.Warn().Err(err).Str("symbol", intent.Symbol).Msg("invalid intent dropped")
		}
		b.mu.Unlock()
		return
	}

	snap, ok := b.store.Get(intent.Symbol)
	if !ok {
		b.mu.Unlock()
		log.Warn().Str("symbol", intent.Symbol).Str("client_id", intent.ClientID).
			Msg("no market snapshot yet, intent dropped")
		return
	}

	maker := intent.Type == types.OrderTypeLimit && !crossesSpread(intent.Type, intent.Side, intent.Price, snap)
	plan := b.buildFillPlan(intent, snap, maker)
	b.seen[intent.ClientID] = &dedupEntry{seenAt: time.Now()}
	b.mu.Unlock()

	log.Info().
		Str("client_id", intent.ClientID).
		Str("symbol", intent.Symbol).
		Str("type", string(intent.Type)).
		Str("side", string(intent.Side)).
		Float64("qty", intent.Quantity).
		Bool("maker", maker).
		Int("slices", len(plan)).
		Msg("📬 Intent routed")

	for _, slice := range plan {
		b.wg.Add(1)
		go b.completeFill(intent, slice, maker)
	}
}

// rejectLocked publishes a single non-executed report and records the client
// id so retries stay silent. Caller holds the lock.
func (b *Broker) rejectLocked(intent types.OrderIntent, reason string) {
	metrics.OrderRejects.WithLabelValues(string(b.mode), b.runID).Inc()
	log.Warn().Str("client_id", intent.ClientID).Str("reason", reason).Msg("🚫 Intent rejected")

	report := types.ExecutionReport{
		OrderID:      intent.ID,
		ClientID:     intent.ClientID,
		Symbol:       intent.Symbol,
		Executed:     false,
		Error:        reason,
		Mode:         b.mode,
		RunID:        b.runID,
		Timestamp:    time.Now().UTC(),
		IsShadow:     intent.IsShadow,
		OrderType:    intent.Type,
		ReduceOnly:   intent.ReduceOnly,
		StopPrice:    intent.StopPrice,
		InitialPrice: intent.Price,
	}
	b.seen[intent.ClientID] = &dedupEntry{seenAt: time.Now(), rejected: true}
	b.publishReport(report)
}

// completeFill waits out the slice delay, then performs the complete
// bookkeeping of one slice under the lock: position math, fees, funding,
// metrics, dedup record, report publication.
func (b *Broker) completeFill(intent types.OrderIntent, slice fillSlice, maker bool) {
	defer b.wg.Done()
	b.sleep(time.Duration(slice.ackLatencyMs+slice.fillDelayMs) * time.Millisecond)

	b.mu.Lock()
	defer b.mu.Unlock()

	snap, ok := b.store.Get(intent.Symbol)
	if !ok {
		log.Warn().Str("symbol", intent.Symbol).Msg("market snapshot vanished during fill")
		return
	}

	pos, ok := b.positions[intent.Symbol]
	if !ok {
		pos = &Position{}
		b.positions[intent.Symbol] = pos
	}

	realized := pos.applyFill(intent.Side.Sign(), slice.quantity, slice.price)
	b.refreshPosition(pos, snap)

	feeRate := b.cfg.FeeBps / 10_000
	if maker {
		feeRate = b.cfg.MakerRebateBps / 10_000
	}
	fees := slice.price * slice.quantity * feeRate

	funding := 0.0
	if b.cfg.FundingEnabled {
		funding = slice.price * slice.quantity * snap.FundingRate
	}

	if maker {
		b.makerCount++
	} else {
		b.takerCount++
	}
	if total := b.makerCount + b.takerCount; total > 0 {
		metrics.MakerRatio.WithLabelValues(string(b.mode)).Set(b.makerCount / total)
	}
	metrics.SlippageBps.WithLabelValues(string(b.mode), b.runID).Observe(slice.slipBps)
	metrics.FillLatency.WithLabelValues(string(b.mode), b.runID).Observe(slice.fillDelayMs / 1000)
	metrics.SignalAckLatency.WithLabelValues(string(b.mode), b.runID).Observe(slice.ackLatencyMs / 1000)

	report := types.ExecutionReport{
		OrderID:       intent.ID,
		ClientID:      intent.ClientID,
		Symbol:        intent.Symbol,
		Executed:      true,
		Price:         slice.price,
		MarkPrice:     slice.markPrice,
		Quantity:      slice.quantity,
		Fees:          fees,
		Funding:       funding,
		RealizedPnL:   realized - fees - funding,
		SlippageBps:   slice.slipBps,
		Maker:         maker,
		AckLatencyMs:  slice.ackLatencyMs,
		FillLatencyMs: slice.fillDelayMs,
		Mode:          b.mode,
		RunID:         b.runID,
		Timestamp:     time.Now().UTC(),
		IsShadow:      intent.IsShadow,
		OrderType:     intent.Type,
		ReduceOnly:    intent.ReduceOnly,
		StopPrice:     intent.StopPrice,
		InitialPrice:  intent.Price,
	}

	if entry, ok := b.seen[intent.ClientID]; ok {
		entry.reports = append(entry.reports, report)
	}
	b.publishReport(report)
}

func (b *Broker) publishReport(report types.ExecutionReport) {
	if err := bus.PublishJSON(b.pub, b.execSubject, report); err != nil {
		log.Error().Err(err).Str("client_id", report.ClientID).Msg("failed to publish execution report")
		b.sink.Emit(alert.CatRuntimeError, "execution report publish failed", map[string]string{
			"client_id": report.ClientID,
			"symbol":    report.Symbol,
			"error":     err.Error(),
		})
	}
}

// pruneSeenLocked drops dedup entries older than the window.
func (b *Broker) pruneSeenLocked() {
	if b.cfg.DedupWindow <= 0 {
		return
	}
	cutoff := time.Now().Add(-b.cfg.DedupWindow)
	for id, entry := range b.seen {
		if entry.seenAt.Before(cutoff) {
			delete(b.seen, id)
		}
	}
}

// Drain blocks until every scheduled slice has completed and published.
// Called on shutdown so in-flight fills finish best-effort.
func (b *Broker) Drain() {
	b.wg.Wait()
}
