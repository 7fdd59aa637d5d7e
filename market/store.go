package market

import (
	"math"
	"sync"
	"time"

	"github.com/quantfold/perpsim/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET SNAPSHOT STORE - Per-symbol top-of-book + order-flow imbalance
// ═══════════════════════════════════════════════════════════════════════════════

// ofiDecay is the EMA factor applied to the order-flow imbalance accumulator
// on every snapshot: OFI <- 0.85*OFI + signedLastSize.
const ofiDecay = 0.85

// Snapshot is the per-symbol market state. OrderFlow is the EMA-decayed
// signed trade pressure: positive = buy-initiated, negative = sell-initiated.
type Snapshot struct {
	Symbol      string
	BestBid     float64
	BestAsk     float64
	BidSize     float64
	AskSize     float64
	LastPrice   float64
	LastSide    string
	LastSize    float64
	FundingRate float64
	OrderFlow   float64
	Timestamp   time.Time
}

// Mid returns (bid+ask)/2, falling back to the last trade price when the
// spread is undefined.
func (s Snapshot) Mid() float64 {
	if s.BestBid > 0 && s.BestAsk > 0 {
		return (s.BestBid + s.BestAsk) / 2
	}
	return s.LastPrice
}

// SpreadBps returns the quoted spread in basis points of mid, or 0 when the
// book is one-sided.
func (s Snapshot) SpreadBps() float64 {
	mid := s.Mid()
	if mid <= 0 || s.BestBid <= 0 || s.BestAsk <= 0 {
		return 0
	}
	return (s.BestAsk - s.BestBid) / mid * 10_000
}

// AdversePressure is the order-flow component working against the taker:
// for a buy that is sell-side flow (negative OFI), for a sell buy-side flow.
func (s Snapshot) AdversePressure(side types.Side) float64 {
	if side == types.SideBuy {
		return math.Max(0, -s.OrderFlow)
	}
	return math.Max(0, s.OrderFlow)
}

// Store maps symbols to snapshots. Writes come from a single market-data
// dispatcher; readers take the same lock briefly.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

func NewStore() *Store {
	return &Store{snapshots: make(map[string]*Snapshot)}
}

// Apply folds one market-data message into the store and returns a copy of
// the resulting snapshot. The OFI accumulator decays before the new signed
// last-trade size is added.
func (st *Store) Apply(md types.MarketData) Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()

	snap, ok := st.snapshots[md.Symbol]
	if !ok {
		snap = &Snapshot{Symbol: md.Symbol}
		st.snapshots[md.Symbol] = snap
	}

	snap.BestBid = md.BestBid
	snap.BestAsk = md.BestAsk
	snap.BidSize = md.BidSize
	snap.AskSize = md.AskSize
	snap.LastPrice = md.LastPrice
	snap.LastSide = md.LastSide
	snap.LastSize = md.LastSize
	snap.FundingRate = md.FundingRate
	snap.Timestamp = md.Timestamp

	if md.LastSide != "" {
		signed := math.Abs(md.LastSize)
		if md.LastSide == string(types.SideSell) {
			signed = -signed
		}
		snap.OrderFlow = snap.OrderFlow*ofiDecay + signed
	}

	return *snap
}

// Get returns a copy of the snapshot for symbol, if present.
func (st *Store) Get(symbol string) (Snapshot, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	snap, ok := st.snapshots[symbol]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// Symbols returns the symbols currently tracked.
func (st *Store) Symbols() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]string, 0, len(st.snapshots))
	for sym := range st.snapshots {
		out = append(out, sym)
	}
	return out
}
