package types

import (
	"errors"
	"fmt"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Wire-level messages and shared records
// ═══════════════════════════════════════════════════════════════════════════════
//
// Everything crossing the bus is one of these structs, serialized as JSON.
// Messages are immutable once published.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Mode identifies where executions are routed.
type Mode string

const (
	ModeLive   Mode = "live"
	ModePaper  Mode = "paper"
	ModeReplay Mode = "replay"
)

// Valid reports whether the mode is one of the known three.
func (m Mode) Valid() bool {
	return m == ModeLive || m == ModePaper || m == ModeReplay
}

// OrderType for intents.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopMarket OrderType = "stop_market"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderIntent is an order request produced by the strategy, not yet
// acknowledged. ClientID is the idempotency key: it is stable across retries
// and the broker deduplicates on it.
type OrderIntent struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	Symbol     string    `json:"symbol"`
	Type       OrderType `json:"type"`
	Side       Side      `json:"side"`
	Price      float64   `json:"price"`
	StopPrice  float64   `json:"stop_price"`
	Quantity   float64   `json:"quantity"`
	ReduceOnly bool      `json:"reduce_only"`
	Timestamp  time.Time `json:"timestamp"`
	IsShadow   bool      `json:"is_shadow"`
}

// Validate enforces the intent invariants: positive quantity, a limit price
// for limit orders and a trigger price for stop orders.
func (o OrderIntent) Validate() error {
	if o.Symbol == "" {
		return errors.New("intent missing symbol")
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("unknown side %q", o.Side)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("quantity must be > 0, got %v", o.Quantity)
	}
	switch o.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if o.Price <= 0 {
			return errors.New("limit order requires a price")
		}
	case OrderTypeStopMarket:
		if o.StopPrice <= 0 {
			return errors.New("stop_market order requires a stop price")
		}
	default:
		return fmt.Errorf("unsupported order type %q", o.Type)
	}
	return nil
}

// ExecutionReport is the per-fill outcome for an intent. One intent yields
// 1..N executed reports (partial fills) or exactly one rejection.
type ExecutionReport struct {
	OrderID       string    `json:"order_id"`
	ClientID      string    `json:"client_id"`
	Symbol        string    `json:"symbol"`
	Executed      bool      `json:"executed"`
	Price         float64   `json:"price"`
	MarkPrice     float64   `json:"mark_price"`
	Quantity      float64   `json:"quantity"`
	Fees          float64   `json:"fees"`
	Funding       float64   `json:"funding"`
	RealizedPnL   float64   `json:"realized_pnl"`
	SlippageBps   float64   `json:"slippage_bps"`
	Maker         bool      `json:"maker"`
	AckLatencyMs  float64   `json:"ack_latency_ms"`
	FillLatencyMs float64   `json:"fill_latency_ms"`
	Mode          Mode      `json:"mode"`
	RunID         string    `json:"run_id"`
	Timestamp     time.Time `json:"timestamp"`
	IsShadow      bool      `json:"is_shadow"`
	Error         string    `json:"error,omitempty"`
	OrderType     OrderType `json:"order_type"`
	ReduceOnly    bool      `json:"reduce_only"`
	StopPrice     float64   `json:"stop_price,omitempty"`
	InitialPrice  float64   `json:"initial_price,omitempty"`
}

// MarketData is a top-of-book snapshot published by the feed or replay source.
// OrderFlowImb is optional; the consumer-side store maintains its own
// EMA-decayed accumulator regardless.
type MarketData struct {
	Symbol       string    `json:"symbol"`
	BestBid      float64   `json:"best_bid"`
	BestAsk      float64   `json:"best_ask"`
	BidSize      float64   `json:"bid_size"`
	AskSize      float64   `json:"ask_size"`
	LastPrice    float64   `json:"last_price"`
	LastSide     string    `json:"last_side"`
	LastSize     float64   `json:"last_size"`
	FundingRate  float64   `json:"funding_rate"`
	Timestamp    time.Time `json:"timestamp"`
	OrderFlowImb float64   `json:"order_flow_imbalance,omitempty"`
}

// Mid returns (bid+ask)/2, falling back to the last trade price when the
// spread is undefined.
func (m MarketData) Mid() float64 {
	if m.BestBid > 0 && m.BestAsk > 0 {
		return (m.BestBid + m.BestAsk) / 2
	}
	return m.LastPrice
}

// Replay control commands.
const (
	ReplayPause  = "pause"
	ReplayResume = "resume"
	ReplaySeek   = "seek"
)

// ReplayControl steers the replay publisher loop.
type ReplayControl struct {
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Candle is one OHLCV bar as returned by the exchange kline endpoint.
// Start is the open time of the bar in UTC.
type Candle struct {
	Start  time.Time `json:"start"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}
