package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/perpsim/bus"
	"github.com/quantfold/perpsim/exchange"
	"github.com/quantfold/perpsim/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER PLACEMENT - Bracket routing
// ═══════════════════════════════════════════════════════════════════════════════

// Bracket is a sized, priced entry with its protective exits. LinkID is the
// deterministic idempotency root: every derived order id embeds it, so a
// retried placement dedupes downstream.
type Bracket struct {
	Symbol      string
	Side        types.Side
	Qty         float64
	EntryPrice  float64
	TakeProfit  float64
	StopLoss    float64
	TriggerBy   string
	PositionIdx int
	LinkID      string
}

// OrderPlacer routes a bracket to its execution venue: the paper broker via
// the bus in paper/replay mode, the exchange REST API in live mode.
type OrderPlacer interface {
	PlaceBracket(ctx context.Context, b Bracket) error
	PlaceExit(ctx context.Context, symbol string, qty float64, linkID string) error
}

// busPlacer publishes intents on trading.orders for the paper broker. The
// bracket unrolls into three intents sharing the link id root: a market
// entry, a reduce-only limit take-profit and a reduce-only stop-market
// stop-loss.
type busPlacer struct {
	pub     bus.Publisher
	subject string
}

// NewBusPlacer builds the paper/replay-mode placer.
func NewBusPlacer(pub bus.Publisher, subject string) OrderPlacer {
	return &busPlacer{pub: pub, subject: subject}
}

func (p *busPlacer) PlaceBracket(_ context.Context, b Bracket) error {
	exitSide := types.SideSell
	if b.Side == types.SideSell {
		exitSide = types.SideBuy
	}
	now := time.Now().UTC()

	intents := []types.OrderIntent{
		{
			ID:        b.LinkID + "-entry",
			ClientID:  b.LinkID + "-entry",
			Symbol:    b.Symbol,
			Type:      types.OrderTypeMarket,
			Side:      b.Side,
			Quantity:  b.Qty,
			Timestamp: now,
		},
		{
			ID:         b.LinkID + "-tp",
			ClientID:   b.LinkID + "-tp",
			Symbol:     b.Symbol,
			Type:       types.OrderTypeLimit,
			Side:       exitSide,
			Price:      b.TakeProfit,
			Quantity:   b.Qty,
			ReduceOnly: true,
			Timestamp:  now,
		},
		{
			ID:         b.LinkID + "-sl",
			ClientID:   b.LinkID + "-sl",
			Symbol:     b.Symbol,
			Type:       types.OrderTypeStopMarket,
			Side:       exitSide,
			StopPrice:  b.StopLoss,
			Quantity:   b.Qty,
			ReduceOnly: true,
			Timestamp:  now,
		},
	}

	for _, intent := range intents {
		if err := bus.PublishJSON(p.pub, p.subject, intent); err != nil {
			return fmt.Errorf("publish intent %s: %w", intent.ClientID, err)
		}
	}
	log.Info().
		Str("link_id", b.LinkID).
		Str("symbol", b.Symbol).
		Float64("qty", b.Qty).
		Float64("tp", b.TakeProfit).
		Float64("sl", b.StopLoss).
		Msg("📤 Bracket intents published")
	return nil
}

func (p *busPlacer) PlaceExit(_ context.Context, symbol string, qty float64, linkID string) error {
	intent := types.OrderIntent{
		ID:         linkID + "-exit",
		ClientID:   linkID + "-exit",
		Symbol:     symbol,
		Type:       types.OrderTypeMarket,
		Side:       types.SideSell,
		Quantity:   qty,
		ReduceOnly: true,
		Timestamp:  time.Now().UTC(),
	}
	if err := bus.PublishJSON(p.pub, p.subject, intent); err != nil {
		return fmt.Errorf("publish exit intent %s: %w", intent.ClientID, err)
	}
	log.Info().Str("link_id", linkID).Str("symbol", symbol).Float64("qty", qty).Msg("📤 Exit intent published")
	return nil
}

// exchangePlacer submits the bracket as a single venue order with attached
// TP/SL, the live-mode path.
type exchangePlacer struct {
	client exchange.Client
}

// NewExchangePlacer builds the live-mode placer.
func NewExchangePlacer(client exchange.Client) OrderPlacer {
	return &exchangePlacer{client: client}
}

func (p *exchangePlacer) PlaceBracket(ctx context.Context, b Bracket) error {
	orderID, err := p.client.PlaceBracket(ctx, exchange.BracketOrder{
		Symbol:      b.Symbol,
		Side:        b.Side,
		Qty:         b.Qty,
		TakeProfit:  b.TakeProfit,
		StopLoss:    b.StopLoss,
		TriggerBy:   b.TriggerBy,
		PositionIdx: b.PositionIdx,
		OrderLinkID: b.LinkID,
	})
	if err != nil {
		return err
	}
	log.Info().Str("order_id", orderID).Str("link_id", b.LinkID).Msg("📤 Bracket order placed on venue")
	return nil
}

func (p *exchangePlacer) PlaceExit(ctx context.Context, symbol string, qty float64, linkID string) error {
	orderID, err := p.client.PlaceBracket(ctx, exchange.BracketOrder{
		Symbol:      symbol,
		Side:        types.SideSell,
		Qty:         qty,
		OrderLinkID: linkID + "-exit",
		ReduceOnly:  true,
	})
	if err != nil {
		return err
	}
	log.Info().Str("order_id", orderID).Str("link_id", linkID).Msg("📤 Exit order placed on venue")
	return nil
}
